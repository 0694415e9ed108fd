package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/voicebridge/pkg/archive"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestHandler wires a typed-nil *archive.Store (not a bare nil
// interface) so archive.LogAction's nil-receiver-safe no-op path runs,
// matching how cmd/server/main.go wires a disabled archive in production.
func newTestHandler() *Handler {
	var store *archive.Store
	return &Handler{registry: NewCallRegistry(), archive: store}
}

// fakeSIPController lets tests exercise CreateCall without a real SIP
// transport underneath.
type fakeSIPController struct {
	registered bool
	account    string
	active     int
	max        int
	placeCalls []string
	placeErr   error
}

func (f *fakeSIPController) RegistrationState() (bool, string) { return f.registered, f.account }
func (f *fakeSIPController) ActiveCalls() int                  { return f.active }
func (f *fakeSIPController) MaxConcurrentCalls() int           { return f.max }
func (f *fakeSIPController) PlaceCall(ctx context.Context, sid, to, from string, timeoutSec int) error {
	f.placeCalls = append(f.placeCalls, sid)
	return f.placeErr
}

func TestListCallsReflectsRegistry(t *testing.T) {
	h := newTestHandler()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.registry.Register("call-1", cancel)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/calls", nil)

	h.ListCalls(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "call-1")
}

func TestHangupCallCancelsAndReturns404ForUnknown(t *testing.T) {
	h := newTestHandler()
	cancelled := false
	_, cancel := context.WithCancel(context.Background())
	wrapped := func() { cancelled = true; cancel() }
	h.registry.Register("call-1", wrapped)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/calls/call-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "call-1"}}

	h.HangupCall(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, cancelled)

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodDelete, "/api/calls/unknown", nil)
	c2.Params = gin.Params{{Key: "id", Value: "unknown"}}
	h.HangupCall(c2)
	assert.Equal(t, http.StatusNotFound, w2.Code)
}

func TestRegistryCountTracksLiveCalls(t *testing.T) {
	r := NewCallRegistry()
	assert.Equal(t, 0, r.Count())
	_, cancel := context.WithCancel(context.Background())
	r.Register("c1", cancel)
	assert.Equal(t, 1, r.Count())
	r.Unregister("c1")
	assert.Equal(t, 0, r.Count())
}

func TestCreateCallWithoutSIPControllerReturns503(t *testing.T) {
	h := newTestHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"to":"+33100000000"}`))

	h.CreateCall(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateCallRequiresTo(t *testing.T) {
	h := newTestHandler()
	h.sip = &fakeSIPController{max: 10}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{}`))

	h.CreateCall(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCallReturns429WhenBudgetExhausted(t *testing.T) {
	h := newTestHandler()
	h.sip = &fakeSIPController{active: 5, max: 5}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"to":"+33100000000"}`))

	h.CreateCall(c)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCreateCallOriginatesAndReturns201(t *testing.T) {
	h := newTestHandler()
	sip := &fakeSIPController{max: 10}
	h.sip = sip

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(`{"to":"+33100000000","from":"+33199999999"}`))

	h.CreateCall(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"initiated"`)

	require.Eventually(t, func() bool { return len(sip.placeCalls) == 1 }, time.Second, time.Millisecond)

	records := h.registry.ListRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "outbound", records[0].Direction)
	assert.Equal(t, "+33100000000", records[0].To)
}

func TestTransferCallRequiresActiveRecord(t *testing.T) {
	h := newTestHandler()
	h.registry.CreateRecord("sid-1", "inbound", "+331", "+332", "ringing", nil, "", "")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls/sid-1/transfer", strings.NewReader(`{"destination":"+333"}`))
	c.Params = gin.Params{{Key: "id", Value: "sid-1"}}

	h.TransferCall(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferCallUnknownSidReturns404(t *testing.T) {
	h := newTestHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls/unknown/transfer", strings.NewReader(`{"destination":"+333"}`))
	c.Params = gin.Params{{Key: "id", Value: "unknown"}}

	h.TransferCall(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransferCallSendsReferWhileActive(t *testing.T) {
	h := newTestHandler()
	h.registry.CreateRecord("sid-1", "inbound", "+331", "+332", "ringing", nil, "", "")
	require.NoError(t, h.registry.SetStatus("sid-1", "answered"))
	require.NoError(t, h.registry.SetStatus("sid-1", "active"))

	var gotDestination string
	h.registry.AttachXfer("sid-1", func(destination string) error {
		gotDestination = destination
		return nil
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/calls/sid-1/transfer", strings.NewReader(`{"destination":"+333"}`))
	c.Params = gin.Params{{Key: "id", Value: "sid-1"}}

	h.TransferCall(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "+333", gotDestination)

	rec, ok := h.registry.GetRecord("sid-1")
	require.True(t, ok)
	assert.Equal(t, "transferred", rec.Status)
}
