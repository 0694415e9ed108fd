package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
)

func newDispatcher(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *callctx.Context) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	call := callctx.New("rest-1", "+33611111111")
	call.AssignCallID("call-1")
	call.ItemMap["3"] = apiclient.MenuItem{UUID: "uuid-3", Name: "Margherita"}

	d := &Dispatcher{API: apiclient.New(srv.URL), Call: call, Session: nil}
	return d, call
}

func TestConfirmOrderResolvesItemMapAndComputesTotal(t *testing.T) {
	var captured apiclient.CreateOrderRequest
	d, call := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/orders") && r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_ = json.NewEncoder(w).Encode(apiclient.CreateOrderResponse{ID: "order-1"})
		}
	})

	call.LastAvailabilityCheck = &apiclient.AvailabilityResult{EstimatedTimeISO: "2026-08-01T12:00:00Z"}

	args := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": float64(3), "quantity": float64(2), "unit_price": 9.5},
		},
		"total":      19.0,
		"order_type": "pickup",
	}

	result := d.confirmOrder(context.Background(), args)
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, resultMap["success"])

	require.Len(t, captured.Items, 1)
	assert.Equal(t, "Margherita", captured.Items[0].Name)
	assert.Equal(t, 19.0, captured.Items[0].TotalPrice)
	assert.Equal(t, "2026-08-01T12:00:00Z", captured.EstimatedReadyAt)
	assert.True(t, call.Flags().OrderPlaced)
}

func TestConfirmReservationRollsToNextDay(t *testing.T) {
	d, call := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/reservations") {
			_ = json.NewEncoder(w).Encode(apiclient.CreateReservationResponse{ID: "res-1"})
		}
	})

	result := d.confirmReservation(context.Background(), map[string]interface{}{
		"customer_name":    "Luc",
		"party_size":       float64(4),
		"reservation_time": "20:30",
	})
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, resultMap["success"])
	assert.True(t, call.Flags().ReservationPlaced)
}

func TestCancelOrderRejectsNonCancellableStatus(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiclient.OrderStatus{ID: "o1", Status: "delivered"})
	})

	result := d.cancelOrder(context.Background(), map[string]interface{}{"order_number": "ORD-1"})
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, resultMap["success"])
}

func TestCancelOrderSurfacesMissingID(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiclient.OrderStatus{Status: "pending"})
	})

	result := d.cancelOrder(context.Background(), map[string]interface{}{"order_number": "ORD-1"})
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, resultMap["success"])
	assert.Contains(t, resultMap["error"], "no id to cancel")
}

func TestEndCallLatchesShouldHangupWithoutCallingAPI(t *testing.T) {
	apiHit := false
	d, call := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) { apiHit = true })

	result := d.endCall(nil)
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hanging_up", resultMap["status"])
	assert.True(t, call.Flags().ShouldHangup)
	assert.False(t, apiHit)
}

func TestUnknownToolReturnsError(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {})
	result := d.route(context.Background(), "not_a_real_tool", "{}")
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, resultMap["error"], "unknown tool")
}

func TestLogFAQBestEffortReportsSuccessOnFailure(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	result := d.logNewFAQ(context.Background(), map[string]interface{}{"question": "open sundays?"})
	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, resultMap["success"])
}
