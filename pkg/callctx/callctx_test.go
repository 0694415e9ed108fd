package callctx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/voicebridge/pkg/apiclient"
)

func TestOutcomePriority(t *testing.T) {
	assert.Equal(t, "order_placed", Outcome(Flags{OrderPlaced: true, ReservationPlaced: true, MessageLeft: true, HadConversation: true}))
	assert.Equal(t, "reservation_placed", Outcome(Flags{ReservationPlaced: true, MessageLeft: true, HadConversation: true}))
	assert.Equal(t, "message_left", Outcome(Flags{MessageLeft: true, HadConversation: true}))
	assert.Equal(t, "info_only", Outcome(Flags{HadConversation: true}))
	assert.Equal(t, "abandoned", Outcome(Flags{}))
}

func TestAssignCallIDExactlyOnce(t *testing.T) {
	c := New("rest-1", "+33611111111")
	c.AssignCallID("call-1")
	assert.Equal(t, "call-1", c.CallID)
	assert.Panics(t, func() { c.AssignCallID("call-2") })
}

func TestFinalizeRunsAtMostOnce(t *testing.T) {
	var patchCalls int32
	var messageCalls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			atomic.AddInt32(&patchCalls, 1)
		case strings.HasSuffix(r.URL.Path, "/api/messages"):
			atomic.AddInt32(&messageCalls, 1)
			_ = json.NewEncoder(w).Encode(apiclient.LeaveMessageResponse{ID: "m1"})
		}
	}))
	defer srv.Close()

	client := apiclient.New(srv.URL)
	c := New("rest-1", "+33611111111")
	c.AssignCallID("call-1")
	c.SetFlag(func(f *Flags) { f.HadConversation = true })
	c.AppendTranscript("user", "hi")
	c.AppendTranscript("assistant", "hello")

	require.NoError(t, c.Finalize(context.Background(), client))
	require.NoError(t, c.Finalize(context.Background(), client))

	assert.Equal(t, int32(1), atomic.LoadInt32(&patchCalls), "finalize must PATCH at most once")
	assert.Equal(t, int32(1), atomic.LoadInt32(&messageCalls))
}

func TestSummarizeTranscriptTruncatesAndLimitsTurns(t *testing.T) {
	var turns []TranscriptTurn
	for i := 0; i < 10; i++ {
		turns = append(turns, TranscriptTurn{Role: "user", Content: strings.Repeat("x", 150)})
	}
	summary := summarizeTranscript(turns)
	lines := strings.Split(summary, "\n")
	assert.Len(t, lines, 6)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), len("user: ")+100)
	}
}
