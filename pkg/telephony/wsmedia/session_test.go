package wsmedia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
)

var testUpgrader = websocket.Upgrader{}

func toWSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newFakeAIServer simulates the realtime-AI WebSocket: it drains the
// bootstrap events, then emits one audio delta followed by audio.done.
func newFakeAIServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

		_ = conn.WriteJSON(map[string]interface{}{
			"type":  "response.audio.delta",
			"delta": "ZmFrZS1hdWRpbw==",
		})
		_ = conn.WriteJSON(map[string]interface{}{
			"type": "response.audio.done",
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func newFakeBusinessAPI(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/api/blocked-phones/check"):
			_ = json.NewEncoder(w).Encode(apiclient.BlockedCheckResponse{Blocked: false})
		case strings.HasSuffix(r.URL.Path, "/api/ai"):
			_ = json.NewEncoder(w).Encode(apiclient.AIConfig{
				SystemPrompt: "You are a helpful restaurant host.",
				Voice:        "alloy",
				ItemMap:      map[string]apiclient.MenuItem{},
			})
		case strings.HasSuffix(r.URL.Path, "/api/calls") && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(apiclient.CreateCallResponse{ID: "call-1"})
		case strings.Contains(r.URL.Path, "/api/calls/") && r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestServeBridgesAudioDeltaAsMediaAndEmitsMark(t *testing.T) {
	aiSrv := newFakeAIServer(t)
	defer aiSrv.Close()

	apiSrv := newFakeBusinessAPI(t)
	defer apiSrv.Close()

	deps := Deps{
		API:             apiclient.New(apiSrv.URL),
		AIEndpoint:      toWSURL(aiSrv.URL),
		AIAPIKey:        "test-key",
		MaxCallDuration: 5 * time.Second,
		HangupDelay:     50 * time.Millisecond,
		VAD:             aisession.DefaultConfig(),
	}

	telephonySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_ = Serve(context.Background(), conn, deps)
	}))
	defer telephonySrv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(toWSURL(telephonySrv.URL), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteJSON(startEvent{
		Event: "start",
		Start: struct {
			StreamSid        string            `json:"streamSid"`
			CustomParameters map[string]string `json:"customParameters"`
		}{
			StreamSid:        "MZ123",
			CustomParameters: map[string]string{"callerPhone": "0611111111", "restaurantId": "rest-1"},
		},
	}))

	require.NoError(t, clientConn.WriteJSON(mediaInEvent{
		Event: "media",
		Media: struct {
			Timestamp int64  `json:"timestamp,string"`
			Payload   string `json:"payload"`
		}{Timestamp: 100, Payload: "ZmFrZS1pbmJvdW5k"},
	}))

	var sawMedia, sawMark bool
	deadline := time.Now().Add(3 * time.Second)
	for !sawMedia || !sawMark {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for outbound media/mark events")
		}
		clientConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, raw, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("read from telephony session: %v", err)
		}
		var envelope inboundEnvelope
		require.NoError(t, json.Unmarshal(raw, &envelope))
		switch envelope.Event {
		case "media":
			sawMedia = true
		case "mark":
			sawMark = true
		}
	}

	assert.True(t, sawMedia)
	assert.True(t, sawMark)

	_ = clientConn.WriteJSON(stopEvent{Event: "stop"})
}
