package sipmedia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
)

const incomingCallbackTimeout = 5 * time.Second

// incomingCallbackRequest is POSTed to the configured incoming-callback URL
// before a ringing call is answered (§4.G).
type incomingCallbackRequest struct {
	CallID string `json:"callId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// incomingCallbackDecision is the callback's reply, overriding per-call
// routing before the 200 OK is sent.
type incomingCallbackDecision struct {
	Action       string            `json:"action"`
	StatusCode   int               `json:"statusCode,omitempty"`
	CustomParams map[string]string `json:"customParams,omitempty"`
	WsTarget     string            `json:"wsTarget,omitempty"`
	CallbackUrl  string            `json:"callbackUrl,omitempty"`
}

// fetchIncomingDecision resolves the answer/reject/ignore decision for one
// ringing call. A missing callback URL defaults to accept; a callback that
// errors also defaults to accept (fail-open, matching CheckBlocked) rather
// than stranding a call no one configured a rejection reason for.
func fetchIncomingDecision(ctx context.Context, callbackURL, callID, from, to string) incomingCallbackDecision {
	if callbackURL == "" {
		return incomingCallbackDecision{Action: "accept"}
	}

	decision, err := postIncomingCallback(ctx, callbackURL, callID, from, to)
	if err != nil {
		logger.Log.Warn("incoming callback failed, accepting by default", zap.Error(err))
		return incomingCallbackDecision{Action: "accept"}
	}
	if decision.Action == "" {
		decision.Action = "accept"
	}
	return decision
}

func postIncomingCallback(ctx context.Context, callbackURL, callID, from, to string) (incomingCallbackDecision, error) {
	reqCtx, cancel := context.WithTimeout(ctx, incomingCallbackTimeout)
	defer cancel()

	payload, err := json.Marshal(incomingCallbackRequest{CallID: callID, From: from, To: to})
	if err != nil {
		return incomingCallbackDecision{}, fmt.Errorf("marshal incoming callback request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return incomingCallbackDecision{}, fmt.Errorf("build incoming callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return incomingCallbackDecision{}, fmt.Errorf("call incoming callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return incomingCallbackDecision{}, fmt.Errorf("incoming callback returned status %d", resp.StatusCode)
	}

	var decision incomingCallbackDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return incomingCallbackDecision{}, fmt.Errorf("decode incoming callback response: %w", err)
	}
	return decision, nil
}

// rejectStatus maps a SIP final-response code to the CallRecord terminal
// status it represents (§4.G call state machine).
func rejectStatus(code int) string {
	switch code {
	case 486, 600:
		return "busy"
	case 480, 408:
		return "no-answer"
	default:
		return "failed"
	}
}
