// Package aisession wraps the realtime-AI WebSocket (§4.C): it frames the
// outbound session bootstrap and tool-result events, and dispatches
// inbound audio/transcript/tool-call events to caller-supplied callbacks.
//
// Grounded on the gorilla/websocket dial pattern used throughout the pack
// (teacher's internal/api/handlers/voicebot.go, other_examples'
// realtime-ai/pkg/realtimeapi/session.go) and on the VAD/session-config
// shape of other_examples' realtime-ai DefaultSessionConfig.
package aisession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

// Config is the per-call snapshot of AI session parameters (§9 "Shared
// mutable config": no live reconfiguration once a call starts).
type Config struct {
	Endpoint           string
	APIKey             string
	Voice              string
	SystemPrompt       string
	Tools              []map[string]interface{}
	VADThreshold       float64
	VADSilenceMs       int
	VADPrefixPaddingMs int
}

// DefaultConfig returns the §4.C defaults.
func DefaultConfig() Config {
	return Config{
		VADThreshold:       0.5,
		VADSilenceMs:       500,
		VADPrefixPaddingMs: 300,
	}
}

// Callbacks receives normalized events from the AI session (§4.C).
type Callbacks struct {
	OnAudioDelta          func(payloadBase64 string)
	OnAudioDone           func()
	OnAssistantTranscript func(content string)
	OnUserTranscript      func(content string)
	OnSpeechStarted       func()
	OnAssistantItemAdded  func(itemID string)
	OnFunctionCall        func(callID, name, arguments string)
	OnError               func(message string)
}

// Session is one AI realtime WebSocket conversation for one call.
type Session struct {
	conn      *websocket.Conn
	cfg       Config
	callbacks Callbacks

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the AI realtime endpoint with a bearer header and returns
// an unstarted Session; call Run to begin the read loop.
//
// §9 notes the pack's two observed dial signatures
// (additional_headers vs extra_headers) come from a Python client; the Go
// gorilla/websocket Dialer takes a single http.Header regardless of
// version, so that ambiguity does not apply here.
func Connect(ctx context.Context, cfg Config, callbacks Callbacks) (*Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.Endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial ai session (status %d): %w", status, err)
	}

	return &Session{conn: conn, cfg: cfg, callbacks: callbacks}, nil
}

// Bootstrap sends the initial session.update, a synthetic greeting
// directive, and a response.create (§4.C).
func (s *Session) Bootstrap(returningCustomer bool, customerName string) error {
	if err := s.sendSessionUpdate(); err != nil {
		return err
	}
	if err := s.sendGreetingDirective(returningCustomer, customerName); err != nil {
		return err
	}
	return s.SendResponseCreate()
}

func (s *Session) sendSessionUpdate() error {
	payload := sessionUpdatePayload{
		Type: EventSessionUpdate,
		Session: sessionUpdate{
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         s.cfg.VADThreshold,
				SilenceDurationMs: s.cfg.VADSilenceMs,
				PrefixPaddingMs:   s.cfg.VADPrefixPaddingMs,
			},
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Voice:             s.cfg.Voice,
			Instructions:      s.cfg.SystemPrompt,
			Modalities:        []string{"text", "audio"},
			Temperature:       0.7,
			Tools:             s.cfg.Tools,
			ToolChoice:        "auto",
			InputAudioTranscription: inputAudioTranscription{
				Model: "whisper-1",
			},
		},
	}
	return s.writeJSON(payload)
}

func (s *Session) sendGreetingDirective(returningCustomer bool, customerName string) error {
	text := "Greet the caller warmly and ask how you can help."
	if returningCustomer {
		if customerName != "" {
			text = fmt.Sprintf("Greet %s warmly as a returning customer and ask how you can help today.", customerName)
		} else {
			text = "Greet the returning customer warmly and ask how you can help today."
		}
	}

	item := conversationItemCreate{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationContent{
				{Type: "input_text", Text: text},
			},
		},
	}
	return s.writeJSON(item)
}

// SendResponseCreate requests the next AI response.
func (s *Session) SendResponseCreate() error {
	return s.writeJSON(responseCreate{Type: EventResponseCreate})
}

// SendFunctionCallOutput reports a tool result and always follows with
// response.create (§4.D, §5 ordering guarantee).
func (s *Session) SendFunctionCallOutput(callID string, result interface{}) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	item := conversationItemCreate{
		Type: EventConversationItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(encoded),
		},
	}
	if err := s.writeJSON(item); err != nil {
		return err
	}
	return s.SendResponseCreate()
}

// SendTruncate truncates the in-flight assistant item on barge-in (§4.C).
func (s *Session) SendTruncate(itemID string, audioEndMs int64) error {
	return s.writeJSON(conversationItemTruncate{
		Type:         EventConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	})
}

// SendAudio forwards one telephony-inbound µ-law frame to the AI.
func (s *Session) SendAudio(payloadBase64 string) error {
	return s.writeJSON(inputAudioBufferAppend{
		Type:  EventInputAudioBufferAppend,
		Audio: payloadBase64,
	})
}

func (s *Session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Run reads events until ctx is cancelled, the connection closes, or a
// read error occurs. It dispatches to the callbacks supplied to Connect.
// Run is the only reader of the connection; callers must not read conn
// directly.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ai session read: %w", err)
		}

		var envelope RawEvent
		if err := json.Unmarshal(raw, &envelope); err != nil {
			logger.Log.Warn("ai session: malformed event", zap.Error(err))
			continue
		}

		s.dispatch(envelope.Type, raw)
	}
}

func (s *Session) dispatch(eventType string, raw []byte) {
	switch eventType {
	case EventResponseAudioDelta:
		var ev ResponseAudioDeltaEvent
		if err := json.Unmarshal(raw, &ev); err == nil && s.callbacks.OnAudioDelta != nil {
			s.callbacks.OnAudioDelta(ev.Delta)
		}
	case EventResponseAudioDone:
		if s.callbacks.OnAudioDone != nil {
			s.callbacks.OnAudioDone()
		}
	case EventResponseAudioTranscriptDone:
		var ev ResponseAudioTranscriptDoneEvent
		if err := json.Unmarshal(raw, &ev); err == nil && s.callbacks.OnAssistantTranscript != nil {
			s.callbacks.OnAssistantTranscript(ev.Transcript)
		}
	case EventInputAudioTranscriptionCompleted:
		var ev InputAudioTranscriptionCompletedEvent
		if err := json.Unmarshal(raw, &ev); err == nil && s.callbacks.OnUserTranscript != nil {
			s.callbacks.OnUserTranscript(ev.Transcript)
		}
	case EventSpeechStarted:
		if s.callbacks.OnSpeechStarted != nil {
			s.callbacks.OnSpeechStarted()
		}
	case EventResponseOutputItemAdded:
		var ev ResponseOutputItemAddedEvent
		if err := json.Unmarshal(raw, &ev); err == nil && ev.Item.Role == "assistant" && s.callbacks.OnAssistantItemAdded != nil {
			s.callbacks.OnAssistantItemAdded(ev.Item.ID)
		}
	case EventFunctionCallArgumentsDone:
		var ev FunctionCallArgumentsDoneEvent
		if err := json.Unmarshal(raw, &ev); err == nil && s.callbacks.OnFunctionCall != nil {
			s.callbacks.OnFunctionCall(ev.CallID, ev.Name, ev.Arguments)
		}
	case EventError:
		var ev ErrorEvent
		_ = json.Unmarshal(raw, &ev)
		metrics.AISessionErrorsTotal.WithLabelValues(eventType).Inc()
		logger.Log.Warn("ai session error event", zap.String("message", ev.Error.Message))
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(ev.Error.Message)
		}
	}
}

// Close closes the underlying WebSocket. It is idempotent and safe to call
// from the termination barrier after the final telephony mark and the
// final API finalize call have both completed (§4.C cancellation note).
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
