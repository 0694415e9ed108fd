package wsmedia

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/dispatch"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/phone"
)

// Registry lets the control plane track live calls for the list/hangup
// admin endpoints without wsmedia importing the control plane package.
type Registry interface {
	Register(callID string, cancel context.CancelFunc)
	Unregister(callID string)
}

// Deps are the resources a Session needs, shared across every call handled
// by the control plane's WS endpoint.
type Deps struct {
	API              *apiclient.Client
	AIEndpoint       string
	AIAPIKey         string
	TrunkCountryCode string
	MaxCallDuration  time.Duration
	HangupDelay      time.Duration
	VAD              aisession.Config
	Registry         Registry
	Archive          archiveStore
}

// archiveStore is the subset of pkg/archive.Store that a Session needs,
// kept as a local interface so wsmedia does not depend on the Mongo
// driver just to call Archive on the rare process that enables it.
type archiveStore interface {
	Archive(ctx context.Context, call *callctx.Context)
}

const defaultMaxCallDuration = 600 * time.Second
const defaultHangupDelay = 300 * time.Millisecond

// Session is one live call bridged over the provider WebSocket.
type Session struct {
	conn *websocket.Conn
	deps Deps

	streamSid string
	call      *callctx.Context
	ai        *aisession.Session
	dispatcher *dispatch.Dispatcher

	latestMediaTS   int64
	responseStartTS int64
	haveResponseTS  bool
	lastAssistantID string

	markMu sync.Mutex
	marks  []string

	writeMu sync.Mutex
}

// Serve handles one provider WebSocket connection end to end: pre-call
// sequence, steady state, and finalize on exit (§4.F).
func Serve(ctx context.Context, conn *websocket.Conn, deps Deps) error {
	if deps.MaxCallDuration == 0 {
		deps.MaxCallDuration = defaultMaxCallDuration
	}
	if deps.HangupDelay == 0 {
		deps.HangupDelay = defaultHangupDelay
	}

	s := &Session{conn: conn, deps: deps}
	defer conn.Close()

	start, err := s.awaitStart()
	if err != nil {
		return err
	}
	s.streamSid = start.Start.StreamSid

	callerPhone := start.Start.CustomParameters["callerPhone"]
	restaurantID := start.Start.CustomParameters["restaurantId"]
	normalized := phone.NormalizeWithTrunkCode(callerPhone, s.deps.TrunkCountryCode)

	if s.deps.API.CheckBlocked(ctx, restaurantID, normalized) {
		logger.Log.Info("blocked caller, closing before AI session", zap.String("restaurant_id", restaurantID))
		return nil
	}

	s.call = callctx.New(restaurantID, normalized)
	metrics.CallsTotal.WithLabelValues("ws", "inbound").Inc()
	metrics.ActiveCalls.Inc()
	defer metrics.ActiveCalls.Dec()

	cfg, err := s.deps.API.GetAIConfig(ctx, restaurantID, normalized)
	var vadCfg aisession.Config
	var toolSchemas []map[string]interface{}
	returningCustomer := false
	customerName := ""
	if err != nil {
		// config-missing (§7): fall back to an apology prompt with an
		// empty tool set rather than failing the call outright.
		logger.Log.Warn("AI config fetch failed, using fallback apology prompt", zap.Error(err))
		vadCfg = s.deps.VAD
		vadCfg.SystemPrompt = "Apologize that the system is temporarily unavailable and offer to take a message."
	} else {
		s.call.AvgPrepTimeMin = cfg.AvgPrepTimeMin
		s.call.DeliveryEnabled = cfg.DeliveryEnabled
		for id, item := range cfg.ItemMap {
			s.call.ItemMap[id] = item
		}
		if cfg.CustomerContext != nil {
			returningCustomer = true
			customerName = cfg.CustomerContext.FirstName
			s.call.CustomerID = cfg.CustomerContext.CustomerID
		}
		vadCfg = s.deps.VAD
		vadCfg.Voice = cfg.Voice
		vadCfg.SystemPrompt = cfg.SystemPrompt
		toolSchemas = cfg.Tools
	}
	vadCfg.Endpoint = s.deps.AIEndpoint
	vadCfg.APIKey = s.deps.AIAPIKey
	vadCfg.Tools = toolSchemas

	callRec, err := s.deps.API.CreateCall(ctx, apiclient.CreateCallRequest{
		RestaurantID: restaurantID,
		CallerNumber: normalized,
		CustomerID:   s.call.CustomerID,
		StartedAt:    s.call.StartedAt,
	})
	if err != nil {
		logger.Log.Error("create call record failed", zap.Error(err))
		return err
	}
	s.call.AssignCallID(callRec.ID)

	runCtx, cancelRun := context.WithCancel(ctx)
	if s.deps.Registry != nil {
		s.deps.Registry.Register(callRec.ID, cancelRun)
		defer s.deps.Registry.Unregister(callRec.ID)
	}
	defer cancelRun()

	aiSess, err := aisession.Connect(ctx, vadCfg, s.buildCallbacks())
	if err != nil {
		return fmt.Errorf("connect ai session: %w", err)
	}
	s.ai = aiSess
	defer s.finalize(ctx)

	s.dispatcher = dispatch.New(s.deps.API, s.call, s.ai)

	if err := s.ai.Bootstrap(returningCustomer, customerName); err != nil {
		return fmt.Errorf("bootstrap ai session: %w", err)
	}

	return s.runSteadyState(runCtx)
}

func (s *Session) awaitStart() (*startEvent, error) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read start event: %w", err)
	}
	var ev startEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode start event: %w", err)
	}
	if ev.Event != "start" {
		return nil, fmt.Errorf("expected start event, got %q", ev.Event)
	}
	return &ev, nil
}

// runSteadyState races telephony-inbound reads, the AI session's read
// loop, and the call-duration watchdog under first-completed semantics
// (§5): whichever finishes first cancels the rest.
func (s *Session) runSteadyState(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.deps.MaxCallDuration)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- s.readTelephonyLoop(ctx) }()
	go func() { errCh <- s.ai.Run(ctx) }()

	err := <-errCh
	cancel()
	<-errCh
	if ctx.Err() == context.DeadlineExceeded {
		logger.Log.Info("call duration watchdog fired", zap.String("stream_sid", s.streamSid))
		return nil
	}
	return err
}

func (s *Session) readTelephonyLoop(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("telephony read: %w", err)
		}

		var envelope inboundEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		switch envelope.Event {
		case "media":
			var ev mediaInEvent
			if json.Unmarshal(raw, &ev) == nil {
				s.latestMediaTS = ev.Media.Timestamp
				if err := s.ai.SendAudio(ev.Media.Payload); err != nil {
					return fmt.Errorf("forward audio to ai: %w", err)
				}
			}
		case "mark":
			s.popMark()
		case "stop":
			return nil
		}
	}
}

func (s *Session) buildCallbacks() aisession.Callbacks {
	return aisession.Callbacks{
		OnAudioDelta: func(payload string) {
			if !s.haveResponseTS {
				s.responseStartTS = s.latestMediaTS
				s.haveResponseTS = true
			}
			_ = s.writeJSON(mediaOutEvent{
				Event:     "media",
				StreamSid: s.streamSid,
				Media:     struct{ Payload string `json:"payload"` }{Payload: payload},
			})
		},
		OnAudioDone: func() {
			name := "responsePart"
			s.pushMark(name)
			_ = s.writeJSON(markOutEvent{
				Event:     "mark",
				StreamSid: s.streamSid,
				Mark:      struct{ Name string `json:"name"` }{Name: name},
			})
			if s.call.Flags().ShouldHangup {
				s.gracefulHangup()
			}
		},
		OnAssistantTranscript: func(content string) {
			s.call.AppendTranscript("assistant", content)
			s.call.SetFlag(func(f *callctx.Flags) { f.HadConversation = true })
		},
		OnUserTranscript: func(content string) {
			s.call.AppendTranscript("user", content)
			s.call.SetFlag(func(f *callctx.Flags) { f.HadConversation = true })
		},
		OnSpeechStarted: func() {
			elapsed := int64(0)
			if s.haveResponseTS {
				elapsed = s.latestMediaTS - s.responseStartTS
			}
			_ = s.writeJSON(clearOutEvent{Event: "clear", StreamSid: s.streamSid})
			if s.lastAssistantID != "" {
				_ = s.ai.SendTruncate(s.lastAssistantID, elapsed)
			}
			s.clearMarks()
			s.haveResponseTS = false
		},
		OnAssistantItemAdded: func(itemID string) {
			s.lastAssistantID = itemID
		},
		OnFunctionCall: func(callID, name, arguments string) {
			s.dispatcher.Handle(context.Background(), callID, name, arguments)
		},
		OnError: func(message string) {
			logger.Log.Warn("ai session error", zap.String("stream_sid", s.streamSid), zap.String("message", message))
		},
	}
}

// gracefulHangup implements the end_call protocol (§4.C, §4.E, S6): wait
// for the carrier buffer to drain, finalize, then send stop.
func (s *Session) gracefulHangup() {
	go func() {
		time.Sleep(s.deps.HangupDelay)
		s.finalize(context.Background())
		_ = s.writeJSON(stopOutEvent{Event: "stop", StreamSid: s.streamSid})
		_ = s.conn.Close()
	}()
}

func (s *Session) finalize(ctx context.Context) {
	if s.call == nil {
		return
	}
	if err := s.call.Finalize(ctx, s.deps.API); err != nil {
		logger.Log.Error("finalize call failed", zap.Error(err))
		return
	}
	if s.deps.Archive != nil {
		s.deps.Archive.Archive(ctx, s.call)
	}
}

func (s *Session) pushMark(name string) {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	s.marks = append(s.marks, name)
}

func (s *Session) popMark() {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	if len(s.marks) > 0 {
		s.marks = s.marks[1:]
	}
}

func (s *Session) clearMarks() {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	s.marks = s.marks[:0]
}

func (s *Session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
