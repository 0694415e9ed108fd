// Package callctx owns the per-call state machine (§3 CallContext, §4.E):
// session bootstrap, outcome derivation, and call-record finalization.
// The call goroutine/task that creates a Context is its sole owner.
package callctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
)

// TranscriptTurn is one exchange recorded during the call.
type TranscriptTurn struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Flags are the outcome-determining booleans set by the tool dispatcher
// and the AI session adapter.
type Flags struct {
	OrderPlaced       bool
	ReservationPlaced bool
	MessageLeft       bool
	HadConversation   bool
	ShouldHangup      bool
}

// Context is the per-call state (§3). It is mutated only from the call
// goroutine/task that owns it.
type Context struct {
	RestaurantID string
	CallerNumber string // E.164-normalized
	CallID       string // assigned by the API, exactly once
	CustomerID   string
	StartedAt    time.Time

	mu         sync.Mutex
	flags      Flags
	transcript []TranscriptTurn

	// LastAvailabilityCheck is the opaque result of the most recent
	// check_availability tool call, consumed by confirm_order /
	// confirm_reservation (§4.D).
	LastAvailabilityCheck *apiclient.AvailabilityResult

	// ItemMap re-hydrates the AI's compact integer item ids to
	// uuid/name pairs (§3).
	ItemMap map[string]apiclient.MenuItem

	AvgPrepTimeMin  int
	DeliveryEnabled bool

	finalizeOnce sync.Once
	finalized    bool
}

// New creates a call context. CallID is assigned later, exactly once, by
// AssignCallID after the config load completes (§3 invariant).
func New(restaurantID, callerNumber string) *Context {
	return &Context{
		RestaurantID: restaurantID,
		CallerNumber: callerNumber,
		StartedAt:    time.Now(),
		ItemMap:      make(map[string]apiclient.MenuItem),
	}
}

// AssignCallID sets CallID exactly once; calling it twice panics, since the
// §3 invariant (call_id assigned exactly once) reflects a programmer error
// if violated, not a recoverable runtime condition.
func (c *Context) AssignCallID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallID != "" {
		panic("callctx: call_id assigned more than once")
	}
	c.CallID = id
}

// SetFlag sets one outcome flag.
func (c *Context) SetFlag(set func(*Flags)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set(&c.flags)
}

// Flags returns a copy of the current flags.
func (c *Context) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// AppendTranscript records one turn.
func (c *Context) AppendTranscript(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, TranscriptTurn{Role: role, Content: content, Timestamp: time.Now()})
}

// Transcript returns a copy of the transcript so far.
func (c *Context) Transcript() []TranscriptTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TranscriptTurn, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Outcome derives the call outcome as a pure function of the flags,
// priority order per §4.E / §8 invariant 2.
func Outcome(f Flags) string {
	switch {
	case f.OrderPlaced:
		return "order_placed"
	case f.ReservationPlaced:
		return "reservation_placed"
	case f.MessageLeft:
		return "message_left"
	case f.HadConversation:
		return "info_only"
	default:
		return "abandoned"
	}
}

// Finalize runs the terminal API write exactly once per call (§4.E, §5,
// §8 invariant 2). If had_conversation is true with no transactional
// outcome, it first auto-posts a transcript-summary message (§4.E, S5).
func (c *Context) Finalize(ctx context.Context, client *apiclient.Client) error {
	var finalizeErr error
	c.finalizeOnce.Do(func() {
		finalizeErr = c.doFinalize(ctx, client)
		c.mu.Lock()
		c.finalized = true
		c.mu.Unlock()
	})
	return finalizeErr
}

func (c *Context) doFinalize(ctx context.Context, client *apiclient.Client) error {
	flags := c.Flags()
	outcome := Outcome(flags)
	transcript := c.Transcript()

	if flags.HadConversation && outcome == "info_only" {
		if _, err := client.LeaveMessage(ctx, apiclient.LeaveMessageRequest{
			RestaurantID: c.RestaurantID,
			CallID:       c.CallID,
			Content:      summarizeTranscript(transcript),
			Category:     "info_request",
		}); err != nil {
			logger.Log.Warn("auto info-request message failed", zap.Error(err))
		}
	}

	apiTurns := make([]apiclient.TranscriptTurn, len(transcript))
	for i, t := range transcript {
		apiTurns[i] = apiclient.TranscriptTurn{Role: t.Role, Content: t.Content, Timestamp: t.Timestamp}
	}

	durationSec := int(time.Since(c.StartedAt).Seconds())
	err := client.PatchCall(ctx, c.CallID, apiclient.PatchCallRequest{
		EndedAt:     time.Now(),
		DurationSec: durationSec,
		Outcome:     outcome,
		Transcript:  apiTurns,
	})
	if err != nil {
		return fmt.Errorf("finalize call %s: %w", c.CallID, err)
	}

	metrics.CallOutcomesTotal.WithLabelValues(outcome).Inc()
	return nil
}

// summarizeTranscript builds the auto-message body for an info-only call:
// the last 6 turns, each truncated to 100 chars (§4.E, S5).
func summarizeTranscript(turns []TranscriptTurn) string {
	const maxTurns = 6
	const maxLen = 100

	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		content := t.Content
		if len(content) > maxLen {
			content = content[:maxLen]
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, content)
	}
	return b.String()
}
