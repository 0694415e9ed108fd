package controlplane

import (
	"context"
	"errors"
	"sync"
	"time"
)

// activeCall is one live call tracked for the admin listing/hangup
// endpoints. It holds nothing the media loop needs back except cancel.
type activeCall struct {
	startedAt time.Time
	cancel    context.CancelFunc
}

// terminalStatuses are the CallRecord statuses a call cannot leave (§3, §8
// invariant 1: exactly one terminal transition per call).
var terminalStatuses = map[string]bool{
	"completed":  true,
	"failed":     true,
	"busy":       true,
	"no-answer":  true,
	"cancelled":  true,
	"transferred": true,
}

// recordEvictionDelay is how long a terminal CallRecord stays queryable
// before it is evicted (§3: "retained >=30s after terminal transition").
const recordEvictionDelay = 30 * time.Second

var (
	ErrRecordNotFound      = errors.New("call record not found")
	ErrRecordTerminal      = errors.New("call record already in a terminal status")
	ErrCallNotActive       = errors.New("call is not active")
	ErrTransferUnsupported = errors.New("call does not support transfer")
)

// CallRecord is the SIP-variant call-record dict exposed over the control
// plane (§3, §4.H): created on inbound INVITE or outbound makeCall, mutated
// only by the telephony adapter as the call's SIP dialog changes state.
type CallRecord struct {
	Sid          string            `json:"sid"`
	Direction    string            `json:"direction"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	AnsweredAt   *time.Time        `json:"answeredAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	DurationSec  int               `json:"durationSec"`
	CustomParams map[string]string `json:"customParams,omitempty"`
	WsTarget     string            `json:"wsTarget,omitempty"`
	CallbackUrl  string            `json:"callbackUrl,omitempty"`
}

// recordEntry pairs a CallRecord with the live-call hooks the telephony
// adapter attaches once it knows them: cancel tears the dialog down, xfer
// sends a blind REFER.
type recordEntry struct {
	record CallRecord
	cancel context.CancelFunc
	xfer   func(destination string) error
}

// CallRegistry tracks live calls across both telephony variants so the
// control plane can answer GET /api/calls and honor DELETE /api/calls/{id}
// without reaching into wsmedia/sipmedia internals. It satisfies
// wsmedia.Registry and sipmedia.Registry.
type CallRegistry struct {
	mu      sync.Mutex
	calls   map[string]*activeCall
	records map[string]*recordEntry
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls:   make(map[string]*activeCall),
		records: make(map[string]*recordEntry),
	}
}

func (r *CallRegistry) Register(callID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[callID] = &activeCall{startedAt: time.Now(), cancel: cancel}
}

func (r *CallRegistry) Unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Hangup cancels a live call's context, unwinding its steady-state loop
// and triggering the normal finalize path. Returns false if unknown.
func (r *CallRegistry) Hangup(callID string) bool {
	r.mu.Lock()
	call, ok := r.calls[callID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	call.cancel()
	return true
}

// CallSummary is the legacy WS-variant row of GET /api/calls: a call-id and
// a duration, with no SIP dialog behind it to carry a full CallRecord.
type CallSummary struct {
	CallID      string    `json:"callId"`
	StartedAt   time.Time `json:"startedAt"`
	DurationSec int       `json:"durationSec"`
}

func (r *CallRegistry) List() []CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallSummary, 0, len(r.calls))
	now := time.Now()
	for id, call := range r.calls {
		out = append(out, CallSummary{
			CallID:      id,
			StartedAt:   call.startedAt,
			DurationSec: int(now.Sub(call.startedAt).Seconds()),
		})
	}
	return out
}

// Count reports live-call volume for the admission check at call start.
func (r *CallRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CreateRecord starts tracking a SIP-variant call (§3). status is the
// caller's initial state, normally "ringing" for inbound or "initiated"
// for outbound.
func (r *CallRegistry) CreateRecord(sid, direction, from, to, status string, customParams map[string]string, wsTarget, callbackURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sid] = &recordEntry{record: CallRecord{
		Sid:          sid,
		Direction:    direction,
		From:         from,
		To:           to,
		Status:       status,
		CreatedAt:    time.Now(),
		CustomParams: customParams,
		WsTarget:     wsTarget,
		CallbackUrl:  callbackURL,
	}}
}

// SetStatus transitions a CallRecord's status (§4.G call state machine).
// A record already in a terminal status rejects any further transition
// (§8 invariant 1); a terminal transition schedules eviction after
// recordEvictionDelay.
func (r *CallRegistry) SetStatus(sid, status string) error {
	r.mu.Lock()
	entry, ok := r.records[sid]
	if !ok {
		r.mu.Unlock()
		return ErrRecordNotFound
	}
	if terminalStatuses[entry.record.Status] {
		r.mu.Unlock()
		return ErrRecordTerminal
	}

	now := time.Now()
	entry.record.Status = status
	if status == "answered" || status == "active" {
		if entry.record.AnsweredAt == nil {
			t := now
			entry.record.AnsweredAt = &t
		}
	}
	terminal := terminalStatuses[status]
	if terminal {
		t := now
		entry.record.EndedAt = &t
		entry.record.DurationSec = int(now.Sub(entry.record.CreatedAt).Seconds())
	}
	r.mu.Unlock()

	if terminal {
		time.AfterFunc(recordEvictionDelay, func() {
			r.mu.Lock()
			delete(r.records, sid)
			r.mu.Unlock()
		})
	}
	return nil
}

// AttachCancel wires the function that tears down the call's SIP dialog,
// used by CancelRecord (DELETE /api/calls/{sid}).
func (r *CallRegistry) AttachCancel(sid string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.records[sid]; ok {
		entry.cancel = cancel
	}
}

// AttachXfer wires the function that sends a blind REFER for this call,
// used by TransferRecord (POST /api/calls/{sid}/transfer).
func (r *CallRegistry) AttachXfer(sid string, xfer func(destination string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.records[sid]; ok {
		entry.xfer = xfer
	}
}

// GetRecord returns a snapshot of one CallRecord.
func (r *CallRegistry) GetRecord(sid string) (CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.records[sid]
	if !ok {
		return CallRecord{}, false
	}
	return snapshotRecord(entry.record), true
}

// ListRecords returns every live CallRecord (§4.H GET /api/calls).
func (r *CallRegistry) ListRecords() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, 0, len(r.records))
	for _, entry := range r.records {
		out = append(out, snapshotRecord(entry.record))
	}
	return out
}

func snapshotRecord(rec CallRecord) CallRecord {
	if !terminalStatuses[rec.Status] {
		rec.DurationSec = int(time.Since(rec.CreatedAt).Seconds())
	}
	return rec
}

// CancelRecord answers DELETE /api/calls/{sid}: cancels the call's SIP
// dialog and marks the record cancelled. Returns false if unknown.
func (r *CallRegistry) CancelRecord(sid string) bool {
	r.mu.Lock()
	entry, ok := r.records[sid]
	var cancel context.CancelFunc
	if ok {
		cancel = entry.cancel
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	_ = r.SetStatus(sid, "cancelled")
	if cancel != nil {
		cancel()
	}
	return true
}

// TransferRecord answers POST /api/calls/{sid}/transfer: blind REFER via
// the attached xfer hook, only while the call is active (§4.G, §4.H).
func (r *CallRegistry) TransferRecord(sid, destination string) error {
	r.mu.Lock()
	entry, ok := r.records[sid]
	if !ok {
		r.mu.Unlock()
		return ErrRecordNotFound
	}
	if entry.record.Status != "active" {
		r.mu.Unlock()
		return ErrCallNotActive
	}
	xfer := entry.xfer
	r.mu.Unlock()

	if xfer == nil {
		return ErrTransferUnsupported
	}
	if err := xfer(destination); err != nil {
		return err
	}
	return r.SetStatus(sid, "transferred")
}
