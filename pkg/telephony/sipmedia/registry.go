package sipmedia

import "context"

// Registry lets the control plane track live SIP calls for the list/hangup
// admin endpoints (§4.H), mirroring wsmedia's Registry so the same
// internal/controlplane.CallRegistry satisfies both without either
// telephony variant importing the other. The CallRecord-shaped methods
// back the §3 data model: created at INVITE/makeCall time, mutated as the
// dialog's state changes.
type Registry interface {
	Register(callID string, cancel context.CancelFunc)
	Unregister(callID string)

	CreateRecord(sid, direction, from, to, status string, customParams map[string]string, wsTarget, callbackURL string)
	SetStatus(sid, status string) error
	AttachCancel(sid string, cancel context.CancelFunc)
	AttachXfer(sid string, xfer func(destination string) error)
}
