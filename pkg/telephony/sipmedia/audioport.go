// Package sipmedia implements the SIP/RTP telephony variant (§4.G): a
// sipgo user agent answering inbound calls, PCMU/PCMA RTP media framed at
// 20ms, and the same AI bridging (aisession/dispatch/callctx) as the WS
// variant, adapted from the teacher's sipgo-flavored SIP handling
// (other_examples' flowpbx-flowpbx internal/sip) and pion RTP/SDP/NAT
// packages already present in the pack's dependency surface.
package sipmedia

import (
	"sync"
)

const (
	// rtpFrameBytes is 20ms of 8kHz µ-law: 160 samples, 1 byte each.
	rtpFrameBytes = 160
	rtpClockRate  = 8000
)

// AudioPort is the per-call RTP media queue: an inbound ring of decoded
// frames for the AI session, an outbound buffer of AI audio waiting to be
// packetized, and a deferred-mark queue (§4.G, §9 "deferred-mark
// protocol"): a mark is only considered consumed, and its callback fired,
// once the RTP sender has actually emitted the byte offset it was queued
// at — not merely when it was pushed.
type AudioPort struct {
	mu sync.Mutex

	rxQueue  [][]byte // µ-law frames decoded from inbound RTP, FIFO
	txBuffer []byte   // µ-law bytes from the AI not yet packetized

	txBytesSent int64
	marks       []pendingMark
}

type pendingMark struct {
	name        string
	triggerByte int64
}

func NewAudioPort() *AudioPort {
	return &AudioPort{}
}

// PushInbound queues one decoded inbound frame for the AI session.
func (p *AudioPort) PushInbound(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxQueue = append(p.rxQueue, frame)
}

// PopInbound dequeues the next inbound frame, if any.
func (p *AudioPort) PopInbound() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rxQueue) == 0 {
		return nil, false
	}
	frame := p.rxQueue[0]
	p.rxQueue = p.rxQueue[1:]
	return frame, true
}

// AppendOutbound queues AI-generated µ-law bytes for packetization.
func (p *AudioPort) AppendOutbound(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txBuffer = append(p.txBuffer, b...)
}

// QueueMark schedules name to fire once txBytesSent reaches the current
// end of the outbound buffer (the byte offset the mark was requested at).
func (p *AudioPort) QueueMark(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks = append(p.marks, pendingMark{name: name, triggerByte: p.txBytesSent + int64(len(p.txBuffer))})
}

// NextOutboundFrame pops one 20ms frame (zero-padded if the buffer is
// short) for RTP packetization, advances txBytesSent, and returns any
// marks whose trigger byte has now been reached, in order. With an empty
// buffer it returns hasAudio false together with any marks already reached.
func (p *AudioPort) NextOutboundFrame() (frame []byte, firedMarks []string, hasAudio bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txBuffer) == 0 {
		for len(p.marks) > 0 && p.marks[0].triggerByte <= p.txBytesSent {
			firedMarks = append(firedMarks, p.marks[0].name)
			p.marks = p.marks[1:]
		}
		return nil, firedMarks, false
	}

	n := rtpFrameBytes
	if n > len(p.txBuffer) {
		n = len(p.txBuffer)
	}
	frame = make([]byte, rtpFrameBytes)
	copy(frame, p.txBuffer[:n])
	p.txBuffer = p.txBuffer[n:]
	p.txBytesSent += int64(n)

	for len(p.marks) > 0 && p.marks[0].triggerByte <= p.txBytesSent {
		firedMarks = append(firedMarks, p.marks[0].name)
		p.marks = p.marks[1:]
	}

	return frame, firedMarks, true
}

// Clear drops all buffered outbound audio and pending marks without
// firing them, for barge-in (§4.C truncate / §9 clear semantics).
func (p *AudioPort) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txBuffer = p.txBuffer[:0]
	p.marks = p.marks[:0]
}

// TxElapsedMs is how much outbound audio has actually been sent, in
// milliseconds, used to compute the truncate offset on barge-in.
func (p *AudioPort) TxElapsedMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txBytesSent * 1000 / rtpClockRate
}
