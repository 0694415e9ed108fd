package sipmedia

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
)

const frameInterval = 20 * time.Millisecond

// mediaConn is the UDP socket for one call's RTP stream: reads inbound
// µ-law frames into an AudioPort's rxQueue, and paces outbound frames from
// its txBuffer onto the wire at the codec's 20ms clock.
type mediaConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	codec  payloadType

	ssrc uint32
	seq  uint16
	ts   uint32
}

// newMediaConn wraps an already-bound UDP socket (from portAllocator) and
// targets remote with the negotiated codec's static payload type.
func newMediaConn(conn *net.UDPConn, remote *net.UDPAddr, codec payloadType, ssrc uint32) *mediaConn {
	return &mediaConn{conn: conn, remote: remote, codec: codec, ssrc: ssrc}
}

func (m *mediaConn) Close() error {
	return m.conn.Close()
}

// readLoop decodes inbound RTP packets and pushes their µ-law payload onto
// port's inbound queue until ctx is cancelled or the socket errors.
func (m *mediaConn) readLoop(ctx context.Context, port *AudioPort) error {
	buf := make([]byte, 1500)
	for {
		if err := m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return fmt.Errorf("set rtp read deadline: %w", err)
		}
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("rtp read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			logger.Log.Warn("sipmedia: malformed rtp packet", zap.Error(err))
			continue
		}
		if pkt.PayloadType != uint8(m.codec) {
			continue
		}
		frame := make([]byte, len(pkt.Payload))
		copy(frame, pkt.Payload)
		port.PushInbound(frame)
	}
}

// writeLoop paces 20ms frames from port's outbound buffer onto the wire,
// calling onMark for every mark that fires on that tick (§4.G deferred
// marks), until ctx is cancelled.
func (m *mediaConn) writeLoop(ctx context.Context, port *AudioPort, onMark func(name string)) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame, marks, hasAudio := port.NextOutboundFrame()
			if !hasAudio {
				for _, name := range marks {
					onMark(name)
				}
				continue
			}

			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    uint8(m.codec),
					SequenceNumber: m.seq,
					Timestamp:      m.ts,
					SSRC:           m.ssrc,
				},
				Payload: frame,
			}
			m.seq++
			m.ts += rtpFrameBytes

			raw, err := pkt.Marshal()
			if err != nil {
				return fmt.Errorf("marshal rtp packet: %w", err)
			}
			if _, err := m.conn.WriteToUDP(raw, m.remote); err != nil {
				return fmt.Errorf("rtp write: %w", err)
			}

			for _, name := range marks {
				onMark(name)
			}
		}
	}
}
