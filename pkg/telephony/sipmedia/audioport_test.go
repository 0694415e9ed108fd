package sipmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextOutboundFrameZeroPadsShortTail(t *testing.T) {
	p := NewAudioPort()
	p.AppendOutbound(make([]byte, 50))

	frame, marks, hasAudio := p.NextOutboundFrame()
	require.True(t, hasAudio)
	assert.Len(t, frame, rtpFrameBytes)
	assert.Empty(t, marks)

	_, _, hasAudio = p.NextOutboundFrame()
	assert.False(t, hasAudio)
}

func TestMarkFiresOnlyAfterBytesActuallySent(t *testing.T) {
	p := NewAudioPort()
	p.AppendOutbound(make([]byte, rtpFrameBytes*2))
	p.QueueMark("first-chunk")

	_, marks, hasAudio := p.NextOutboundFrame()
	require.True(t, hasAudio)
	assert.Empty(t, marks, "mark must not fire before its trigger byte is sent")

	_, marks, hasAudio = p.NextOutboundFrame()
	require.True(t, hasAudio)
	assert.Equal(t, []string{"first-chunk"}, marks)
}

func TestClearDropsBufferedAudioAndMarksWithoutFiring(t *testing.T) {
	p := NewAudioPort()
	p.AppendOutbound(make([]byte, rtpFrameBytes))
	p.QueueMark("pending")

	p.Clear()

	_, marks, hasAudio := p.NextOutboundFrame()
	assert.False(t, hasAudio)
	assert.Empty(t, marks)
}

func TestTxElapsedMsTracksSentAudio(t *testing.T) {
	p := NewAudioPort()
	assert.Equal(t, int64(0), p.TxElapsedMs())

	p.AppendOutbound(make([]byte, rtpFrameBytes))
	p.NextOutboundFrame()
	assert.Equal(t, int64(20), p.TxElapsedMs())
}

func TestInboundQueueIsFIFO(t *testing.T) {
	p := NewAudioPort()
	p.PushInbound([]byte{1})
	p.PushInbound([]byte{2})

	frame, ok := p.PopInbound()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, frame)

	frame, ok = p.PopInbound()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, frame)

	_, ok = p.PopInbound()
	assert.False(t, ok)
}
