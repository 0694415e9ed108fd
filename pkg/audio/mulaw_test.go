package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLengthInvariants(t *testing.T) {
	pcm := make([]byte, 320) // 160 samples, 20ms @ 8kHz 16-bit
	for i := range pcm {
		pcm[i] = byte(i)
	}

	enc := EncodePCM16ToMuLaw(pcm)
	assert.Equal(t, len(pcm)/2, len(enc))

	dec := DecodeMuLawToPCM16(enc)
	assert.Equal(t, len(enc)*2, len(dec))
}

func TestSilenceRoundtripStaysInDeadZone(t *testing.T) {
	silence := make([]byte, 320)
	enc := EncodePCM16ToMuLaw(silence)
	dec := DecodeMuLawToPCM16(enc)

	for i := 0; i < len(dec); i += 2 {
		sample := int16(dec[i]) | int16(dec[i+1])<<8
		assert.LessOrEqual(t, abs16(sample), int16(33))
	}
}

func TestRoundtripWithinQuantization(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 16000, -16000, 32000, -32000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}

	enc := EncodePCM16ToMuLaw(pcm)
	dec := DecodeMuLawToPCM16(enc)

	for i, want := range samples {
		got := int16(dec[i*2]) | int16(dec[i*2+1])<<8
		diff := abs16(want - got)
		// µ-law is a lossy companding codec; large segments have coarse
		// quantization steps, so tolerate a generous relative error.
		tolerance := abs16(want)/8 + 40
		assert.LessOrEqualf(t, diff, tolerance, "sample %d: want %d got %d", i, want, got)
	}
}

func TestEmptyInput(t *testing.T) {
	assert.Nil(t, EncodePCM16ToMuLaw(nil))
	assert.Nil(t, DecodeMuLawToPCM16(nil))
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
