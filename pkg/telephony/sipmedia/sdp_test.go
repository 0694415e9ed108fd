package sipmedia

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOffer = "v=0\r\n" +
	"o=- 1234 1 IN IP4 203.0.113.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

func TestParseOfferPrefersPCMU(t *testing.T) {
	offer, err := parseOffer([]byte(sampleOffer))
	require.NoError(t, err)
	assert.Equal(t, payloadTypePCMU, offer.Codec)
	assert.Equal(t, "203.0.113.10", offer.RemoteAddr.IP.String())
	assert.Equal(t, 40000, offer.RemoteAddr.Port)
}

func TestParseOfferFallsBackToPCMA(t *testing.T) {
	withoutPCMU := "v=0\r\n" +
		"o=- 1234 1 IN IP4 203.0.113.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 203.0.113.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 40000 RTP/AVP 8 101\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n"

	offer, err := parseOffer([]byte(withoutPCMU))
	require.NoError(t, err)
	assert.Equal(t, payloadTypePCMA, offer.Codec)
}

func TestParseOfferRejectsUnsupportedCodecsOnly(t *testing.T) {
	g722Only := "v=0\r\n" +
		"o=- 1234 1 IN IP4 203.0.113.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 203.0.113.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 40000 RTP/AVP 9\r\n" +
		"a=rtpmap:9 G722/8000\r\n"

	_, err := parseOffer([]byte(g722Only))
	assert.Error(t, err)
}

func TestParseOfferUsesMediaLevelConnectionOverSession(t *testing.T) {
	mediaLevelConn := "v=0\r\n" +
		"o=- 1234 1 IN IP4 203.0.113.10\r\n" +
		"s=-\r\n" +
		"c=IN IP4 203.0.113.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 40000 RTP/AVP 0\r\n" +
		"c=IN IP4 198.51.100.5\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	offer, err := parseOffer([]byte(mediaLevelConn))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.5", offer.RemoteAddr.IP.String())
}

func TestBuildAnswerRoundTrips(t *testing.T) {
	body, err := buildAnswer("192.0.2.1", 25000, payloadTypePCMU)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, "m=audio 25000 RTP/AVP 0"))
	assert.True(t, strings.Contains(out, "c=IN IP4 192.0.2.1"))
	assert.True(t, strings.Contains(out, "a=rtpmap:0 PCMU/8000"))
	assert.True(t, strings.Contains(out, "a=ptime:20"))
}

func TestBuildAnswerUsesPCMAWhenNegotiated(t *testing.T) {
	body, err := buildAnswer("192.0.2.1", 25000, payloadTypePCMA)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "a=rtpmap:8 PCMA/8000"))
}

func TestPickCodecPrefersPCMUEvenWhenListedSecond(t *testing.T) {
	codec, ok := pickCodec([]string{"8", "0"})
	require.True(t, ok)
	assert.Equal(t, payloadTypePCMU, codec)
}

func TestPickCodecNoMatch(t *testing.T) {
	_, ok := pickCodec([]string{"9", "101"})
	assert.False(t, ok)
}
