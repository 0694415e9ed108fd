package sipmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDigestChallenge(t *testing.T) {
	value := `Digest realm="sip.example.com", nonce="abc123", qop="auth", opaque="xyz"`
	got := parseDigestChallenge(value)

	assert.Equal(t, "sip.example.com", got["realm"])
	assert.Equal(t, "abc123", got["nonce"])
	assert.Equal(t, "auth", got["qop"])
	assert.Equal(t, "xyz", got["opaque"])
}

func TestFirstQopPicksFirstOffered(t *testing.T) {
	assert.Equal(t, "auth", firstQop(`"auth,auth-int"`))
	assert.Equal(t, "auth", firstQop("auth"))
	assert.Equal(t, "", firstQop(""))
}

func TestDigestResponseWithQop(t *testing.T) {
	// RFC 2617 example values: HA1=939e7578ed9e3c518a452acee763bce9,
	// HA2=39aff3a2bab6126f332b942af96d3366, response follows from those.
	got := digestResponse("Mufasa", "testrealm@host.com", "Circle Of Life",
		"GET", "/dir/index.html", "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		"auth", "00000001", "0a4f113b")
	assert.Equal(t, "6629fae49393a05397450978507c4ef1", got)
}

func TestDigestResponseWithoutQop(t *testing.T) {
	got := digestResponse("user", "realm", "pass", "REGISTER", "sip:example.com", "noncevalue", "", "", "")
	assert.NotEmpty(t, got)
	assert.Len(t, got, 32)
}

func TestMD5Hex(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", md5Hex(""))
}
