package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{"+33611111111", "0033611111111", "0611111111", "611111111"}
	for _, c := range cases {
		once := NormalizeWithTrunkCode(c, "33")
		twice := Normalize(once)
		assert.Equal(t, once, twice, "normalize(normalize(%q))", c)
	}
}

func TestNormalizePassesThroughInternational(t *testing.T) {
	assert.Equal(t, "+33611111111", NormalizeWithTrunkCode("+33611111111", "33"))
}

func TestNormalizeDoubleZeroPrefix(t *testing.T) {
	assert.Equal(t, "+33611111111", NormalizeWithTrunkCode("0033611111111", "33"))
}

func TestNormalizeLeadingZeroLocal(t *testing.T) {
	assert.Equal(t, "+33611111111", NormalizeWithTrunkCode("0611111111", "33"))
}

func TestTrunkCountryCodeThreeDigit(t *testing.T) {
	code, err := TrunkCountryCode("+212522123456")
	assert.NoError(t, err)
	assert.Equal(t, "212", code)
}

func TestTrunkCountryCodeTwoDigit(t *testing.T) {
	code, err := TrunkCountryCode("+33142685300")
	assert.NoError(t, err)
	assert.Equal(t, "33", code)
}
