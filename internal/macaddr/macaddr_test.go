package macaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	s := Format(raw)
	assert.Equal(t, "de:ad:be:ef:00:01", s)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, raw, back[:])
}

func TestFormatPanicsOnWrongLength(t *testing.T) {
	assert.Panics(t, func() { Format([]byte{1, 2, 3}) })
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"de:ad:be:ef:00",
		"deadbeef0001",
		"de:ad:be:ef:00:zz",
		"de-ad-be-ef-00-01",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Errorf(t, err, "expected error for %q", c)
	}
}

func TestIsBroadcast(t *testing.T) {
	assert.True(t, IsBroadcast("ff:ff:ff:ff:ff:ff"))
	assert.False(t, IsBroadcast("ff:ff:ff:ff:ff:fe"))
}

func TestHasMulticastPrefix(t *testing.T) {
	assert.True(t, HasMulticastPrefix("33:33:00:00:00:01"))
	assert.True(t, HasMulticastPrefix("01:00:5e:00:00:01"))
	assert.True(t, HasMulticastPrefix("00:52:02:aa:bb:cc"))
	assert.False(t, HasMulticastPrefix("02:42:ac:11:00:02"))
}

func TestMustBeFlooded(t *testing.T) {
	assert.True(t, MustBeFlooded(Broadcast))
	assert.True(t, MustBeFlooded("33:33:00:00:00:01"))
	assert.False(t, MustBeFlooded("02:42:ac:11:00:02"))
}
