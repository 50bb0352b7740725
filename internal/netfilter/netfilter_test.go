package netfilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
)

func TestManagerNoOpWithoutPublicInterface(t *testing.T) {
	cfg := &config.Config{InterfaceName: "tapx"}
	m := New(cfg, logging.Default())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Status().Running)
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.Status().Running)
}

func TestIfnameBytesPadsAndTruncates(t *testing.T) {
	b := ifnameBytes("eth0")
	assert.Len(t, b, 16)
	assert.Equal(t, "eth0", string(b[:4]))
	assert.Equal(t, byte(0), b[4])

	long := ifnameBytes("abcdefghijklmnopqrst")
	assert.Len(t, long, 16)
	assert.Equal(t, "abcdefghijklmnop", string(long))
}

func TestStateMaskCombinesEstablishedAndRelated(t *testing.T) {
	mask := stateMask()
	assert.Len(t, mask, 4)
	assert.NotZero(t, mask[0]|mask[1]|mask[2]|mask[3])
}
