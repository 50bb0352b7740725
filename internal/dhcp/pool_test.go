package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapbridge/tapbridge/internal/clock"
	"github.com/tapbridge/tapbridge/internal/logging"
)

func testPool(t *testing.T, cidr string, reserved ...string) (*Pool, *LeaseDatabase) {
	t.Helper()
	_, ipNet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Unix(0, 0))
	db := NewLeaseDatabase(clk, logging.Default())
	return NewPool(ipNet, db, reserved...), db
}

func TestPoolSkipsNetworkAndBroadcastAndReserved(t *testing.T) {
	pool, _ := testPool(t, "10.11.12.0/30", "10.11.12.1")

	// /30 gives exactly 2 usable host addresses: .1 and .2; .1 is reserved
	ip, err := pool.GetAvailableIP()
	require.NoError(t, err)
	assert.Equal(t, "10.11.12.2", ip)
}

func TestPoolSkipsLeasedAddresses(t *testing.T) {
	pool, db := testPool(t, "10.11.12.0/29")

	clk := clock.NewMockClock(time.Unix(0, 0))
	require.NoError(t, db.Add(newLease(clk, "aa:bb:cc:dd:ee:ff", "10.11.12.1", 3600)))

	ip, err := pool.GetAvailableIP()
	require.NoError(t, err)
	assert.Equal(t, "10.11.12.2", ip)
}

func TestPoolExhausted(t *testing.T) {
	pool, db := testPool(t, "10.11.12.0/30")

	clk := clock.NewMockClock(time.Unix(0, 0))
	require.NoError(t, db.Add(newLease(clk, "aa:bb:cc:dd:ee:01", "10.11.12.1", 3600)))
	require.NoError(t, db.Add(newLease(clk, "aa:bb:cc:dd:ee:02", "10.11.12.2", 3600)))

	_, err := pool.GetAvailableIP()
	assert.ErrorIs(t, err, ErrAddressPoolExhausted)
}
