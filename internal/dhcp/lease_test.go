package dhcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Lease{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", LeasedAt: now, LeaseTime: 3600}

	assert.False(t, l.Expired(now.Add(30*time.Minute)))
	assert.True(t, l.Expired(now.Add(61*time.Minute)))
}

func TestLeaseNeverExpiresWhenInfinite(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Lease{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", LeasedAt: now, LeaseTime: InfiniteLease}

	assert.False(t, l.Expired(now.AddDate(10, 0, 0)))
}

func TestLeaseRenewTimeAndRebindTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Lease{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", LeasedAt: now, LeaseTime: 1000}

	assert.Equal(t, now.Add(500*time.Second), l.RenewTime())
	assert.Equal(t, now.Add(875*time.Second), l.RebindTime())
}

func TestLeaseRenewResetsGrantTimeAndLeaseTime(t *testing.T) {
	l := &Lease{LeasedAt: time.Unix(0, 0), LeaseTime: 3600}
	later := time.Unix(1000, 0)
	l.Renew(later, 7200)
	assert.Equal(t, later, l.LeasedAt)
	assert.Equal(t, int32(7200), l.LeaseTime)
}
