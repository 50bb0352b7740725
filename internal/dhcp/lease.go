package dhcp

import (
	"time"

	"github.com/tapbridge/tapbridge/internal/clock"
)

// InfiniteLease marks a lease that never expires.
const InfiniteLease int32 = -1

// Lease binds a MAC address to an IP address for a bounded (or infinite)
// duration.
type Lease struct {
	MAC       string
	IP        string
	LeasedAt  time.Time
	LeaseTime int32 // seconds; InfiniteLease means never expires
}

// Expired reports whether the lease's lease time has elapsed as of now.
func (l *Lease) Expired(now time.Time) bool {
	if l.LeaseTime == InfiniteLease {
		return false
	}
	return now.After(l.LeasedAt.Add(time.Duration(l.LeaseTime) * time.Second))
}

// RenewTime returns the RFC 2131 T1 instant: lease_time * 0.5 after grant.
func (l *Lease) RenewTime() time.Time {
	if l.LeaseTime == InfiniteLease {
		return l.LeasedAt
	}
	d := time.Duration(float64(l.LeaseTime)*0.5) * time.Second
	return l.LeasedAt.Add(d)
}

// RebindTime returns the RFC 2131 T2 instant: lease_time * 0.875 after grant.
func (l *Lease) RebindTime() time.Time {
	if l.LeaseTime == InfiniteLease {
		return l.LeasedAt
	}
	d := time.Duration(float64(l.LeaseTime)*0.875) * time.Second
	return l.LeasedAt.Add(d)
}

// Renew resets the lease's grant instant to now and its lease time to
// leaseTime (the currently configured value), extending its expiry by a
// full lease period.
func (l *Lease) Renew(now time.Time, leaseTime int32) {
	l.LeasedAt = now
	l.LeaseTime = leaseTime
}

// newLease constructs a Lease granted at clk's current time.
func newLease(clk clock.Clock, mac, ip string, leaseTime int32) *Lease {
	return &Lease{
		MAC:       mac,
		IP:        ip,
		LeasedAt:  clk.Now(),
		LeaseTime: leaseTime,
	}
}
