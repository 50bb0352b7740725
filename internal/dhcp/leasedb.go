package dhcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/tapbridge/tapbridge/internal/clock"
	"github.com/tapbridge/tapbridge/internal/logging"
)

// LeaseDatabase holds the active leases, enforcing:
//
//	I1: at most one lease per MAC address.
//	I2: no two leases share an IP address.
//	I3: expired leases are reaped periodically (see Server's sweep loop).
//	I4: an IP currently leased is never reported available.
type LeaseDatabase struct {
	clk clock.Clock
	log *logging.Logger

	mu       sync.Mutex
	byMAC    map[string]*Lease
	byIP     map[string]*Lease
}

// NewLeaseDatabase creates an empty lease database.
func NewLeaseDatabase(clk clock.Clock, log *logging.Logger) *LeaseDatabase {
	return &LeaseDatabase{
		clk:   clk,
		log:   log.WithComponent("leasedb"),
		byMAC: make(map[string]*Lease),
		byIP:  make(map[string]*Lease),
	}
}

// Get returns the lease for mac, if any.
func (d *LeaseDatabase) Get(mac string) (*Lease, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.byMAC[mac]
	return l, ok
}

// GetByIP returns the lease currently holding ip, if any.
func (d *LeaseDatabase) GetByIP(ip string) (*Lease, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.byIP[ip]
	return l, ok
}

// Add inserts a new lease, enforcing I1 and I2. Replacing an existing
// lease for mac must go through Renew or Remove first.
func (d *LeaseDatabase) Add(l *Lease) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byMAC[l.MAC]; ok {
		return fmt.Errorf("leasedb: MAC %s already holds lease for %s", l.MAC, existing.IP)
	}
	if existing, ok := d.byIP[l.IP]; ok {
		return fmt.Errorf("leasedb: IP %s already leased to %s", l.IP, existing.MAC)
	}

	d.byMAC[l.MAC] = l
	d.byIP[l.IP] = l
	return nil
}

// Remove deletes mac's lease, if present.
func (d *LeaseDatabase) Remove(mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.byMAC[mac]
	if !ok {
		return
	}
	delete(d.byMAC, mac)
	delete(d.byIP, l.IP)
}

// Renew resets mac's lease grant time to now and its lease time to
// leaseTime, keeping its IP unchanged.
func (d *LeaseDatabase) Renew(mac string, now time.Time, leaseTime int32) (*Lease, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.byMAC[mac]
	if !ok {
		return nil, false
	}
	l.Renew(now, leaseTime)
	return l, true
}

// IsIPAvailable reports whether ip is free to allocate: no lease in the
// database holds it (I4). An expired lease still holds its IP until
// Remove, ExpiredLeases or Sweep takes it out.
func (d *LeaseDatabase) IsIPAvailable(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, leased := d.byIP[ip]
	return !leased
}

// ExpiredLeases returns, and removes from the database, every lease
// whose lease time has elapsed as of now (I3). The returned slice is a
// snapshot safe to range over after the call returns.
func (d *LeaseDatabase) ExpiredLeases(now time.Time) []*Lease {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []*Lease
	for mac, l := range d.byMAC {
		if l.Expired(now) {
			expired = append(expired, l)
			delete(d.byMAC, mac)
			delete(d.byIP, l.IP)
		}
	}
	return expired
}

// Len returns the number of active leases.
func (d *LeaseDatabase) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byMAC)
}

// Sweep removes every expired lease and logs each reclamation. It is
// meant to be called periodically by the server's expiry goroutine.
func (d *LeaseDatabase) Sweep() {
	now := d.clk.Now()
	for _, l := range d.ExpiredLeases(now) {
		d.log.Info("lease expired", "mac", l.MAC, "ip", l.IP)
	}
}
