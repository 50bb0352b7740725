package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrAddressPoolExhausted is returned when no address in the pool's
// range is available to allocate.
var ErrAddressPoolExhausted = errors.New("dhcp: address pool exhausted")

// Pool allocates IPv4 addresses from a CIDR range, skipping a fixed set
// of reserved addresses (the network address, the broadcast address,
// and whatever addresses the caller passes to NewPool).
type Pool struct {
	network  *net.IPNet
	reserved map[string]struct{}
	db       *LeaseDatabase
}

// NewPool creates a Pool over ipNet, reserving the network and broadcast
// addresses plus every address in reserved (the DHCP server passes its
// own interface IP and its DNS server addresses).
func NewPool(ipNet *net.IPNet, db *LeaseDatabase, reserved ...string) *Pool {
	r := make(map[string]struct{}, len(reserved)+2)
	for _, ip := range reserved {
		r[ip] = struct{}{}
	}

	ones, bits := ipNet.Mask.Size()
	network := ipNet.IP.Mask(ipNet.Mask)
	r[network.String()] = struct{}{}
	if bits-ones >= 1 {
		r[broadcastAddr(ipNet).String()] = struct{}{}
	}

	return &Pool{network: ipNet, reserved: r, db: db}
}

// GetAvailableIP scans the pool's range in ascending host-address order
// and returns the first address that is neither reserved nor currently
// leased. It returns ErrAddressPoolExhausted if none remain, and a
// different error for a range with fewer than two host bits (/31, /32).
func (p *Pool) GetAvailableIP() (string, error) {
	ones, bits := p.network.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return "", fmt.Errorf("dhcp: pool %s has no usable host addresses", p.network)
	}

	base := ipToUint32(p.network.IP.Mask(p.network.Mask))
	count := uint32(1) << uint(hostBits)

	for host := uint32(1); host < count-1; host++ {
		candidate := uint32ToIP(base + host)
		ip := candidate.String()
		if _, reserved := p.reserved[ip]; reserved {
			continue
		}
		if p.db.IsIPAvailable(ip) {
			return ip, nil
		}
	}

	return "", ErrAddressPoolExhausted
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func broadcastAddr(ipNet *net.IPNet) net.IP {
	ones, bits := ipNet.Mask.Size()
	base := ipToUint32(ipNet.IP.Mask(ipNet.Mask))
	hostBits := uint(bits - ones)
	mask := uint32(1)<<hostBits - 1
	return uint32ToIP(base | mask)
}
