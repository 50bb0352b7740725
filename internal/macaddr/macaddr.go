// Package macaddr formats and parses the canonical lowercase colon-hex
// representation of a 6-byte Ethernet hardware address, and classifies
// addresses the L2 forwarding core treats specially (broadcast, the
// multicast prefixes that must always be flooded to every peer).
package macaddr

import (
	"encoding/hex"
	"fmt"
)

// Broadcast is the reserved all-ones MAC address.
const Broadcast = "ff:ff:ff:ff:ff:ff"

// multicastPrefixes is the fixed set of destination-MAC prefixes that are
// forwarded to every peer even when no peer has claimed that address.
//
// refs: https://www.iana.org/assignments/ethernet-numbers/ethernet-numbers.xhtml
var multicastPrefixes = []string{
	"33:33:",
	"01:00:5e:",
	"00:52:02:",
}

// Format renders b as six lowercase hex pairs joined by ':'. It panics if
// b is not exactly 6 bytes, since every call site in this module already
// guarantees frame length before slicing out a MAC.
func Format(b []byte) string {
	if len(b) != 6 {
		panic(fmt.Sprintf("macaddr: Format requires 6 bytes, got %d", len(b)))
	}
	dst := make([]byte, 0, 17)
	for i, by := range b {
		if i > 0 {
			dst = append(dst, ':')
		}
		dst = append(dst, hex.EncodeToString([]byte{by})...)
	}
	return string(dst)
}

// Parse converts a canonical "xx:xx:xx:xx:xx:xx" string back into 6 raw
// bytes. It accepts the format Format produces; hex digits may also be
// upper case.
func Parse(s string) ([6]byte, error) {
	var out [6]byte
	if len(s) != 17 {
		return out, fmt.Errorf("macaddr: invalid length for %q", s)
	}
	for i := 0; i < 6; i++ {
		start := i * 3
		if i < 5 && s[start+2] != ':' {
			return out, fmt.Errorf("macaddr: malformed separator in %q", s)
		}
		b, err := hex.DecodeString(s[start : start+2])
		if err != nil {
			return out, fmt.Errorf("macaddr: malformed octet in %q: %w", s, err)
		}
		out[i] = b[0]
	}
	return out, nil
}

// IsBroadcast reports whether s is the broadcast MAC.
func IsBroadcast(s string) bool {
	return s == Broadcast
}

// HasMulticastPrefix reports whether s begins with one of the well-known
// multicast prefixes that must always be flooded.
func HasMulticastPrefix(s string) bool {
	for _, prefix := range multicastPrefixes {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// MustBeFlooded reports whether dst must be delivered to every peer
// regardless of learned-MAC ownership: the broadcast address or one of
// the multicast prefixes.
func MustBeFlooded(dst string) bool {
	return IsBroadcast(dst) || HasMulticastPrefix(dst)
}
