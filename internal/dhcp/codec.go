package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// encodeSignedDuration encodes a lease/renew/rebind time the way the
// original server does: as a raw big-endian 4-byte field whose bit
// pattern is the two's-complement of seconds. InfiniteLease (-1) thus
// encodes as 0xFFFFFFFF, matching RFC 2131's "infinite lease" sentinel,
// without going through dhcpv4's uint32-only time.Duration helpers.
func encodeSignedDuration(seconds int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(seconds))
	return buf
}

func leaseOption(seconds int32) dhcpv4.Option {
	return dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, encodeSignedDuration(seconds))
}

func renewOption(seconds int32) dhcpv4.Option {
	return dhcpv4.OptGeneric(dhcpv4.OptionRenewTimeValue, encodeSignedDuration(seconds))
}

func rebindOption(seconds int32) dhcpv4.Option {
	return dhcpv4.OptGeneric(dhcpv4.OptionRebindingTimeValue, encodeSignedDuration(seconds))
}

// deriveTimes computes T1 (renew) and T2 (rebind) from a lease time in
// seconds, per RFC 2131: T1 = 0.5 * lease, T2 = 0.875 * lease. An
// infinite lease derives infinite T1/T2 too.
func deriveTimes(leaseSeconds int32) (renew, rebind int32) {
	if leaseSeconds == InfiniteLease {
		return InfiniteLease, InfiniteLease
	}
	renew = int32(float64(leaseSeconds) * 0.5)
	rebind = int32(float64(leaseSeconds) * 0.875)
	return renew, rebind
}

// offerParams carries the fields needed to build an Offer or Ack reply.
type offerParams struct {
	serverIP   net.IP
	yourIP     net.IP
	netmask    net.IPMask
	router     net.IP
	dnsServers []net.IP
	leaseTime  int32
}

// buildOffer constructs a DHCPOFFER in reply to req.
func buildOffer(req *dhcpv4.DHCPv4, p offerParams) (*dhcpv4.DHCPv4, error) {
	return buildReply(req, dhcpv4.MessageTypeOffer, p)
}

// buildAck constructs a DHCPACK in reply to req.
func buildAck(req *dhcpv4.DHCPv4, p offerParams) (*dhcpv4.DHCPv4, error) {
	return buildReply(req, dhcpv4.MessageTypeAck, p)
}

func buildReply(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType, p offerParams) (*dhcpv4.DHCPv4, error) {
	renew, rebind := deriveTimes(p.leaseTime)

	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithServerIP(p.serverIP),
		dhcpv4.WithYourIP(p.yourIP),
		dhcpv4.WithNetmask(p.netmask),
		dhcpv4.WithRouter(p.router),
		dhcpv4.WithDNS(p.dnsServers...),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(p.serverIP)),
		dhcpv4.WithOption(leaseOption(p.leaseTime)),
		dhcpv4.WithOption(renewOption(renew)),
		dhcpv4.WithOption(rebindOption(rebind)),
	)
	if err != nil {
		return nil, fmt.Errorf("dhcp: build %s: %w", msgType, err)
	}
	return reply, nil
}

// buildNak constructs a DHCPNAK in reply to req, explaining the refusal
// in the message option.
func buildNak(req *dhcpv4.DHCPv4, serverIP net.IP, reason string) (*dhcpv4.DHCPv4, error) {
	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
		dhcpv4.WithServerIP(serverIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
		dhcpv4.WithOption(dhcpv4.OptMessage(reason)),
	)
	if err != nil {
		return nil, fmt.Errorf("dhcp: build NAK: %w", err)
	}
	return reply, nil
}

// requestedIP returns the client's option 50 (requested IP address), if set.
func requestedIP(req *dhcpv4.DHCPv4) net.IP {
	return req.RequestedIPAddress()
}

// clientMAC returns the canonical colon-hex form of req's hardware address.
func clientMAC(req *dhcpv4.DHCPv4) string {
	return req.ClientHWAddr.String()
}

// serverIdentifierMatches reports whether req's server identifier option
// equals serverIP; a request without the option also matches. Used to
// ignore REQUESTs addressed to a different DHCP server on the same segment.
func serverIdentifierMatches(req *dhcpv4.DHCPv4, serverIP net.IP) bool {
	sid := req.ServerIdentifier()
	if sid == nil {
		return true
	}
	return sid.Equal(serverIP)
}
