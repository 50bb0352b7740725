// Package dhcp implements a minimal DHCPv4 server that leases addresses
// out of a single CIDR range to peers learned on the bridge's tap
// interface.
package dhcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"github.com/tapbridge/tapbridge/internal/clock"
	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
	"github.com/tapbridge/tapbridge/internal/services"
)

const sweepInterval = 60 * time.Second

// Server is a DHCPv4 server bound to a single interface.
type Server struct {
	log *logging.Logger
	clk clock.Clock

	ifaceName  string
	serverIP   net.IP
	netmask    net.IPMask
	dnsServers []net.IP
	leaseTime  int32

	db   *LeaseDatabase
	pool *Pool

	mu      sync.Mutex
	conn    net.PacketConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewServer creates a DHCP server that will allocate addresses from
// cfg's interface CIDR range, reserving the interface's own address and
// every configured DNS server address.
func NewServer(cfg *config.Config, clk clock.Clock, log *logging.Logger) (*Server, error) {
	log = log.WithComponent("dhcp")

	serverIP := net.ParseIP(cfg.InterfaceIP)
	if serverIP == nil {
		return nil, fmt.Errorf("dhcp: invalid interface IP %q", cfg.InterfaceIP)
	}
	ipNet := &net.IPNet{
		IP:   serverIP,
		Mask: net.CIDRMask(cfg.InterfaceSubnet, 32),
	}

	dns := make([]net.IP, 0, len(cfg.DHCP.DNSServers))
	reserved := []string{serverIP.String()}
	for _, s := range cfg.DHCP.DNSServers {
		dns = append(dns, net.ParseIP(s))
		reserved = append(reserved, s)
	}

	db := NewLeaseDatabase(clk, log)
	pool := NewPool(ipNet, db, reserved...)

	return &Server{
		log:        log,
		clk:        clk,
		ifaceName:  cfg.InterfaceName,
		serverIP:   serverIP.To4(),
		netmask:    ipNet.Mask,
		dnsServers: dns,
		leaseTime:  cfg.DHCP.LeaseTime,
		db:         db,
		pool:       pool,
	}, nil
}

// Name implements services.Service.
func (s *Server) Name() string { return "dhcp" }

// Reload implements services.Service. The DHCP server has no hot-reloadable
// settings; any config change requires a restart.
func (s *Server) Reload(cfg *config.Config) (bool, error) {
	return true, nil
}

// Status implements services.Service.
func (s *Server) Status() services.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return services.Status{Name: "dhcp", Running: s.running}
}

// Start binds a UDP socket on port 67, scoped to the server's interface,
// and begins serving DHCP requests and sweeping expired leases.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := server4.NewIPv4UDPConn(s.ifaceName, &net.UDPAddr{Port: 67})
	if err != nil {
		return fmt.Errorf("dhcp: bind udp/67 on %s: %w", s.ifaceName, err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.serveLoop(runCtx)
	go s.sweepLoop(runCtx)

	s.running = true
	s.log.Info("dhcp server started", "iface", s.ifaceName, "server_ip", s.serverIP.String())
	return nil
}

// Stop closes the socket and waits for both background goroutines to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log.Info("dhcp server stopped")
	return nil
}

func (s *Server) serveLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("read failed", "err", err)
			continue
		}

		req, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			s.log.Debug("malformed packet", "err", err)
			continue
		}

		s.dispatch(req)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.db.Sweep()
		}
	}
}

func (s *Server) dispatch(req *dhcpv4.DHCPv4) {
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		s.handleDiscover(req)
	case dhcpv4.MessageTypeRequest:
		s.handleRequest(req)
	case dhcpv4.MessageTypeRelease:
		s.handleRelease(req)
	case dhcpv4.MessageTypeDecline:
		s.handleDecline(req)
	default:
		s.log.Debug("ignoring message type", "type", req.MessageType())
	}
}

func (s *Server) handleDiscover(req *dhcpv4.DHCPv4) {
	mac := clientMAC(req)

	ip := ""
	if existing, ok := s.db.Get(mac); ok {
		ip = existing.IP
	} else {
		available, err := s.pool.GetAvailableIP()
		if err != nil {
			s.log.Warn("no address available for discover", "mac", mac, "err", err)
			return
		}
		ip = available
	}

	reply, err := buildOffer(req, s.offerParams(net.ParseIP(ip)))
	if err != nil {
		s.log.Error("build offer failed", "mac", mac, "err", err)
		return
	}
	s.reply(reply)
	s.log.Info("offered lease", "mac", mac, "ip", ip)
}

// handleRequest implements send_response: validate the server identifier,
// resolve the client-claimed address, renew or create the lease, and ACK.
func (s *Server) handleRequest(req *dhcpv4.DHCPv4) {
	if !serverIdentifierMatches(req, s.serverIP) {
		s.log.Debug("request addressed to another server, ignoring", "mac", clientMAC(req))
		return
	}
	s.sendResponse(req)
}

// sendResponse is the REQUEST handler body from spec.md §4.6, factored
// out so handleDecline can re-drive it after clearing the declined
// lease, answering the client in the same exchange rather than waiting
// for a new DISCOVER.
func (s *Server) sendResponse(req *dhcpv4.DHCPv4) {
	mac := clientMAC(req)

	wantIP := requestedIP(req)
	if wantIP == nil {
		wantIP = req.ClientIPAddr
	}
	if wantIP == nil || wantIP.IsUnspecified() {
		s.nak(req, "no requested address")
		return
	}

	if existing, ok := s.db.Get(mac); ok {
		if existing.IP != wantIP.String() {
			s.nak(req, "requested address does not match existing lease")
			return
		}
		s.db.Renew(mac, s.clk.Now(), s.leaseTime)
	} else {
		if !s.db.IsIPAvailable(wantIP.String()) {
			s.nak(req, "requested address unavailable")
			return
		}
		if err := s.db.Add(newLease(s.clk, mac, wantIP.String(), s.leaseTime)); err != nil {
			s.nak(req, err.Error())
			return
		}
	}

	reply, err := buildAck(req, s.offerParams(wantIP))
	if err != nil {
		s.log.Error("build ack failed", "mac", mac, "err", err)
		return
	}
	s.reply(reply)
	s.log.Info("acked lease", "mac", mac, "ip", wantIP.String())
}

func (s *Server) handleRelease(req *dhcpv4.DHCPv4) {
	mac := clientMAC(req)
	s.db.Remove(mac)
	s.log.Info("released lease", "mac", mac)
}

// handleDecline treats the message as a client-detected address
// collision (spec.md §4.6): validate the server identifier, remove the
// MAC's existing lease only if its IP matches the declined ciaddr, then
// re-drive send_response in the same exchange rather than waiting for a
// new DISCOVER. send_response answers for the address the message names
// (option 50, else ciaddr), so a declined address that is free again is
// granted anew.
func (s *Server) handleDecline(req *dhcpv4.DHCPv4) {
	mac := clientMAC(req)

	if !serverIdentifierMatches(req, s.serverIP) {
		s.log.Debug("decline addressed to another server, ignoring", "mac", mac)
		return
	}

	if existing, ok := s.db.Get(mac); ok {
		ciaddr := req.ClientIPAddr
		if ciaddr != nil && existing.IP == ciaddr.String() {
			s.db.Remove(mac)
			s.log.Warn("lease declined by client", "mac", mac, "ip", existing.IP)
		}
	}

	s.sendResponse(req)
}

func (s *Server) nak(req *dhcpv4.DHCPv4, reason string) {
	reply, err := buildNak(req, s.serverIP, reason)
	if err != nil {
		s.log.Error("build nak failed", "mac", clientMAC(req), "err", err)
		return
	}
	s.reply(reply)
	s.log.Info("nak", "mac", clientMAC(req), "reason", reason)
}

func (s *Server) offerParams(yourIP net.IP) offerParams {
	return offerParams{
		serverIP:   s.serverIP,
		yourIP:     yourIP,
		netmask:    s.netmask,
		router:     s.serverIP,
		dnsServers: s.dnsServers,
		leaseTime:  s.leaseTime,
	}
}

func (s *Server) reply(reply *dhcpv4.DHCPv4) {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	if _, err := s.conn.WriteTo(reply.ToBytes(), dst); err != nil {
		s.log.Warn("write reply failed", "err", err)
	}
}
