package dhcp

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapbridge/tapbridge/internal/clock"
	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
)

// fakePacketConn is a net.PacketConn double that records every write;
// every read fails with net.ErrClosed.
type fakePacketConn struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}
func (f *fakePacketConn) Close() error                       { return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                 { return &net.UDPAddr{} }
func (f *fakePacketConn) SetDeadline(t time.Time) error       { return nil }
func (f *fakePacketConn) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakePacketConn) SetWriteDeadline(t time.Time) error  { return nil }

func (f *fakePacketConn) replies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func newTestServer(t *testing.T) (*Server, *fakePacketConn, *clock.MockClock) {
	t.Helper()

	clk := clock.NewMockClock(time.Unix(0, 0))
	log := logging.Default()

	_, ipNet, err := net.ParseCIDR("10.11.12.0/24")
	require.NoError(t, err)

	serverIP := net.ParseIP("10.11.12.254")
	db := NewLeaseDatabase(clk, log)
	pool := NewPool(ipNet, db, serverIP.String())

	conn := &fakePacketConn{}

	s := &Server{
		log:        log,
		clk:        clk,
		ifaceName:  "tapx",
		serverIP:   serverIP.To4(),
		netmask:    ipNet.Mask,
		dnsServers: []net.IP{net.ParseIP("1.1.1.1")},
		leaseTime:  3600,
		db:         db,
		pool:       pool,
		conn:       conn,
	}
	return s, conn, clk
}

func discoverFrom(t *testing.T, mac string) *dhcpv4.DHCPv4 {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	req, err := dhcpv4.New(dhcpv4.WithHwAddr(hw), dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover))
	require.NoError(t, err)
	return req
}

func requestFrom(t *testing.T, mac, requestedIP string) *dhcpv4.DHCPv4 {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	req, err := dhcpv4.New(
		dhcpv4.WithHwAddr(hw),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP(requestedIP))),
	)
	require.NoError(t, err)
	return req
}

func TestNewServerReservesDNSServersInPool(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	log := logging.Default()

	cfg := &config.Config{
		InterfaceName:   "tapx",
		InterfaceIP:     "10.11.12.1",
		InterfaceSubnet: 29, // hosts .1-.6; .1 is the server, leaving .2-.6
		DHCP: config.DHCPConfig{
			LeaseTime:  3600,
			DNSServers: []string{"10.11.12.2", "10.11.12.3"},
		},
	}

	s, err := NewServer(cfg, clk, log)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ip, err := s.pool.GetAvailableIP()
		require.NoError(t, err)
		assert.NotEqual(t, "10.11.12.2", ip)
		assert.NotEqual(t, "10.11.12.3", ip)
		require.NoError(t, s.db.Add(newLease(clk, fmt.Sprintf("aa:bb:cc:dd:ee:%02d", i), ip, 3600)))
	}
}

func TestHandleDiscoverOffersFirstAvailableAddress(t *testing.T) {
	s, conn, _ := newTestServer(t)

	s.handleDiscover(discoverFrom(t, "aa:bb:cc:dd:ee:01"))

	replies := conn.replies()
	require.Len(t, replies, 1)

	reply, err := dhcpv4.FromBytes(replies[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeOffer, reply.MessageType())
	assert.Equal(t, "10.11.12.1", reply.YourIPAddr.String())
}

func TestHandleRequestGrantsAndPersistsLease(t *testing.T) {
	s, conn, _ := newTestServer(t)

	s.handleRequest(requestFrom(t, "aa:bb:cc:dd:ee:01", "10.11.12.1"))

	replies := conn.replies()
	require.Len(t, replies, 1)
	reply, err := dhcpv4.FromBytes(replies[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())

	lease, ok := s.db.Get("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, "10.11.12.1", lease.IP)
}

func TestHandleRequestNaksUnavailableAddress(t *testing.T) {
	s, conn, clk := newTestServer(t)
	require.NoError(t, s.db.Add(newLease(clk, "11:22:33:44:55:66", "10.11.12.1", 3600)))

	s.handleRequest(requestFrom(t, "aa:bb:cc:dd:ee:01", "10.11.12.1"))

	replies := conn.replies()
	require.Len(t, replies, 1)
	reply, err := dhcpv4.FromBytes(replies[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeNak, reply.MessageType())
}

func TestHandleReleaseRemovesLease(t *testing.T) {
	s, _, clk := newTestServer(t)
	require.NoError(t, s.db.Add(newLease(clk, "aa:bb:cc:dd:ee:01", "10.11.12.1", 3600)))

	release, err := dhcpv4.New(
		dhcpv4.WithHwAddr(mustParseMAC(t, "aa:bb:cc:dd:ee:01")),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
	)
	require.NoError(t, err)

	s.handleRelease(release)

	_, ok := s.db.Get("aa:bb:cc:dd:ee:01")
	assert.False(t, ok)
}

func declineFrom(t *testing.T, mac, ciaddr string, serverID net.IP) *dhcpv4.DHCPv4 {
	t.Helper()
	opts := []dhcpv4.Modifier{
		dhcpv4.WithHwAddr(mustParseMAC(t, mac)),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDecline),
	}
	if serverID != nil {
		opts = append(opts, dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverID)))
	}
	decline, err := dhcpv4.New(opts...)
	require.NoError(t, err)
	decline.ClientIPAddr = net.ParseIP(ciaddr)
	return decline
}

func TestHandleDeclineRemovesMatchingLeaseAndReacquiresSameAddress(t *testing.T) {
	s, conn, clk := newTestServer(t)
	require.NoError(t, s.db.Add(newLease(clk, "aa:bb:cc:dd:ee:01", "10.11.12.1", 3600)))

	s.handleDecline(declineFrom(t, "aa:bb:cc:dd:ee:01", "10.11.12.1", nil))

	lease, ok := s.db.Get("aa:bb:cc:dd:ee:01")
	require.True(t, ok, "send_response should re-drive and grant a fresh lease")
	assert.Equal(t, "10.11.12.1", lease.IP)

	replies := conn.replies()
	require.Len(t, replies, 1)
	reply, err := dhcpv4.FromBytes(replies[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())
	assert.Equal(t, "10.11.12.1", reply.YourIPAddr.String())
}

func TestHandleDeclineIgnoresCiaddrMismatchButStillReDrives(t *testing.T) {
	s, conn, clk := newTestServer(t)
	require.NoError(t, s.db.Add(newLease(clk, "aa:bb:cc:dd:ee:01", "10.11.12.1", 3600)))

	s.handleDecline(declineFrom(t, "aa:bb:cc:dd:ee:01", "10.11.12.99", nil))

	lease, ok := s.db.Get("aa:bb:cc:dd:ee:01")
	require.True(t, ok, "lease must not be removed when ciaddr does not match it")
	assert.Equal(t, "10.11.12.1", lease.IP)

	replies := conn.replies()
	require.Len(t, replies, 1)
	reply, err := dhcpv4.FromBytes(replies[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeNak, reply.MessageType())
}

func TestHandleDeclineAddressedToAnotherServerIgnored(t *testing.T) {
	s, conn, clk := newTestServer(t)
	require.NoError(t, s.db.Add(newLease(clk, "aa:bb:cc:dd:ee:01", "10.11.12.1", 3600)))

	otherServer := net.ParseIP("10.0.0.9")
	s.handleDecline(declineFrom(t, "aa:bb:cc:dd:ee:01", "10.11.12.1", otherServer))

	lease, ok := s.db.Get("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, "10.11.12.1", lease.IP)
	assert.Empty(t, conn.replies())
}

func mustParseMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}
