// Package wsbridge exposes the tap device's Ethernet frames over a
// WebSocket endpoint: each connected peer receives every frame destined
// for its learned MAC address plus broadcast and multicast traffic, and
// sends frames back the same way.
package wsbridge

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
	"github.com/tapbridge/tapbridge/internal/macaddr"
)

// minFrameLen is the shortest slice wsbridge will treat as an Ethernet
// frame: 6 bytes destination MAC + 6 bytes source MAC.
const minFrameLen = 12

// sendBufSize is the per-connection outbound queue depth. A peer that
// falls this far behind has incoming frames dropped rather than
// stalling fan-out to every other peer.
const sendBufSize = 256

// FrameHandler is invoked for every frame a peer sends, so the bridge
// supervisor can forward it to the tap device.
type FrameHandler func(frame []byte)

// Connection is a single peer's WebSocket session. Outbound frames are
// queued on send and written by a single writePump goroutine per
// connection, so frames reach the wire in the order Broadcast queued
// them and gorilla/websocket never sees concurrent writers on one conn.
type Connection struct {
	conn *websocket.Conn
	log  *logging.Logger
	send chan []byte

	mu  sync.Mutex
	mac string // learned source MAC, "" until the first frame arrives
}

func (c *Connection) setMAC(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mac = mac
}

// MAC returns the peer's learned source MAC address, or "" if no frame
// has been received from it yet.
func (c *Connection) MAC() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mac
}

// enqueue queues frame for delivery. If the peer's send buffer is full
// the frame is dropped rather than blocking the caller, since a single
// slow peer must never stall fan-out to every other peer.
func (c *Connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.log.Debug("dropping frame, send buffer full", "mac", c.MAC())
	}
}

// writePump drains send and writes each frame to the peer in order. It
// is the only goroutine that ever calls conn.WriteMessage for this
// connection. It returns, closing the connection, on the first write
// error or once send is closed.
func (c *Connection) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Debug("dropping frame, write failed", "mac", c.MAC(), "err", err)
			return
		}
	}
}

// Hub accepts WebSocket connections, tracks the connected peers by their
// learned MAC address, and fans out frames to them.
type Hub struct {
	log     *logging.Logger
	onFrame FrameHandler
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[*Connection]struct{}

	srv *http.Server
}

// New creates a Hub. onFrame is invoked for every frame received from any
// peer; it must not block.
func New(onFrame FrameHandler, log *logging.Logger) *Hub {
	return &Hub{
		log:      log.WithComponent("wsbridge"),
		onFrame:  onFrame,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:    make(map[*Connection]struct{}),
	}
}

// Start begins listening for WebSocket connections per cfg.Server. It
// returns once the listener is bound; serving happens in a background
// goroutine.
func (h *Hub) Start(cfg *config.Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wsbridge: listen on %s: %w", addr, err)
	}

	h.srv = &http.Server{Addr: addr, Handler: h}

	if cfg.Server.WithSSL {
		cert, err := tls.LoadX509KeyPair(cfg.Server.SSLCertPath, cfg.Server.SSLKeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("wsbridge: load TLS keypair: %w", err)
		}
		h.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		ln = tls.NewListener(ln, h.srv.TLSConfig)
	}

	h.log.Info("listening", "addr", addr, "tls", cfg.Server.WithSSL)

	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("serve failed", "err", err)
		}
	}()

	return nil
}

// Stop closes the listener and every active connection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	peers := make([]*Connection, 0, len(h.peers))
	for c := range h.peers {
		peers = append(peers, c)
	}
	h.mu.Unlock()

	for _, c := range peers {
		c.conn.Close()
	}

	if h.srv != nil {
		return h.srv.Close()
	}
	return nil
}

// ServeHTTP implements http.Handler, upgrading every request to a
// WebSocket connection and registering it as a peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &Connection{conn: wsConn, log: h.log, send: make(chan []byte, sendBufSize)}

	h.mu.Lock()
	h.peers[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("peer connected", "remote", r.RemoteAddr)

	go c.writePump()
	go h.receiveLoop(c)
}

func (h *Hub) receiveLoop(c *Connection) {
	defer func() {
		h.mu.Lock()
		delete(h.peers, c)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
		h.log.Info("peer disconnected", "mac", c.MAC())
	}()

	for {
		msgType, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(frame) < minFrameLen {
			continue
		}

		if src := macaddr.Format(frame[6:12]); c.MAC() != src {
			c.setMAC(src)
			h.log.Debug("learned peer MAC", "mac", src)
		}

		h.onFrame(frame)
	}
}

// Broadcast delivers frame to every peer that should receive it: the
// frame's destination MAC owner, or every peer when the destination is
// broadcast or one of the reserved multicast prefixes.
//
// The peer set is snapshotted under the lock and released before any
// sends are dispatched, so a slow or dead peer can never block fan-out
// to the rest, or hold the lock while new peers try to register. Each
// peer's own writePump goroutine drains its send channel in FIFO order,
// so frames reach a given peer in the order Broadcast queued them.
func (h *Hub) Broadcast(frame []byte) {
	if len(frame) < minFrameLen {
		return
	}
	dst := macaddr.Format(frame[0:6])
	flood := macaddr.MustBeFlooded(dst)

	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.peers))
	for c := range h.peers {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if flood || c.MAC() == dst {
			c.enqueue(frame)
		}
	}
}

// PeerCount returns the number of currently connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
