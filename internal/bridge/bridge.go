// Package bridge wires the tap device, the WebSocket hub and the
// auxiliary services (DHCP, netfilter) into a single supervised process.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/tapbridge/tapbridge/internal/clock"
	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/dhcp"
	"github.com/tapbridge/tapbridge/internal/logging"
	"github.com/tapbridge/tapbridge/internal/netfilter"
	"github.com/tapbridge/tapbridge/internal/services"
	"github.com/tapbridge/tapbridge/internal/tapdevice"
	"github.com/tapbridge/tapbridge/internal/wsbridge"
)

const tapReadBufSize = 65536

// Supervisor owns the tap device, the WebSocket hub, and every auxiliary
// service, and starts/stops them in a fixed order: tap (opened and
// brought up by New), hub, then auxiliary services on the way up; on the
// way down the tap is closed first to end its read loop, then auxiliary
// services stop in reverse order, then the hub.
type Supervisor struct {
	log *logging.Logger
	cfg *config.Config

	tap *tapdevice.Device
	hub *wsbridge.Hub
	aux []services.Service

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires a Supervisor from cfg without starting anything.
func New(cfg *config.Config, log *logging.Logger) (*Supervisor, error) {
	s := &Supervisor{log: log.WithComponent("bridge"), cfg: cfg}

	tap, err := tapdevice.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("bridge: open tap device: %w", err)
	}
	s.tap = tap

	s.hub = wsbridge.New(func(frame []byte) {
		if _, err := s.tap.Write(frame); err != nil {
			s.log.Debug("dropping frame, tap write failed", "err", err)
		}
	}, log)

	if cfg.DHCP.Enabled {
		dhcpSrv, err := dhcp.NewServer(cfg, clock.RealClock{}, log)
		if err != nil {
			return nil, fmt.Errorf("bridge: create dhcp server: %w", err)
		}
		s.aux = append(s.aux, dhcpSrv)
	}

	s.aux = append(s.aux, netfilter.New(cfg, log))

	return s, nil
}

// Start starts the WebSocket listener, then every auxiliary service, and
// last the tap device's read loop that hands frames to the hub. If any
// auxiliary service fails to start, the services already started and the
// hub are stopped before the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.hub.Start(s.cfg); err != nil {
		cancel()
		return fmt.Errorf("bridge: start hub: %w", err)
	}

	started := make([]services.Service, 0, len(s.aux))
	for _, svc := range s.aux {
		if err := svc.Start(runCtx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop(context.Background())
			}
			s.hub.Stop()
			cancel()
			return fmt.Errorf("bridge: start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}

	s.wg.Add(1)
	go s.tapReadLoop(runCtx)

	s.started = true
	s.log.Info("bridge started")
	return nil
}

func (s *Supervisor) tapReadLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, tapReadBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.tap.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("tap read failed", "err", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.hub.Broadcast(frame)
	}
}

// Stop closes the tap device and waits for its read loop to exit, then
// stops auxiliary services in reverse start order, then the hub. It is
// safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.cancel()
	s.tap.Close()
	s.wg.Wait()

	for i := len(s.aux) - 1; i >= 0; i-- {
		if err := s.aux[i].Stop(ctx); err != nil {
			s.log.Warn("stop service failed", "service", s.aux[i].Name(), "err", err)
		}
	}

	if err := s.hub.Stop(); err != nil {
		s.log.Warn("stop hub failed", "err", err)
	}

	s.log.Info("bridge stopped")
	return nil
}
