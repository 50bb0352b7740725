// Package tapdevice opens and configures the host-side tap interface that
// carries Ethernet frames between the kernel network stack and the
// WebSocket bridge.
package tapdevice

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
)

// ErrPrivilegeRequired is returned by Open when the process lacks the
// capability (CAP_NET_ADMIN, typically root) needed to create a tap
// device or configure its addresses.
var ErrPrivilegeRequired = errors.New("tapdevice: operation requires elevated privileges (CAP_NET_ADMIN)")

// Device wraps a tap interface with the IP/MTU configuration the bridge
// needs applied before frames start flowing.
type Device struct {
	log  *logging.Logger
	name string

	mu     sync.Mutex
	iface  *water.Interface
	closed bool
}

// Open creates (or attaches to) the tap interface named cfg.InterfaceName,
// assigns cfg.InterfaceIP/cfg.InterfaceSubnet to it, sets its MTU, and
// brings the link up. The returned Device is ready for Read/Write.
func Open(cfg *config.Config, log *logging.Logger) (*Device, error) {
	log = log.WithComponent("tapdevice")

	wcfg := water.Config{DeviceType: water.TAP}
	wcfg.Name = cfg.InterfaceName

	iface, err := water.New(wcfg)
	if err != nil {
		if isPrivilegeErr(err) {
			return nil, fmt.Errorf("%w: opening tap device %q: %v", ErrPrivilegeRequired, cfg.InterfaceName, err)
		}
		return nil, fmt.Errorf("tapdevice: open %q: %w", cfg.InterfaceName, err)
	}

	d := &Device{log: log, name: iface.Name(), iface: iface}

	if err := d.configure(cfg); err != nil {
		iface.Close()
		return nil, err
	}

	log.Info("tap device ready", "name", d.name, "ip", cfg.InterfaceIP, "subnet", cfg.InterfaceSubnet, "mtu", cfg.InterfaceMTU)
	return d, nil
}

func (d *Device) configure(cfg *config.Config) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tapdevice: lookup link %q: %w", d.name, err)
	}

	addr := &net.IPNet{
		IP:   net.ParseIP(cfg.InterfaceIP),
		Mask: net.CIDRMask(cfg.InterfaceSubnet, 32),
	}
	if addr.IP == nil {
		return fmt.Errorf("tapdevice: invalid interface address %q", cfg.InterfaceIP)
	}

	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			if isPrivilegeErr(err) {
				return fmt.Errorf("%w: assigning address to %q: %v", ErrPrivilegeRequired, d.name, err)
			}
			return fmt.Errorf("tapdevice: assign address to %q: %w", d.name, err)
		}
	}

	if err := netlink.LinkSetMTU(link, cfg.InterfaceMTU); err != nil {
		return fmt.Errorf("tapdevice: set MTU on %q: %w", d.name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		if isPrivilegeErr(err) {
			return fmt.Errorf("%w: bringing up %q: %v", ErrPrivilegeRequired, d.name, err)
		}
		return fmt.Errorf("tapdevice: bring up %q: %w", d.name, err)
	}

	return nil
}

// Name returns the interface name the kernel assigned (usually identical
// to the requested name).
func (d *Device) Name() string { return d.name }

// Read reads a single Ethernet frame from the tap device into buf,
// returning the number of bytes read.
func (d *Device) Read(buf []byte) (int, error) {
	return d.iface.Read(buf)
}

// Write sends a single Ethernet frame out the tap device. Callers that
// treat a write failure as fatal for a single frame should log and
// continue rather than tearing down the device.
func (d *Device) Write(frame []byte) (int, error) {
	return d.iface.Write(frame)
}

// Close closes the tap device. It is safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.iface.Close()
}

func isPrivilegeErr(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
