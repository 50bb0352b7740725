// Package netfilter bootstraps the nftables rules that let peers behind
// the tap interface reach the internet through a public uplink:
// a FORWARD chain accepting the private<->public flow and a POSTROUTING
// chain masquerading private traffic leaving the public interface.
package netfilter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/tapbridge/tapbridge/internal/config"
	"github.com/tapbridge/tapbridge/internal/logging"
	"github.com/tapbridge/tapbridge/internal/services"
)

const (
	tableName   = "tapbridge"
	forwardName = "forward"
	postrtName  = "postrouting"
)

// Manager installs and removes the SNAT bootstrap rules. It is a no-op
// when no public interface is configured.
type Manager struct {
	log *logging.Logger

	privateIface string
	publicIface  string
	enabled      bool

	mu      sync.Mutex
	conn    *nftables.Conn
	table   *nftables.Table
	running bool
}

// New creates a Manager from cfg. NAT is only installed when
// cfg.NATEnabled() is true.
func New(cfg *config.Config, log *logging.Logger) *Manager {
	return &Manager{
		log:          log.WithComponent("netfilter"),
		privateIface: cfg.InterfaceName,
		publicIface:  cfg.PublicInterface,
		enabled:      cfg.NATEnabled(),
	}
}

// Name implements services.Service.
func (m *Manager) Name() string { return "netfilter" }

// Reload implements services.Service; interface names can't change
// without recreating the rules, so a reload always asks for a restart.
func (m *Manager) Reload(cfg *config.Config) (bool, error) {
	return true, nil
}

// Status implements services.Service.
func (m *Manager) Status() services.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return services.Status{Name: "netfilter", Running: m.running}
}

// Start installs the table, chains and rules. It is a no-op if NAT is
// disabled (no PUBLIC_INTERFACE configured).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if !m.enabled {
		m.log.Info("NAT disabled, no public interface configured")
		m.running = true
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("netfilter: connect: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	})

	forward := conn.AddChain(&nftables.Chain{
		Name:     forwardName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicy(nftables.ChainPolicyAccept),
	})

	postrouting := conn.AddChain(&nftables.Chain{
		Name:     postrtName,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	m.addForwardRules(conn, table, forward)
	m.addMasqueradeRule(conn, table, postrouting)

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("netfilter: flush: %w", err)
	}

	m.conn = conn
	m.table = table
	m.running = true
	m.log.Info("nat bootstrap installed", "private", m.privateIface, "public", m.publicIface)
	return nil
}

// addForwardRules accepts established/related traffic returning from the
// public interface, and accepts all traffic leaving the private
// interface toward the public one.
func (m *Manager) addForwardRules(conn *nftables.Conn, table *nftables.Table, chain *nftables.Chain) {
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(m.publicIface)},
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1, DestRegister: 1, Len: 4,
				Mask: stateMask(), Xor: []byte{0, 0, 0, 0},
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
		UserData: []byte("tapbridge_public_established"),
	})

	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(m.privateIface)},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(m.publicIface)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
		UserData: []byte("tapbridge_private_forward"),
	})
}

// addMasqueradeRule rewrites the source address of traffic leaving the
// public interface so replies route back through this host.
func (m *Manager) addMasqueradeRule(conn *nftables.Conn, table *nftables.Table, chain *nftables.Chain) {
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifnameBytes(m.publicIface)},
			&expr.Masq{},
		},
		UserData: []byte("tapbridge_masquerade"),
	})
}

// Stop removes the table, tearing down every rule installed by Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false

	if m.conn == nil || m.table == nil {
		return nil
	}

	m.conn.DelTable(m.table)
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("netfilter: remove table: %w", err)
	}
	m.log.Info("nat bootstrap removed")
	return nil
}

func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

func stateMask() []byte {
	bits := expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

func chainPolicy(p nftables.ChainPolicy) *nftables.ChainPolicy {
	return &p
}
