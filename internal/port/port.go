// Package port implements the physical-port abstraction and the narrow NIC
// collaborator interface. The real poll-mode NIC driver lives behind the
// NIC interface; this package ships only the counters and an in-memory
// fake good enough for tests.
package port

import (
	"sync/atomic"

	"onvmgo.dev/onvm/internal/frame"
)

// NIC is the out-of-scope poll-mode driver collaborator. RXBurst and
// TXBurst never block; a real binding would wrap DPDK's rte_eth_rx_burst/
// rte_eth_tx_burst, each already non-blocking.
type NIC interface {
	RXBurst(queue int, n int) []*frame.Frame
	TXBurst(port uint16, queue int, fs []*frame.Frame) (sent int)
}

// Port holds one physical port's identity and counters.
type Port struct {
	ID uint16

	RXCount     atomic.Uint64
	TXCount     atomic.Uint64
	TXDropCount atomic.Uint64
}

// Table is the fixed set of ports the manager was configured with, keyed
// by port id.
type Table struct {
	ports map[uint16]*Port
}

// NewTable builds a Table for the given port ids.
func NewTable(ids []uint16) *Table {
	t := &Table{ports: make(map[uint16]*Port, len(ids))}
	for _, id := range ids {
		t.ports[id] = &Port{ID: id}
	}
	return t
}

// Get returns the port for id, or nil if id was not in the configured set.
func (t *Table) Get(id uint16) *Port {
	return t.ports[id]
}

// All returns every configured port in unspecified order.
func (t *Table) All() []*Port {
	out := make([]*Port, 0, len(t.ports))
	for _, p := range t.ports {
		out = append(out, p)
	}
	return out
}

// Len returns the number of configured ports.
func (t *Table) Len() int {
	return len(t.ports)
}
