// Package dispatch implements the RX and TX pipelines: the loops that move
// frames between NIC queues, the per-NF enqueue engine, and the
// service-chain resolver. Each worker owns one NIC queue index or one
// NF-slot range and runs a synchronous resolve-and-fan-out loop over it.
package dispatch

import (
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/enqueue"
	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/log"
	"onvmgo.dev/onvm/internal/mempool"
	"onvmgo.dev/onvm/internal/port"
	"onvmgo.dev/onvm/internal/registry"
)

// Batch matches enqueue.Batch: every burst operation in this package moves
// at most this many frames at once.
const Batch = enqueue.Batch

// ThreadState is the worker-private staging state for one RX or TX worker:
// per-NF staging (internal/enqueue) plus per-port TX staging, never shared
// across workers.
type ThreadState struct {
	NF   *enqueue.ThreadState
	ports map[uint16][]*frame.Frame
}

// NewThreadState creates an empty ThreadState.
func NewThreadState() *ThreadState {
	return &ThreadState{NF: enqueue.NewThreadState(), ports: make(map[uint16][]*frame.Frame)}
}

// Dispatcher holds the collaborators shared by every RX and TX worker: the
// resolver, the enqueue engine, the port table and NIC, and the frame pool.
// One Dispatcher is shared; RunOnce callers supply their own ThreadState.
type Dispatcher struct {
	Resolver *chain.Resolver
	Enqueue  *enqueue.Engine
	Registry *registry.Registry
	Ports    *port.Table
	NIC      port.NIC
	Pool     mempool.Pool
}

func toChainKey(k frame.FlowKey) chain.FlowKey {
	srcAddr, dstAddr, srcPort, dstPort, protocol := k.ToChainKey()
	return chain.FlowKey{SrcAddr: srcAddr, DstAddr: dstAddr, SrcPort: srcPort, DstPort: dstPort, Protocol: protocol}
}

func hopToFrameAction(a chain.Action) frame.Action {
	switch a {
	case chain.ActionDrop:
		return frame.ActionDrop
	case chain.ActionToNF:
		return frame.ActionToNF
	case chain.ActionOut:
		return frame.ActionOut
	default:
		return frame.ActionNext
	}
}

// dispatch resolves and routes one frame to completion, starting from
// whatever f.Meta.Action already names. ActionNext re-resolves the chain at
// f.Meta.ChainIndex, advances it, and loops; every other action is terminal.
// Bounded to chain.MaxLength resolutions to guard against a corrupt or
// cyclic chain, at which point the frame is dropped.
func (d *Dispatcher) dispatch(ts *ThreadState, f *frame.Frame, entry *chain.FlowEntry, selfInstance uint16) {
	for hops := 0; hops < chain.MaxLength; hops++ {
		switch f.Meta.Action {
		case frame.ActionDrop:
			d.Pool.Put(f)
			return
		case frame.ActionToNF:
			// chain_index is not incremented here: the ActionNext branch
			// below owns the increment, at the point a hop is resolved
			// into ToNF/Out/Drop. A frame already carrying Action=ToNF
			// when it reaches a TX ring (rather than being produced by
			// this loop's own Next resolution) is assumed to already
			// have the post-increment index set by its producer.
			d.Enqueue.Enqueue(ts.NF, f.Meta.Destination, f, entry, int(f.Meta.ChainIndex))
			return
		case frame.ActionOut:
			d.stageOut(ts, f.Meta.Destination, f)
			return
		case frame.ActionNext:
			key := toChainKey(f.Flow)
			hop, e, ok := d.Resolver.Resolve(key, int(f.Meta.ChainIndex), selfInstance)
			if !ok {
				d.Pool.Put(f)
				return
			}
			if e != nil {
				entry = e
			}
			f.Meta.ChainIndex++
			f.Meta.Action = hopToFrameAction(hop.Action)
			f.Meta.Destination = hop.Destination
		default:
			if l := log.GetLogger(); l != nil {
				l.WithField("action", int(f.Meta.Action)).Warn("dispatch: invalid action, dropping frame")
			}
			d.Pool.Put(f)
			return
		}
	}
	d.Pool.Put(f)
}

// stageOut appends f to portID's staging buffer, flushing immediately once
// it reaches Batch frames.
func (d *Dispatcher) stageOut(ts *ThreadState, portID uint16, f *frame.Frame) {
	ts.ports[portID] = append(ts.ports[portID], f)
	if len(ts.ports[portID]) >= Batch {
		d.flushPort(ts, portID)
	}
}

// flushPort transmits portID's staged frames via the NIC, crediting TXCount
// for what the NIC accepted and TXDropCount (plus a pool return) for what it
// refused.
func (d *Dispatcher) flushPort(ts *ThreadState, portID uint16) {
	batch := ts.ports[portID]
	if len(batch) == 0 {
		return
	}
	p := d.Ports.Get(portID)
	if p == nil {
		for _, f := range batch {
			d.Pool.Put(f)
		}
		ts.ports[portID] = nil
		return
	}
	sent := d.NIC.TXBurst(portID, 0, batch)
	p.TXCount.Add(uint64(sent))
	for _, f := range batch[sent:] {
		d.Pool.Put(f)
	}
	p.TXDropCount.Add(uint64(len(batch) - sent))
	ts.ports[portID] = nil
}

// FlushAll drains every staged NF batch and every staged port batch, called
// once per tick by RX and TX workers after their per-frame loop.
func (d *Dispatcher) FlushAll(ts *ThreadState) {
	d.Enqueue.FlushAll(ts.NF)
	for portID, batch := range ts.ports {
		if len(batch) > 0 {
			d.flushPort(ts, portID)
		}
	}
}
