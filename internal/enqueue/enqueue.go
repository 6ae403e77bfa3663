// Package enqueue implements the per-NF enqueue engine: the hot path
// shared by the RX and TX pipelines that resolves a destination NF,
// consults the backpressure policy, batches frames into a thread-local
// staging buffer, and flushes full batches into the destination's RX ring.
package enqueue

import (
	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/mempool"
	"onvmgo.dev/onvm/internal/registry"
	"onvmgo.dev/onvm/internal/ring"
)

// Batch is the maximum number of frames staged per NF before an automatic
// flush.
const Batch = 32

// Mode selects what happens to a staged batch when its destination ring
// rejects it outright with ErrNoBufs (full).
type Mode int

const (
	// ModeDropOnFull drops the staged batch and credits RXDrop whenever
	// the ring rejects it outright (ErrNoBufs). This is the default:
	// holding risks head-of-line blocking of a TX worker, so dropping is
	// safer and ModeHoldOnBottleneck is opt-in.
	ModeDropOnFull Mode = iota
	// ModeHoldOnBottleneck leaves the batch in staging for retry next
	// tick instead of dropping it, at the cost of potentially blocking
	// later frames addressed to the same NF behind it. Only meaningful
	// on ErrNoBufs: the ring rejected the whole batch, so nothing was
	// delivered and holding cannot double-deliver. An ErrDQuot batch has
	// already been fully accepted into the ring, so it always credits RX
	// and clears, regardless of Mode.
	ModeHoldOnBottleneck
)

// item pairs a staged frame with the flow entry (if any) it resolved
// through, so Flush can correctly mark backpressure per-frame even though
// a batch may mix frames from different flows.
type item struct {
	f     *frame.Frame
	entry *chain.FlowEntry
}

// ThreadState is the staging buffer owned by one RX or TX worker. It is
// never shared across workers — only the eventual ring enqueue call
// synchronizes with other producers.
type ThreadState struct {
	staging [registry.MaxClients][]item
}

// NewThreadState creates an empty ThreadState.
func NewThreadState() *ThreadState {
	return &ThreadState{}
}

// Engine implements Enqueue/Flush. One Engine is shared by every RX and TX
// worker; per-worker mutable state lives in ThreadState.
type Engine struct {
	Registry     *registry.Registry
	Backpressure *backpressure.Engine
	Pool         mempool.Pool
	Mode         Mode
}

// NewEngine creates an Engine wired to the given registry, backpressure
// engine, and frame pool.
func NewEngine(reg *registry.Registry, bp *backpressure.Engine, pool mempool.Pool, mode Mode) *Engine {
	return &Engine{Registry: reg, Backpressure: bp, Pool: pool, Mode: mode}
}

// Enqueue resolves dstService to a Running instance, consults the
// backpressure policy, and appends f to that instance's staging buffer,
// flushing automatically at Batch. entry is the flow's FlowEntry (nil if
// the flow had no table entry); chainIndex is f's post-increment chain
// index, used for the backpressure ShouldDrop check.
func (e *Engine) Enqueue(ts *ThreadState, dstService uint16, f *frame.Frame, entry *chain.FlowEntry, chainIndex int) {
	instanceID, ok := e.Registry.Resolve(dstService, f.Flow.Hash())
	if !ok {
		e.Pool.Put(f)
		return
	}
	d, ok := e.Registry.Get(instanceID)
	if !ok || !d.Dispatchable() {
		e.Pool.Put(f)
		return
	}

	if e.Backpressure.ShouldDrop(entry, chainIndex, dstService) {
		d.Stats.BkprDrop.Add(1)
		e.Pool.Put(f)
		return
	}

	ts.staging[instanceID] = append(ts.staging[instanceID], item{f: f, entry: entry})
	if len(ts.staging[instanceID]) >= Batch {
		e.Flush(ts, instanceID)
	}
}

// Flush attempts to deliver instanceID's staged batch into its RX ring. On
// OK, the batch is credited to RX and cleared. On ErrDQuot the ring has
// already accepted every frame — there is nothing left to hold — so the
// backpressure engine marks the bottleneck, the batch is credited to RX,
// and staging is always cleared regardless of Mode. On ErrNoBufs nothing
// was accepted: ModeDropOnFull drops the batch and credits RXDrop;
// ModeHoldOnBottleneck leaves it staged for retry next tick instead,
// since holding an already-rejected batch cannot double-deliver it.
func (e *Engine) Flush(ts *ThreadState, instanceID uint16) {
	batch := ts.staging[instanceID]
	if len(batch) == 0 {
		return
	}
	d, ok := e.Registry.Get(instanceID)
	if !ok || !d.Dispatchable() {
		e.dropBatch(d, batch)
		ts.staging[instanceID] = nil
		return
	}

	frames := make([]*frame.Frame, len(batch))
	for i, it := range batch {
		if e.Backpressure != nil {
			e.Backpressure.ApplyECN(it.f)
		}
		frames[i] = it.f
	}
	last := batch[len(batch)-1]

	switch d.RXRing.EnqueueBurst(frames) {
	case ring.OK:
		d.Stats.RX.Add(uint64(len(batch)))
		ts.staging[instanceID] = nil
	case ring.ErrDQuot:
		d.Stats.RX.Add(uint64(len(batch)))
		e.Backpressure.Mark(d.Backpressure, last.entry, int(last.f.Meta.ChainIndex), d.ServiceID, e.Registry)
		ts.staging[instanceID] = nil
	case ring.ErrNoBufs:
		e.Backpressure.Mark(d.Backpressure, last.entry, int(last.f.Meta.ChainIndex), d.ServiceID, e.Registry)
		if e.Mode == ModeHoldOnBottleneck {
			return
		}
		d.Stats.RXDrop.Add(uint64(len(batch)))
		e.dropBatch(d, batch)
		ts.staging[instanceID] = nil
	}
}

// FlushAll flushes every non-empty staging slot, called once per batch by
// RX/TX workers after their per-frame loop.
func (e *Engine) FlushAll(ts *ThreadState) {
	for id := uint16(1); id < registry.MaxClients; id++ {
		if len(ts.staging[id]) > 0 {
			e.Flush(ts, id)
		}
	}
}

func (e *Engine) dropBatch(d *registry.Descriptor, batch []item) {
	for _, it := range batch {
		e.Pool.Put(it.f)
	}
	_ = d
}
