package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/dispatch"
	"onvmgo.dev/onvm/internal/enqueue"
	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/mempool"
	"onvmgo.dev/onvm/internal/port"
	"onvmgo.dev/onvm/internal/registry"
	"onvmgo.dev/onvm/internal/ring"
)

func newDispatcher(t *testing.T, def *chain.Chain, portIDs []uint16) (*dispatch.Dispatcher, *registry.Registry, *port.FakeNIC, mempool.Pool) {
	t.Helper()
	reg := registry.New()
	nic := port.NewFakeNIC()
	table := port.NewTable(portIDs)
	pool := mempool.New(mempool.WithDoubleFreeDetection())
	resolver := chain.NewResolver(chain.NewMapFlowTable(), def)
	bp := backpressure.NewEngine(backpressure.Config{})
	eng := enqueue.NewEngine(reg, bp, pool, enqueue.ModeDropOnFull)

	d := &dispatch.Dispatcher{
		Resolver: resolver,
		Enqueue:  eng,
		Registry: reg,
		Ports:    table,
		NIC:      nic,
		Pool:     pool,
	}
	return d, reg, nic, pool
}

func admit(t *testing.T, r *registry.Registry, serviceID uint16) uint16 {
	t.Helper()
	id, status := r.Admit(registry.AdmissionInfo{ServiceID: serviceID})
	require.Equal(t, registry.StatusStarting, status)
	require.NoError(t, r.MarkRunning(id))
	return id
}

// A frame whose chain resolves to ToNF is delivered to the target NF's
// RX ring.
func TestRXWorkerDeliversToNFInstance(t *testing.T) {
	def := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 7})
	d, reg, nic, pool := newDispatcher(t, def, []uint16{0})
	nfID := admit(t, reg, 7)

	nic.Feed(0, pool.Get())
	w := dispatch.NewRXWorker(0, []uint16{0}, d)
	ts := dispatch.NewThreadState()
	w.RunOnce(ts)

	nf, _ := reg.Get(nfID)
	assert.Equal(t, 1, nf.RXRing.Count())
}

// With no NF admitted at all, the whole batch is dropped and returned
// to the pool rather than staged.
func TestRXWorkerDropsWhenRegistryEmpty(t *testing.T) {
	def := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 7})
	d, _, nic, pool := newDispatcher(t, def, []uint16{0})

	nic.Feed(0, pool.Get(), pool.Get())
	w := dispatch.NewRXWorker(0, []uint16{0}, d)
	w.RunOnce(dispatch.NewThreadState())

	assert.Equal(t, int64(0), pool.Outstanding())
}

// A chain hop of Drop frees the frame without staging it anywhere.
func TestRXWorkerDropsOnDropHop(t *testing.T) {
	def := chain.NewChain(chain.Hop{Action: chain.ActionDrop})
	d, reg, nic, pool := newDispatcher(t, def, []uint16{0})
	admit(t, reg, 1) // registry non-empty so the batch isn't short-circuited

	nic.Feed(0, pool.Get())
	w := dispatch.NewRXWorker(0, []uint16{0}, d)
	w.RunOnce(dispatch.NewThreadState())

	assert.Equal(t, int64(0), pool.Outstanding())
}

// TX worker honors ActionOut by transmitting through the NIC and
// crediting the port's TX counter.
func TestTXWorkerTransmitsOutAction(t *testing.T) {
	d, reg, nic, pool := newDispatcher(t, nil, []uint16{5})
	nfID := admit(t, reg, 1)
	nf, _ := reg.Get(nfID)

	f := pool.Get()
	f.Meta = frame.Sidecar{Action: frame.ActionOut, Destination: 5}
	require.Equal(t, ring.OK, nf.TXRing.EnqueueBurst([]*frame.Frame{f}))

	w := dispatch.NewTXWorker(dispatch.Range{First: nfID, Last: nfID + 1}, d)
	w.RunOnce(dispatch.NewThreadState())

	sent := nic.Sent(5)
	require.Len(t, sent, 1)
	p := d.Ports.Get(5)
	assert.Equal(t, uint64(1), p.TXCount.Load())
}

// A default chain whose single hop is ToNF delivers an RX frame to the
// target NF's RX ring after one resolution. The chain.MaxLength bound on
// repeated Next resolutions is not exercised here.
func TestDispatchSingleToNFHopDeliversOnce(t *testing.T) {
	def := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 3})
	d, reg, nic, pool := newDispatcher(t, def, []uint16{0})
	nfID := admit(t, reg, 3)

	nic.Feed(0, pool.Get())
	w := dispatch.NewRXWorker(0, []uint16{0}, d)
	w.RunOnce(dispatch.NewThreadState())

	nf, _ := reg.Get(nfID)
	assert.Equal(t, 1, nf.RXRing.Count())
}

// A TX pass credits the emitting NF's per-action counters by the action
// each frame carried when it was dequeued from that NF's TX ring.
func TestTXWorkerCreditsPerActionCounters(t *testing.T) {
	def := chain.NewChain(chain.Hop{Action: chain.ActionOut, Destination: 5})
	d, reg, nic, pool := newDispatcher(t, def, []uint16{5})
	nfID := admit(t, reg, 1)
	nf, _ := reg.Get(nfID)

	dropF := pool.Get()
	dropF.Meta = frame.Sidecar{Action: frame.ActionDrop}
	outF := pool.Get()
	outF.Meta = frame.Sidecar{Action: frame.ActionOut, Destination: 5}
	nextF := pool.Get()
	nextF.Meta = frame.Sidecar{Action: frame.ActionNext}
	require.Equal(t, ring.OK, nf.TXRing.EnqueueBurst([]*frame.Frame{dropF, outF, nextF}))

	w := dispatch.NewTXWorker(dispatch.Range{First: nfID, Last: nfID + 1}, d)
	w.RunOnce(dispatch.NewThreadState())

	assert.Equal(t, uint64(1), nf.Stats.ActDrop.Load())
	assert.Equal(t, uint64(1), nf.Stats.ActOut.Load())
	assert.Equal(t, uint64(1), nf.Stats.ActNext.Load())
	assert.Len(t, nic.Sent(5), 2, "the Out frame and the Next-resolved-to-Out frame both egress")
}

// A frame traverses a two-NF chain hop by hop — NF1's Next resolves to NF2,
// NF2's Next resolves to the egress port — with chain_index advancing at
// each resolution.
func TestDispatchTraversesTwoNFChainThenEgresses(t *testing.T) {
	def := chain.NewChain(
		chain.Hop{Action: chain.ActionToNF, Destination: 1},
		chain.Hop{Action: chain.ActionToNF, Destination: 2},
		chain.Hop{Action: chain.ActionOut, Destination: 0},
	)
	d, reg, nic, pool := newDispatcher(t, def, []uint16{0})
	nf1ID := admit(t, reg, 1)
	nf2ID := admit(t, reg, 2)
	nf1, _ := reg.Get(nf1ID)
	nf2, _ := reg.Get(nf2ID)

	nic.Feed(0, pool.Get())
	rx := dispatch.NewRXWorker(0, []uint16{0}, d)
	rx.RunOnce(dispatch.NewThreadState())
	require.Equal(t, 1, nf1.RXRing.Count(), "hop 0 delivers to NF1")

	// NF1's worker loop (external, out of scope) consumes RX and emits Next.
	tw := dispatch.NewTXWorker(dispatch.Range{First: 1, Last: registry.MaxClients}, d)
	fs := nf1.RXRing.DequeueBurst(1)
	require.Len(t, fs, 1)
	assert.Equal(t, uint8(1), fs[0].Meta.ChainIndex)
	fs[0].Meta.Action = frame.ActionNext
	require.Equal(t, ring.OK, nf1.TXRing.EnqueueBurst(fs))
	tw.RunOnce(dispatch.NewThreadState())
	require.Equal(t, 1, nf2.RXRing.Count(), "hop 1 delivers to NF2")
	assert.Equal(t, uint64(1), nf1.Stats.ActNext.Load())

	fs = nf2.RXRing.DequeueBurst(1)
	require.Len(t, fs, 1)
	assert.Equal(t, uint8(2), fs[0].Meta.ChainIndex)
	fs[0].Meta.Action = frame.ActionNext
	require.Equal(t, ring.OK, nf2.TXRing.EnqueueBurst(fs))
	tw.RunOnce(dispatch.NewThreadState())

	assert.Len(t, nic.Sent(0), 1)
	assert.Equal(t, uint64(1), d.Ports.Get(0).TXCount.Load())
	assert.Equal(t, uint64(1), nf2.Stats.ActNext.Load())
}

// A bottlenecked NF whose RX ring has drained below the low watermark is
// cleared by the TX worker's next pass — BFT drained, chain bit reset.
func TestTXWorkerClearsBackpressureWhenRingDrainsBelowLow(t *testing.T) {
	d, reg, _, _ := newDispatcher(t, nil, []uint16{0})
	nfID := admit(t, reg, 1)
	nf, _ := reg.Get(nfID)

	c := chain.NewChain(
		chain.Hop{Action: chain.ActionToNF, Destination: 1},
		chain.Hop{Action: chain.ActionToNF, Destination: 2},
		chain.Hop{Action: chain.ActionOut, Destination: 0},
	)
	entry := &chain.FlowEntry{Chain: c}
	d.Enqueue.Backpressure.Mark(nf.Backpressure, entry, 2, nf.ServiceID, reg)
	require.True(t, nf.Backpressure.Bottlenecked())
	require.Equal(t, 2, c.HighestBottleneckIndex())

	// RX ring is empty, i.e. below the low watermark: one TX pass clears.
	w := dispatch.NewTXWorker(dispatch.Range{First: nfID, Last: nfID + 1}, d)
	w.RunOnce(dispatch.NewThreadState())

	assert.False(t, nf.Backpressure.Bottlenecked())
	assert.Equal(t, -1, c.HighestBottleneckIndex())
}

func TestAssignTXRangesCoversEveryValidIDExactlyOnce(t *testing.T) {
	ranges := dispatch.AssignTXRanges(3)
	seen := make(map[uint16]bool)
	for _, r := range ranges {
		for id := r.First; id < r.Last; id++ {
			require.False(t, seen[id], "id %d assigned to more than one range", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, registry.MaxClients-1)
}
