package backpressure_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/frame"
)

type fakeMarker struct {
	throttled map[uint16]bool
}

func newFakeMarker() *fakeMarker { return &fakeMarker{throttled: make(map[uint16]bool)} }

func (m *fakeMarker) SetThrottle(instanceID uint16, on bool) { m.throttled[instanceID] = on }

func TestMarkSetsBottleneckBitAndBFT(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	entry := &chain.FlowEntry{Chain: c}
	dst := backpressure.NewState(0)

	eng.Mark(dst, entry, 2, 2, nil)

	assert.True(t, dst.Bottlenecked())
	assert.NotEqual(t, -1, c.HighestBottleneckIndex())
	assert.Equal(t, 2, c.HighestBottleneckIndex())
}

func TestShouldDropOnlyUpstreamOfHighestBit(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	c.MarkBottleneck(2)
	entry := &chain.FlowEntry{Chain: c}

	assert.True(t, eng.ShouldDrop(entry, 0, 0))
	assert.True(t, eng.ShouldDrop(entry, 1, 0))
	assert.False(t, eng.ShouldDrop(entry, 2, 0))
	assert.False(t, eng.ShouldDrop(entry, 3, 0))
}

func TestShouldDropDisabledWithoutDropUpstream(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1})
	c.MarkBottleneck(0)
	entry := &chain.FlowEntry{Chain: c}
	assert.False(t, eng.ShouldDrop(entry, 0, 0))
}

func TestDropOnlyAtIngressRestrictsToIndexOne(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true, DropOnlyAtIngress: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	c.MarkBottleneck(2)
	entry := &chain.FlowEntry{Chain: c}

	assert.False(t, eng.ShouldDrop(entry, 0, 0))
	assert.True(t, eng.ShouldDrop(entry, 1, 0))
	assert.False(t, eng.ShouldDrop(entry, 2, 0))
}

func TestShouldDropConsultsGlobalFallbackForTableLessFlows(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true})
	dst := backpressure.NewState(0)

	// No table entry: Mark records into the global per-service bitmap
	// instead of a chain's own bitmap.
	eng.Mark(dst, nil, 2, 7, nil)

	assert.True(t, eng.ShouldDrop(nil, 0, 7), "index upstream of the global bottleneck must drop")
	assert.True(t, eng.ShouldDrop(nil, 1, 7))
	assert.False(t, eng.ShouldDrop(nil, 2, 7), "the bottlenecked index itself is not upstream of itself")
	assert.False(t, eng.ShouldDrop(nil, 0, 8), "a different service's fallback bitmap must stay untouched")
}

func TestScheduleThrottleMarksUpstreamNFsHopByHop(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{ScheduleThrottle: true, HopByHop: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	c.NFInstanceID[0].Store(11)
	c.NFInstanceID[1].Store(12)
	entry := &chain.FlowEntry{Chain: c}
	dst := backpressure.NewState(0)
	marker := newFakeMarker()

	eng.Mark(dst, entry, 2, 0, marker)

	require.True(t, marker.throttled[12])
	_, sawOther := marker.throttled[11]
	assert.False(t, sawOther, "hop-by-hop must only mark the immediate upstream NF")
}

func TestScheduleThrottleMarksAllUpstreamWithoutHopByHop(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{ScheduleThrottle: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	c.NFInstanceID[0].Store(11)
	c.NFInstanceID[1].Store(12)
	entry := &chain.FlowEntry{Chain: c}
	dst := backpressure.NewState(0)
	marker := newFakeMarker()

	eng.Mark(dst, entry, 2, 0, marker)

	assert.True(t, marker.throttled[11])
	assert.True(t, marker.throttled[12])
}

func TestClearIfBelowLowRequiresPriorMark(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true})
	dst := backpressure.NewState(0)
	// no-op: never marked
	eng.ClearIfBelowLow(dst, nil)
	assert.False(t, dst.Bottlenecked())
}

func TestClearCycleDrainsBFTAndClearsBitmap(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true, ScheduleThrottle: true})
	c := chain.NewChain(chain.Hop{Action: chain.ActionToNF, Destination: 1}, chain.Hop{Action: chain.ActionToNF, Destination: 2})
	c.NFInstanceID[0].Store(11)
	c.NFInstanceID[1].Store(12)
	entry := &chain.FlowEntry{Chain: c}
	dst := backpressure.NewState(0)
	marker := newFakeMarker()

	eng.Mark(dst, entry, 2, 0, marker)
	require.True(t, dst.Bottlenecked())

	eng.ClearIfBelowLow(dst, marker)

	assert.False(t, dst.Bottlenecked())
	assert.Equal(t, -1, c.HighestBottleneckIndex())
	assert.False(t, marker.throttled[11])
	assert.False(t, marker.throttled[12])
}

func TestClearCycleResetsGlobalFallbackBitmap(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{DropUpstream: true})
	dst := backpressure.NewState(0)

	// Table-less flow: the mark lands in the global per-service bitmap.
	eng.Mark(dst, nil, 2, 7, nil)
	require.True(t, eng.GlobalBottlenecked(7))
	require.True(t, eng.ShouldDrop(nil, 0, 7))

	eng.ClearIfBelowLow(dst, nil)

	assert.False(t, dst.Bottlenecked())
	assert.False(t, eng.GlobalBottlenecked(7), "drain below low watermark must reset the global fallback bit")
	assert.False(t, eng.ShouldDrop(nil, 0, 7), "table-less flows must stop dropping once the fallback clears")
}

func TestApplyECNSetsCEBitsOnIPv4(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{ECN: true})
	buf := make([]byte, 34)
	buf[12] = 0x08 // EtherType IPv4
	buf[13] = 0x00
	buf[14] = 0x45 // IPv4, IHL 5
	buf[16] = 0x00 // total length 20: header only
	buf[17] = 0x14
	buf[23] = 0x06 // protocol TCP
	f := &frame.Frame{Buf: buf}

	eng.ApplyECN(f)

	assert.Equal(t, byte(0x03), f.Buf[15]&0x03)
}

func TestApplyECNIgnoresNonIPv4(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{ECN: true})
	buf := make([]byte, 34)
	buf[12] = 0x86 // EtherType ARP, not IPv4
	buf[13] = 0x06
	f := &frame.Frame{Buf: buf}

	eng.ApplyECN(f)

	assert.Equal(t, byte(0x00), f.Buf[15]&0x03)
}

func TestApplyECNDisabledIsNoop(t *testing.T) {
	eng := backpressure.NewEngine(backpressure.Config{ECN: false})
	buf := make([]byte, 34)
	buf[12] = 0x08
	buf[14] = 0x45
	f := &frame.Frame{Buf: buf}

	eng.ApplyECN(f)

	assert.Equal(t, byte(0x00), f.Buf[15]&0x03)
}
