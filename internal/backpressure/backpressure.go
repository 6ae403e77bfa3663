// Package backpressure implements the manager's two orthogonal downstream
// → upstream signalling mechanisms: dropping upstream frames whose chain
// index is behind a bottlenecked downstream NF, and marking upstream NFs
// so the wake-up scheduler refuses to schedule them. Both are optional and
// composable, plus an advisory ECN-CE marker.
package backpressure

import (
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/frame"
)

// Config selects which mechanisms are active. All are independently
// toggleable.
type Config struct {
	// DropUpstream enables mechanism (a): drop frames upstream of a
	// bottlenecked chain index.
	DropUpstream bool
	// ScheduleThrottle enables mechanism (b): mark upstream NFs so the
	// wake-up scheduler refuses to wake them.
	ScheduleThrottle bool
	// HopByHop restricts ScheduleThrottle marking to the immediate
	// upstream NF only, instead of every NF on the chain upstream of the
	// bottleneck.
	HopByHop bool
	// DropOnlyAtIngress restricts DropUpstream to chain_index == 1
	// (the first hop past ingress) rather than every index strictly
	// upstream of the highest bottlenecked index.
	DropOnlyAtIngress bool
	// ECN sets the two-bit CE field in a staged frame's IPv4 ToS byte on
	// EDQUOT. Purely advisory; never affects dispatch.
	ECN bool
	// BFTCapacity bounds each NF's bottleneck-flow-table ring.
	BFTCapacity int
}

// DefaultBFTCapacity bounds the per-NF bottleneck-flow table; 256 marks
// comfortably covers one watermark-crossing burst at a batch size of 32.
const DefaultBFTCapacity = 256

// mark is one recorded (flow, chain index) bottleneck, the BFT's unit of
// currency. serviceID names the destination service so a table-less mark
// (nil entry) can be undone against the global fallback bitmap.
type mark struct {
	entry     *chain.FlowEntry
	index     int
	serviceID uint16
}

// BFT is a fixed-capacity ring of marks recorded while an NF is
// bottlenecked, drained in one pass when the NF's queue falls below the
// low watermark — giving O(1) amortized clearing regardless of how many
// distinct flows were marked.
type BFT struct {
	mu  sync.Mutex
	buf []mark
	cap int
}

// NewBFT creates a BFT with the given bounded capacity.
func NewBFT(capacity int) *BFT {
	if capacity <= 0 {
		capacity = DefaultBFTCapacity
	}
	return &BFT{cap: capacity}
}

// Push records a mark, dropping the oldest entry if the BFT is already at
// capacity (a saturated BFT only means some flows won't be individually
// cleared faster than the chain-level bitmap already clears as a whole).
func (b *BFT) Push(entry *chain.FlowEntry, index int, serviceID uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.cap {
		b.buf = b.buf[1:]
	}
	b.buf = append(b.buf, mark{entry: entry, index: index, serviceID: serviceID})
}

// Drain removes and returns every recorded mark.
func (b *BFT) Drain() []mark {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

// State is the per-NF bottleneck state embedded in registry.Descriptor.
type State struct {
	bottlenecked     atomic.Bool
	throttleUpstream atomic.Bool
	bft              *BFT
}

// NewState creates a State with a BFT of the given capacity (0 uses
// DefaultBFTCapacity).
func NewState(bftCapacity int) *State {
	return &State{bft: NewBFT(bftCapacity)}
}

// Bottlenecked reports whether this NF is currently over its high
// watermark per the last Mark/Clear cycle.
func (s *State) Bottlenecked() bool { return s.bottlenecked.Load() }

// ThrottleUpstream reports whether the wake-up scheduler should refuse to
// wake this NF because a downstream NF named it as a bottleneck source.
func (s *State) ThrottleUpstream() bool { return s.throttleUpstream.Load() }

// SetThrottleUpstream implements backpressure.UpstreamMarker for this
// NF's own state, used by Engine.Mark/ClearIfBelowLow.
func (s *State) SetThrottleUpstream(on bool) { s.throttleUpstream.Store(on) }

// UpstreamMarker is how Engine reaches the upstream NFs it needs to mark
// or clear for mechanism (b); registry.Registry implements it by looking
// up each instance id's Descriptor.Backpressure.
type UpstreamMarker interface {
	SetThrottle(instanceID uint16, on bool)
}

// Engine implements both backpressure mechanisms plus the optional ECN
// marker. One Engine is shared by every NF; per-NF mutable state lives in
// State, looked up by the caller (internal/enqueue, internal/dispatch).
type Engine struct {
	cfg Config

	mu                     sync.Mutex
	globalHighestByService map[uint16]uint32 // fallback bitmap for flows with no table entry

	// ecnMu serializes use of ecn, since gopacket.DecodingLayerParser
	// reuses its layer structs across calls and is not safe for
	// concurrent decode (ApplyECN is called from every RX/TX worker's
	// Flush).
	ecnMu sync.Mutex
	ecn   *ecnParser
}

// NewEngine creates an Engine. With a zero-value Config, ShouldDrop always
// reports false and Mark never throttles upstream NFs; Mark still records
// the bottleneck (State, BFT, bitmap bit), which ClearIfBelowLow undoes.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, globalHighestByService: make(map[uint16]uint32)}
}

// ShouldDrop reports whether a frame at chainIndex, belonging to entry
// (nil if the flow has no table entry) and serviceID (its destination
// service, consulted only when entry is nil), must be dropped because a
// downstream index on its chain — or, for table-less flows, the global
// per-service fallback bitmap — is currently bottlenecked.
func (e *Engine) ShouldDrop(entry *chain.FlowEntry, chainIndex int, serviceID uint16) bool {
	if !e.cfg.DropUpstream {
		return false
	}
	bitmap := e.bitmapFor(entry, serviceID)
	highest := highestBit(bitmap)
	if highest < 0 {
		return false
	}
	if e.cfg.DropOnlyAtIngress {
		return chainIndex == 1
	}
	return chainIndex < highest
}

// Mark records a bottleneck at chainIndex for entry's chain (or the global
// fallback bitmap keyed by serviceID when entry is nil), pushes a BFT
// record onto dst's table, and — when ScheduleThrottle is enabled — marks
// the relevant upstream NF instances via marker.
func (e *Engine) Mark(dst *State, entry *chain.FlowEntry, chainIndex int, serviceID uint16, marker UpstreamMarker) {
	dst.bottlenecked.Store(true)
	dst.bft.Push(entry, chainIndex, serviceID)

	if entry != nil && entry.Chain != nil {
		entry.Chain.MarkBottleneck(chainIndex)
	} else {
		e.mu.Lock()
		e.globalHighestByService[serviceID] |= 1 << uint(chainIndex)
		e.mu.Unlock()
	}

	if !e.cfg.ScheduleThrottle || marker == nil || entry == nil || entry.Chain == nil {
		return
	}
	c := entry.Chain
	if e.cfg.HopByHop {
		if chainIndex == 0 {
			return
		}
		if id := uint16(c.NFInstanceID[chainIndex-1].Load()); id != 0 {
			marker.SetThrottle(id, true)
		}
		return
	}
	for idx := 0; idx < chainIndex; idx++ {
		if id := uint16(c.NFInstanceID[idx].Load()); id != 0 {
			marker.SetThrottle(id, true)
		}
	}
}

// ClearIfBelowLow drains dst's BFT and clears every recorded bitmap bit —
// per-chain bits for marks carrying a flow entry, global fallback bits for
// table-less marks — then, when ScheduleThrottle is enabled, clears
// ThrottleUpstream for upstream NFs no longer named by any remaining set
// bit on their chain. Callers must only invoke this once dst's ring depth
// has fallen below the low watermark; the hysteresis itself is the
// caller's responsibility (two distinct watermark constants in
// internal/ring), not this engine's.
func (e *Engine) ClearIfBelowLow(dst *State, marker UpstreamMarker) {
	if !dst.bottlenecked.Load() {
		return
	}
	marks := dst.bft.Drain()
	dst.bottlenecked.Store(false)

	touched := make(map[*chain.Chain]struct{})
	var globalClears map[uint16]uint32
	for _, m := range marks {
		if m.entry != nil && m.entry.Chain != nil {
			m.entry.Chain.ClearBottleneck(m.index)
			touched[m.entry.Chain] = struct{}{}
			continue
		}
		if globalClears == nil {
			globalClears = make(map[uint16]uint32)
		}
		globalClears[m.serviceID] |= 1 << uint(m.index)
	}
	if globalClears != nil {
		e.mu.Lock()
		for sid, bits := range globalClears {
			e.globalHighestByService[sid] &^= bits
		}
		e.mu.Unlock()
	}
	if !e.cfg.ScheduleThrottle || marker == nil {
		return
	}
	for c := range touched {
		highest := c.HighestBottleneckIndex()
		for idx := chain.MaxLength - 1; idx >= 0 && idx >= highest; idx-- {
			if id := uint16(c.NFInstanceID[idx].Load()); id != 0 {
				marker.SetThrottle(id, false)
			}
		}
	}
}

// ecnParser lazily decodes just the Ethernet/Dot1Q/IPv4 layers of a staged
// frame to locate its ToS byte, zero-copy (layers.IPv4.Contents aliases
// f.Buf, so setting the CE bits through it mutates the frame in place).
type ecnParser struct {
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	parser *gopacket.DecodingLayerParser
}

func newECNParser() *ecnParser {
	p := &ecnParser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q, &p.ip4)
	p.parser.IgnoreUnsupported = true
	return p
}

// ApplyECN sets the two-bit CE codepoint (binary 11) in a frame's IPv4 ToS
// byte (the high 6 bits DSCP, the low 2 bits ECN) when the ECN mechanism is
// enabled and the buffer decodes as an Ethernet(+optional 802.1Q)/IPv4
// frame. Purely advisory: a frame that fails to decode, or isn't IPv4, is
// simply left unmarked rather than treated as an error.
func (e *Engine) ApplyECN(f *frame.Frame) {
	if !e.cfg.ECN || f == nil {
		return
	}
	e.ecnMu.Lock()
	defer e.ecnMu.Unlock()
	if e.ecn == nil {
		e.ecn = newECNParser()
	}

	var decoded []gopacket.LayerType
	if err := e.ecn.parser.DecodeLayers(f.Buf, &decoded); err != nil && len(decoded) == 0 {
		return
	}
	for _, t := range decoded {
		if t == layers.LayerTypeIPv4 && len(e.ecn.ip4.Contents) > 1 {
			e.ecn.ip4.Contents[1] |= 0x03
			return
		}
	}
}

// GlobalBottlenecked reports whether the global per-service fallback
// bitmap currently names serviceID as downstream-bottlenecked. Used by
// internal/wake to force-block NFs of that service even though they have
// no per-chain ThrottleUpstream mark, since table-less flows never
// populate one. Always false when DropUpstream is disabled.
func (e *Engine) GlobalBottlenecked(serviceID uint16) bool {
	if !e.cfg.DropUpstream {
		return false
	}
	e.mu.Lock()
	bitmap := e.globalHighestByService[serviceID]
	e.mu.Unlock()
	return highestBit(bitmap) >= 0
}

// bitmapFor returns the bottleneck bitmap to consult for a frame: the
// per-chain bitmap when entry names one, otherwise the global per-service
// fallback keyed by serviceID.
func (e *Engine) bitmapFor(entry *chain.FlowEntry, serviceID uint16) uint32 {
	if entry != nil && entry.Chain != nil {
		return entry.Chain.BottleneckBitmap.Load()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalHighestByService[serviceID]
}

func highestBit(bitmap uint32) int {
	for i := chain.MaxLength - 1; i >= 0; i-- {
		if bitmap&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
