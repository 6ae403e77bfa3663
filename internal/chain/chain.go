// Package chain implements service-chain resolution: mapping an inbound
// frame to the ordered sequence of hops it should travel, and mapping a
// service id to one of its running instances.
package chain

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
)

// MaxLength is the maximum number of hops a chain may have.
const MaxLength = 4

// Action names a hop's disposition. Kept distinct from frame.Action so this
// package has no dependency on frame; dispatch translates between them.
type Action byte

const (
	ActionDrop Action = iota
	ActionNext
	ActionToNF
	ActionOut
)

// Hop is one step of a service chain: what to do, and which service or
// port the action targets.
type Hop struct {
	Action      Action
	Destination uint16
}

// Chain is a fixed-length ordered sequence of hops, plus the mutable
// per-index bookkeeping the backpressure engine needs: which indices are
// currently bottlenecked, and which NF instance last handled each index.
type Chain struct {
	Hops [MaxLength]Hop
	Len  int

	// BottleneckBitmap has one bit set per bottlenecked chain index.
	BottleneckBitmap atomic.Uint32
	// NFInstanceID is populated opportunistically as frames traverse the
	// chain, naming the upstream NF at each index for the backpressure
	// engine's ScheduleThrottle mechanism.
	NFInstanceID [MaxLength]atomic.Uint32
}

// NewChain builds a Chain from an ordered hop list, panicking if it
// exceeds MaxLength.
func NewChain(hops ...Hop) *Chain {
	if len(hops) > MaxLength {
		panic(fmt.Sprintf("chain: %d hops exceeds MaxLength %d", len(hops), MaxLength))
	}
	c := &Chain{Len: len(hops)}
	copy(c.Hops[:], hops)
	return c
}

// MarkBottleneck sets the bottleneck bit for chain index idx.
func (c *Chain) MarkBottleneck(idx int) {
	for {
		old := c.BottleneckBitmap.Load()
		next := old | (1 << uint(idx))
		if c.BottleneckBitmap.CompareAndSwap(old, next) {
			return
		}
	}
}

// ClearBottleneck clears the bottleneck bit for chain index idx.
func (c *Chain) ClearBottleneck(idx int) {
	for {
		old := c.BottleneckBitmap.Load()
		next := old &^ (1 << uint(idx))
		if c.BottleneckBitmap.CompareAndSwap(old, next) {
			return
		}
	}
}

// HighestBottleneckIndex returns the highest set bit in BottleneckBitmap,
// or -1 if none are set.
func (c *Chain) HighestBottleneckIndex() int {
	bm := c.BottleneckBitmap.Load()
	for i := MaxLength - 1; i >= 0; i-- {
		if bm&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

// FlowKey identifies a flow by its 5-tuple. Zero-value FlowKey is a valid
// (if degenerate) key used by tests.
type FlowKey struct {
	SrcAddr  uint32
	DstAddr  uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Hash returns an FNV-1a hash of the flow key, used both as the default
// resolution strategy's input and as the flow table's natural bucket key.
func (k FlowKey) Hash() uint32 {
	h := fnv.New32a()
	var buf [13]byte
	buf[0] = byte(k.SrcAddr)
	buf[1] = byte(k.SrcAddr >> 8)
	buf[2] = byte(k.SrcAddr >> 16)
	buf[3] = byte(k.SrcAddr >> 24)
	buf[4] = byte(k.DstAddr)
	buf[5] = byte(k.DstAddr >> 8)
	buf[6] = byte(k.DstAddr >> 16)
	buf[7] = byte(k.DstAddr >> 24)
	buf[8] = byte(k.SrcPort)
	buf[9] = byte(k.SrcPort >> 8)
	buf[10] = byte(k.DstPort)
	buf[11] = byte(k.DstPort >> 8)
	buf[12] = k.Protocol
	_, _ = h.Write(buf[:])
	return h.Sum32()
}

// FlowEntry binds a flow to the chain it should travel, plus the
// bottleneck/marking state the backpressure engine reads per-flow rather
// than per-chain-index.
type FlowEntry struct {
	Key   FlowKey
	Chain *Chain

	// BottleneckChainMask is a per-flow bitmap of bottlenecked chain
	// indices. Nothing in this module updates it; the backpressure engine
	// marks and reads Chain.BottleneckBitmap instead.
	BottleneckChainMask atomic.Uint32
	// MarkedByNF holds the instance id of the NF that marked this flow as
	// bottlenecked, 0 if none. Nothing in this module sets it.
	MarkedByNF atomic.Uint32
}

// FlowTable is the flow-table collaborator; insertion policy belongs to
// its owner, and this package only consumes it for lookups.
type FlowTable interface {
	Lookup(FlowKey) (*FlowEntry, bool)
}

// MapFlowTable is an in-memory FlowTable good enough for tests and
// single-process deployments.
type MapFlowTable struct {
	mu      sync.RWMutex
	entries map[FlowKey]*FlowEntry
}

// NewMapFlowTable creates an empty MapFlowTable.
func NewMapFlowTable() *MapFlowTable {
	return &MapFlowTable{entries: make(map[FlowKey]*FlowEntry)}
}

func (t *MapFlowTable) Lookup(k FlowKey) (*FlowEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[k]
	return e, ok
}

// Insert adds or replaces the entry for e.Key. Insertion policy itself is
// out of scope; this is the minimal mechanism tests need to populate the
// table.
func (t *MapFlowTable) Insert(e *FlowEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Key] = e
}

// Strategy picks one instance of a service to resolve a flow to, given the
// flow's hash. The registry consults the configured Strategy on every
// resolution; FNVModStrategy is the default, ConsistentHashStrategy an
// optional alternative that minimizes re-mapping when the instance set
// changes.
type Strategy interface {
	Name() string
	Pick(serviceID uint16, flowHash uint32, instances []uint16) (uint16, bool)
}

// FNVModStrategy resolves flowHash mod len(instances), the default
// instance-selection scheme.
type FNVModStrategy struct{}

func (FNVModStrategy) Name() string { return "fnv-mod" }

func (FNVModStrategy) Pick(_ uint16, flowHash uint32, instances []uint16) (uint16, bool) {
	if len(instances) == 0 {
		return 0, false
	}
	return instances[flowHash%uint32(len(instances))], true
}

// ConsistentHashStrategy resolves via a consistent-hash ring, rebuilt
// whenever the instance set for a service changes, so that adding or
// removing one instance remaps only the flows owned by that instance
// instead of ~all flows as a modulo scheme would.
type ConsistentHashStrategy struct {
	mu     sync.Mutex
	rings  map[uint16]*hashring.HashRing
	lastOf map[uint16]string // fingerprint of the instance set used to build each ring
}

// NewConsistentHashStrategy creates an empty ConsistentHashStrategy.
func NewConsistentHashStrategy() *ConsistentHashStrategy {
	return &ConsistentHashStrategy{
		rings:  make(map[uint16]*hashring.HashRing),
		lastOf: make(map[uint16]string),
	}
}

func (*ConsistentHashStrategy) Name() string { return "consistent-hash" }

func (c *ConsistentHashStrategy) Pick(serviceID uint16, flowHash uint32, instances []uint16) (uint16, bool) {
	if len(instances) == 0 {
		return 0, false
	}
	fp := fingerprint(instances)

	c.mu.Lock()
	hr, ok := c.rings[serviceID]
	if !ok || c.lastOf[serviceID] != fp {
		nodes := make([]string, len(instances))
		for i, id := range instances {
			nodes[i] = fmt.Sprintf("%d", id)
		}
		hr = hashring.New(nodes)
		c.rings[serviceID] = hr
		c.lastOf[serviceID] = fp
	}
	c.mu.Unlock()

	node, ok := hr.GetNode(fmt.Sprintf("%d", flowHash))
	if !ok {
		return 0, false
	}
	var id uint16
	if _, err := fmt.Sscanf(node, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

func fingerprint(instances []uint16) string {
	s := ""
	for _, id := range instances {
		s += fmt.Sprintf("%d,", id)
	}
	return s
}

// Resolver looks up the chain (and opportunistically marks NFInstanceID)
// for an inbound frame, falling back to a default chain when the flow
// table has no entry.
type Resolver struct {
	Table   FlowTable
	Default *Chain
}

// NewResolver creates a Resolver with the given flow table and default
// chain. def may be nil only if every flow is expected to resolve through
// Table.
func NewResolver(table FlowTable, def *Chain) *Resolver {
	return &Resolver{Table: table, Default: def}
}

// Resolve returns the hop at idx for key's chain, and the FlowEntry if one
// was found in the flow table (nil when falling back to the default
// chain). It never mutates the chain's hops, but it does opportunistically
// record selfInstance as the owner of this chain index when selfInstance
// is nonzero, so the backpressure engine can later name the upstream NF.
func (r *Resolver) Resolve(key FlowKey, idx int, selfInstance uint16) (Hop, *FlowEntry, bool) {
	var c *Chain
	entry, found := r.Table.Lookup(key)
	if found && entry.Chain != nil {
		c = entry.Chain
	} else {
		c = r.Default
		entry = nil
	}
	if c == nil || idx < 0 || idx >= c.Len {
		return Hop{Action: ActionDrop}, entry, false
	}
	if selfInstance != 0 {
		c.NFInstanceID[idx].Store(uint32(selfInstance))
	}
	return c.Hops[idx], entry, true
}
