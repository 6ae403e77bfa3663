// Package frame defines the packet buffer and its wire-compatible sidecar
// metadata, the unit of currency passed between rings, the resolver, and
// the dispatch workers.
package frame

import (
	"fmt"
	"hash/fnv"
)

// Action is the per-chain-hop disposition a TX worker resolves a frame to.
type Action byte

const (
	ActionDrop Action = iota
	ActionNext
	ActionToNF
	ActionOut
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionNext:
		return "next"
	case ActionToNF:
		return "tonf"
	case ActionOut:
		return "out"
	default:
		return fmt.Sprintf("action(%d)", byte(a))
	}
}

// SidecarSize is the wire size in bytes of Sidecar: action(1)
// destination(2) src_instance(2) chain_index(1) + 2 bytes reserved.
const SidecarSize = 8

// Sidecar is the per-frame metadata the manager threads alongside the raw
// bytes. It never travels inside Buf; RX/TX workers and the resolver read
// and write it directly.
type Sidecar struct {
	Action      Action
	Destination uint16
	SrcInstance uint16
	ChainIndex  uint8
}

// FlowKey identifies a frame's 5-tuple flow. The NIC/decoder collaborator
// is responsible for populating it from the captured headers; this package
// only carries the value.
// internal/chain defines the canonical FlowKey used for flow-table
// lookups — dispatch converts between the two explicitly so this package
// keeps its documented zero dependency on internal/chain.
type FlowKey struct {
	SrcAddr  uint32
	DstAddr  uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Hash returns an FNV-1a hash of the flow key, mirroring
// internal/chain.FlowKey.Hash byte-for-byte so the two packages agree on
// which instance a given flow resolves to.
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

// ToChainKey converts to the equivalent internal/chain.FlowKey value. It
// is a plain field copy, not a type conversion, so this package keeps its
// documented zero import-dependency on internal/chain.
func (k FlowKey) ToChainKey() (srcAddr, dstAddr uint32, srcPort, dstPort uint16, protocol uint8) {
	return k.SrcAddr, k.DstAddr, k.SrcPort, k.DstPort, k.Protocol
}

// Frame is a single packet buffer plus its sidecar. Frame pointers are
// owned by whichever ring or staging buffer currently holds them; see
// internal/mempool for the checkout-tracking allocator that enforces
// single ownership.
type Frame struct {
	Buf  []byte
	Meta Sidecar
	Flow FlowKey
}

// MarshalSidecar encodes s into the 8-byte wire layout: byte 0 action,
// bytes 1-2 destination little-endian, bytes 3-4 src instance
// little-endian, byte 5 chain index, bytes 6-7 reserved (zero).
func MarshalSidecar(s Sidecar) [SidecarSize]byte {
	var out [SidecarSize]byte
	out[0] = byte(s.Action)
	out[1] = byte(s.Destination)
	out[2] = byte(s.Destination >> 8)
	out[3] = byte(s.SrcInstance)
	out[4] = byte(s.SrcInstance >> 8)
	out[5] = s.ChainIndex
	return out
}

// UnmarshalSidecar decodes the 8-byte wire layout produced by
// MarshalSidecar. It never uses unsafe and panics if given a short slice.
func UnmarshalSidecar(b []byte) Sidecar {
	if len(b) < SidecarSize {
		panic("frame: short sidecar buffer")
	}
	return Sidecar{
		Action:      Action(b[0]),
		Destination: uint16(b[1]) | uint16(b[2])<<8,
		SrcInstance: uint16(b[3]) | uint16(b[4])<<8,
		ChainIndex:  b[5],
	}
}

// Reset clears a frame for reuse by the mempool, zeroing its sidecar but
// keeping the underlying Buf capacity.
func (f *Frame) Reset() {
	f.Buf = f.Buf[:0]
	f.Meta = Sidecar{}
	f.Flow = FlowKey{}
}
