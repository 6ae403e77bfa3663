// Package registry implements the NF registry: admission, identifier
// assignment, liveness detection and teardown, and the service-id →
// instance resolution the dispatch pipelines use on every frame.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/ring"
)

// MaxClients is the fixed number of NF slots. Instance id 0 is reserved;
// valid ids are in [1, MaxClients).
const MaxClients = 16

// MaxServices is the fixed number of service ids a chain may name.
const MaxServices = 16

// MaxClientsPerService bounds how many Running instances one service may
// have simultaneously.
const MaxClientsPerService = 8

// Status is an NF descriptor's lifecycle state.
type Status int

const (
	StatusWaitingForID Status = iota
	StatusStarting
	StatusRunning
	StatusPaused
	StatusStopped
	StatusIDConflict
	StatusNoIDs
)

func (s Status) String() string {
	switch s {
	case StatusWaitingForID:
		return "waiting_for_id"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusIDConflict:
		return "id_conflict"
	case StatusNoIDs:
		return "no_ids"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrIDConflict is returned by Admit when the caller-supplied instance id
// names a currently Running slot.
var ErrIDConflict = errors.New("registry: instance id conflict")

// ErrNoIDs is returned by Admit/NextFreeID when the descriptor table is
// saturated.
var ErrNoIDs = errors.New("registry: no free instance ids")

// Stats holds the counters and rolling estimates the wake-up scheduler and
// stats printer read.
type Stats struct {
	RX       atomic.Uint64
	TX       atomic.Uint64
	RXDrop   atomic.Uint64
	BkprDrop atomic.Uint64
	ActDrop  atomic.Uint64
	ActNext  atomic.Uint64
	ActToNF  atomic.Uint64
	ActOut   atomic.Uint64

	MaxRXDepth atomic.Uint64
	MaxTXDepth atomic.Uint64
	WakeUps    atomic.Uint64
	Throttled  atomic.Uint64

	// CompCostNanos is the per-NF processing-cost estimate, in nanoseconds
	// per packet, that weight assignment reads. No code in this module
	// measures or writes it; it stays 0 unless set from outside, and
	// weight assignment treats a value <= 0 as 1.
	CompCostNanos atomic.Int64
	// Load is a quarter-weight EWMA of packets queued+dropped per sampling
	// interval, updated by the wake scheduler.
	Load atomic.Int64
	// SvcRate is a quarter-weight EWMA of packets serviced (dequeued from
	// the TX ring) per sampling interval, updated by the wake scheduler.
	SvcRate atomic.Int64
}

// SampleMaxDepth records the current RX/TX ring depth if it exceeds the
// previously recorded maximum.
func (s *Stats) SampleMaxDepth(rxDepth, txDepth int) {
	for {
		old := s.MaxRXDepth.Load()
		if uint64(rxDepth) <= old {
			break
		}
		if s.MaxRXDepth.CompareAndSwap(old, uint64(rxDepth)) {
			break
		}
	}
	for {
		old := s.MaxTXDepth.Load()
		if uint64(txDepth) <= old {
			break
		}
		if s.MaxTXDepth.CompareAndSwap(old, uint64(txDepth)) {
			break
		}
	}
}

// Descriptor is one NF slot, born on admission and reclaimed on retire or
// liveness loss.
type Descriptor struct {
	InstanceID uint16
	ServiceID  uint16
	WorkerPID  int
	Tag        string

	status atomic.Int32

	RXRing *ring.Ring
	TXRing *ring.Ring

	Stats        *Stats
	Backpressure *backpressure.State
}

// Status returns the descriptor's current lifecycle state.
func (d *Descriptor) Status() Status { return Status(d.status.Load()) }

func (d *Descriptor) setStatus(s Status) { d.status.Store(int32(s)) }

// Dispatchable reports whether a frame may be enqueued to this NF: Running
// and carrying a non-nil RX ring.
func (d *Descriptor) Dispatchable() bool {
	return d != nil && d.Status() == StatusRunning && d.RXRing != nil
}


// AdmissionInfo is the record an NF (or the admission queue's drain loop)
// submits to request a slot.
type AdmissionInfo struct {
	InstanceID      uint16 // 0 means "let the registry assign one"
	ServiceID       uint16
	Tag             string
	WorkerPID       int
	RXCapacity      int
	TXCapacity      int
	BFTCapacity     int
}

// Registry owns the fixed descriptor table, the rolling allocation
// cursor, and the service→instances map.
type Registry struct {
	mu       sync.RWMutex
	slots    [MaxClients]*Descriptor
	cursor   uint16
	services map[uint16][]uint16 // serviceID -> running instance ids, in admission order
	strategy chain.Strategy
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithStrategy selects the instance-selection strategy Resolve consults.
// The default is chain.FNVModStrategy; a nil s is ignored.
func WithStrategy(s chain.Strategy) Option {
	return func(r *Registry) {
		if s != nil {
			r.strategy = s
		}
	}
}

// New creates an empty Registry with no NFs admitted.
func New(opts ...Option) *Registry {
	r := &Registry{
		cursor:   1,
		services: make(map[uint16][]uint16),
		strategy: chain.FNVModStrategy{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextFreeID scans up to MaxClients entries starting at the rolling
// cursor, skipping slot 0, and returns the first id not currently Running.
// It returns ErrNoIDs only after a full scan finds nothing free — no early
// return, no special-casing of "the cursor's own slot".
func (r *Registry) NextFreeID() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextFreeIDLocked()
}

// validIDs is the number of assignable instance ids: [1, MaxClients).
const validIDs = MaxClients - 1

func (r *Registry) nextFreeIDLocked() (uint16, error) {
	start := r.cursor
	if start < 1 || start >= MaxClients {
		start = 1
	}
	for i := 0; i < validIDs; i++ {
		id := ((int(start) - 1 + i) % validIDs) + 1
		d := r.slots[id]
		if d == nil || d.Status() != StatusRunning {
			r.cursor = uint16(id) + 1
			return uint16(id), nil
		}
	}
	return 0, ErrNoIDs
}

// Admit validates and installs info into a slot, returning the resulting
// Status. A caller-supplied nonzero InstanceID that names a live (Running)
// slot is rejected with StatusIDConflict, leaving that slot untouched. A
// zero InstanceID is assigned the next free id; saturation yields
// StatusNoIDs. On success the slot transitions to StatusStarting — the
// caller (master loop) flips it to StatusRunning once the NF acknowledges.
func (r *Registry) Admit(info AdmissionInfo) (uint16, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := info.InstanceID
	if id != 0 {
		if existing := r.slots[id]; existing != nil && existing.Status() == StatusRunning {
			return id, StatusIDConflict
		}
	} else {
		free, err := r.nextFreeIDLocked()
		if err != nil {
			return 0, StatusNoIDs
		}
		id = free
	}

	rxCap := info.RXCapacity
	if rxCap <= 0 {
		rxCap = 1024
	}
	txCap := info.TXCapacity
	if txCap <= 0 {
		txCap = 1024
	}

	d := &Descriptor{
		InstanceID:   id,
		ServiceID:    info.ServiceID,
		WorkerPID:    info.WorkerPID,
		Tag:          info.Tag,
		RXRing:       ring.New(rxCap),
		TXRing:       ring.New(txCap),
		Stats:        &Stats{},
		Backpressure: backpressure.NewState(info.BFTCapacity),
	}
	d.setStatus(StatusStarting)
	r.slots[id] = d
	return id, StatusStarting
}

// MarkRunning transitions an admitted slot from Starting to Running and
// adds it to its service's instance list exactly once: every Running NF
// appears exactly once in its service's list. A service already at
// MaxClientsPerService is refused with an error and the slot keeps its
// previous status.
func (r *Registry) MarkRunning(instanceID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.slots[instanceID]
	if d == nil {
		return fmt.Errorf("registry: no such slot %d", instanceID)
	}
	list := r.services[d.ServiceID]
	for _, id := range list {
		if id == instanceID {
			d.setStatus(StatusRunning)
			return nil // already present
		}
	}
	if len(list) >= MaxClientsPerService {
		return fmt.Errorf("registry: service %d already has %d instances", d.ServiceID, MaxClientsPerService)
	}
	d.setStatus(StatusRunning)
	r.services[d.ServiceID] = append(list, instanceID)
	return nil
}

// Retire reclaims instanceID's slot unconditionally: removes it from its
// service's instance list, left-shifting past the removed index so the
// list stays gap-free, and frees the slot.
func (r *Registry) Retire(instanceID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.slots[instanceID]
	if d == nil {
		return
	}
	d.setStatus(StatusStopped)
	list := r.services[d.ServiceID]
	for i, id := range list {
		if id == instanceID {
			r.services[d.ServiceID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.slots[instanceID] = nil
}

// Get returns the descriptor for instanceID, or (nil, false) if the slot
// is unoccupied.
func (r *Registry) Get(instanceID uint16) (*Descriptor, bool) {
	if instanceID == 0 || instanceID >= MaxClients {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.slots[instanceID]
	return d, d != nil
}

// All returns every occupied slot in id order, for the master loop's
// liveness probe and the stats printer.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, MaxClients)
	for _, d := range r.slots {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.slots {
		if d != nil {
			n++
		}
	}
	return n
}

// Resolve picks a Running instance of serviceID via the configured
// strategy (flowHash mod instance count by default), returning (0, false)
// when the service has no Running instances — an explicit ok bool instead
// of an overloaded zero value.
func (r *Registry) Resolve(serviceID uint16, flowHash uint32) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.services[serviceID]
	if len(list) == 0 {
		return 0, false
	}
	return r.strategy.Pick(serviceID, flowHash, list)
}

// SetThrottle implements backpressure.UpstreamMarker: it looks up
// instanceID's slot and flips its ThrottleUpstream flag, the hook the
// wake-up scheduler reads to refuse scheduling a marked NF.
func (r *Registry) SetThrottle(instanceID uint16, on bool) {
	d, ok := r.Get(instanceID)
	if !ok {
		return
	}
	d.Backpressure.SetThrottleUpstream(on)
}

// ServiceInstances returns a copy of serviceID's current Running instance
// list, for tests and the stats printer.
func (r *Registry) ServiceInstances(serviceID uint16) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.services[serviceID]
	out := make([]uint16, len(list))
	copy(out, list)
	return out
}

// SignalFunc probes a worker PID's liveness, matching syscall.Kill(pid, 0)
// semantics: nil means alive, non-nil means the process is gone.
type SignalFunc func(pid int) error

// Reap signals every Running NF's PID with probe and retires any slot
// whose probe fails, without a second contact attempt. It returns the
// instance ids retired this pass.
func (r *Registry) Reap(probe SignalFunc) []uint16 {
	var retired []uint16
	for _, d := range r.All() {
		if d.Status() != StatusRunning {
			continue
		}
		if err := probe(d.WorkerPID); err != nil {
			r.Retire(d.InstanceID)
			retired = append(retired, d.InstanceID)
		}
	}
	return retired
}

// AdmissionQueue is a bounded, non-blocking submission channel NFs use to
// announce themselves.
type AdmissionQueue struct {
	ch chan AdmissionInfo
}

// NewAdmissionQueue creates an AdmissionQueue with the given bounded
// capacity.
func NewAdmissionQueue(capacity int) *AdmissionQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &AdmissionQueue{ch: make(chan AdmissionInfo, capacity)}
}

// Submit enqueues info without blocking; it reports false if the queue is
// full (the caller, an NF, should retry — never the manager's concern).
func (q *AdmissionQueue) Submit(info AdmissionInfo) bool {
	select {
	case q.ch <- info:
		return true
	default:
		return false
	}
}

// Drain removes and returns every currently queued submission without
// blocking, for the master loop's 1-second tick.
func (q *AdmissionQueue) Drain() []AdmissionInfo {
	var out []AdmissionInfo
	for {
		select {
		case info := <-q.ch:
			out = append(out, info)
		default:
			return out
		}
	}
}
