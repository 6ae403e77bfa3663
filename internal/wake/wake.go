// Package wake implements the wake-up scheduler: load sampling, optional
// per-core weight assignment, priority ordering, and the wake/force-block
// decision for NFs blocked behind internal/ipc.
package wake

import (
	"sync"
	"time"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/ipc"
	"onvmgo.dev/onvm/internal/registry"
)

// DefaultTickInterval is the scheduler's default wake-decision cadence.
const DefaultTickInterval = 100 * time.Microsecond

// LoadSampleEvery is how many ticks elapse between load/cost re-sampling
// passes.
const LoadSampleEvery = 10

// DefaultShare is the nominal per-NF share used by dynamic weight
// assignment before scaling by relative cost.
const DefaultShare = 1024

// WeightSink receives a computed per-NF weight/exec-period pair. A real
// deployment points this at the OS group-scheduler share knob; the default
// sink used by tests and single-process deployments simply records the
// last value pushed.
type WeightSink interface {
	SetWeight(instanceID uint16, share int64, execPeriod int64)
}

// NoopWeightSink discards every weight it is pushed.
type NoopWeightSink struct{}

// SetWeight implements WeightSink as a no-op.
func (NoopWeightSink) SetWeight(uint16, int64, int64) {}

// RecordingWeightSink remembers the last weight pushed per instance, for
// tests that need to assert on what Recompute decided.
type RecordingWeightSink struct {
	mu      sync.Mutex
	shares  map[uint16]int64
	periods map[uint16]int64
}

// NewRecordingWeightSink creates an empty RecordingWeightSink.
func NewRecordingWeightSink() *RecordingWeightSink {
	return &RecordingWeightSink{shares: make(map[uint16]int64), periods: make(map[uint16]int64)}
}

// SetWeight records share/execPeriod for instanceID.
func (s *RecordingWeightSink) SetWeight(instanceID uint16, share int64, execPeriod int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[instanceID] = share
	s.periods[instanceID] = execPeriod
}

// Share returns the last share recorded for instanceID.
func (s *RecordingWeightSink) Share(instanceID uint16) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares[instanceID]
}

// ExecPeriod returns the last exec period recorded for instanceID.
func (s *RecordingWeightSink) ExecPeriod(instanceID uint16) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periods[instanceID]
}

// CoreAssignment maps each Running NF instance to the core index that polls
// it, for per-core weight and priority grouping. NFs not present in the map
// are treated as core 0.
type CoreAssignment map[uint16]int

// Config selects the scheduler's optional behaviors.
type Config struct {
	// DynamicWeights enables cost*load weighting instead of cost-only
	// static weighting in Recompute's weight assignment step.
	DynamicWeights bool
	// EpochCycles is the per-core budget ExecPeriod is carved out of.
	EpochCycles int64
	// WakeThreshold is the minimum RX ring depth required before a
	// force-blocked NF is woken.
	WakeThreshold int
}

// DefaultWakeThreshold is the "has work worth waking for" baseline: at
// least one full batch queued.
const DefaultWakeThreshold = 32

// nfState is the scheduler's private per-NF bookkeeping, separate from
// registry.Stats so repeated EWMA updates don't contend with the hot-path
// counters. The last* fields hold the counter values observed at the
// previous sampling pass, from which the next pass derives its deltas.
type nfState struct {
	pleaseBlock bool

	lastRX     uint64
	lastRXDrop uint64
	lastTX     uint64
}

// Scheduler owns the wake decision loop. One Scheduler serves every core;
// per-NF transient state (PleaseBlock) lives here, not in the registry.
type Scheduler struct {
	cfg   Config
	reg   *registry.Registry
	cores CoreAssignment
	bp    *backpressure.Engine

	mu     sync.Mutex
	states map[uint16]*nfState

	tick int
}

// New creates a Scheduler bound to reg, waking/blocking NFs according to
// cores' per-core grouping (nil treats every NF as a single core). bp is
// consulted for the global-mode bottleneck fallback in decide; a nil bp
// simply disables that check, matching a deployment with no backpressure
// engine configured at all.
func New(cfg Config, reg *registry.Registry, cores CoreAssignment, bp *backpressure.Engine) *Scheduler {
	if cfg.WakeThreshold <= 0 {
		cfg.WakeThreshold = DefaultWakeThreshold
	}
	if cores == nil {
		cores = make(CoreAssignment)
	}
	return &Scheduler{cfg: cfg, reg: reg, cores: cores, bp: bp, states: make(map[uint16]*nfState)}
}

func (s *Scheduler) stateFor(instanceID uint16) *nfState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[instanceID]
	if !ok {
		st = &nfState{}
		s.states[instanceID] = st
	}
	return st
}

// coreOf returns the core instanceID was assigned to, defaulting to 0.
func (s *Scheduler) coreOf(instanceID uint16) int {
	return s.cores[instanceID]
}

// Recompute runs one full wake-decision tick: optional load sampling (every
// LoadSampleEvery calls), optional weight assignment, per-core priority
// sort by descending Load, and the wake/force-block decision for each NF in
// that order. wakers supplies the ipc.Waker used to signal a given
// instance; a nil entry for an instance is treated as "no wake primitive,
// skip signalling" (e.g. the NF runs in Poll mode).
func (s *Scheduler) Recompute(wakers map[uint16]ipc.Waker, sink WeightSink) {
	if sink == nil {
		sink = NoopWeightSink{}
	}
	s.mu.Lock()
	s.tick++
	sample := s.tick%LoadSampleEvery == 0
	s.mu.Unlock()

	byCore := make(map[int][]*registry.Descriptor)
	for _, d := range s.reg.All() {
		if d.Status() != registry.StatusRunning {
			continue
		}
		if sample {
			s.sampleLoad(d)
		}
		core := s.coreOf(d.InstanceID)
		byCore[core] = append(byCore[core], d)
	}

	for _, descs := range byCore {
		insertionSortByLoadDesc(descs)

		if sample {
			s.assignWeights(descs, sink)
		}

		for _, d := range descs {
			s.decide(d, wakers)
		}
	}
}

// sampleLoad refreshes one NF's load estimates: load is the number of
// packets queued plus dropped since the previous sampling pass
// (ΔRX + ΔRXDrop), and the service rate is ΔTX. Both are folded into
// their rolling estimates with a quarter-weight EWMA. CompCost is not
// derived here, and no code in this module writes Stats.CompCostNanos;
// assignWeights reads whatever value it holds.
func (s *Scheduler) sampleLoad(d *registry.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[d.InstanceID]
	if !ok {
		st = &nfState{}
		s.states[d.InstanceID] = st
	}

	rx := d.Stats.RX.Load()
	rxDrop := d.Stats.RXDrop.Load()
	tx := d.Stats.TX.Load()

	load := int64(rx - st.lastRX + rxDrop - st.lastRXDrop)
	svcRate := int64(tx - st.lastTX)
	st.lastRX, st.lastRXDrop, st.lastTX = rx, rxDrop, tx

	old := d.Stats.Load.Load()
	d.Stats.Load.Store(old + (load-old)/4)
	oldRate := d.Stats.SvcRate.Load()
	d.Stats.SvcRate.Store(oldRate + (svcRate-oldRate)/4)
}

// insertionSortByLoadDesc sorts descs by descending Load.Load() —
// insertion sort over at most MaxClients entries, allocation-free, and
// stable so priority order does not churn under equal load.
func insertionSortByLoadDesc(descs []*registry.Descriptor) {
	for i := 1; i < len(descs); i++ {
		key := descs[i]
		keyLoad := key.Stats.Load.Load()
		j := i - 1
		for j >= 0 && descs[j].Stats.Load.Load() < keyLoad {
			descs[j+1] = descs[j]
			j--
		}
		descs[j+1] = key
	}
}

// assignWeights computes per-core shares: sum cost*load (dynamic) or cost
// alone (static) across descs, then push each NF's share and exec period
// to sink.
func (s *Scheduler) assignWeights(descs []*registry.Descriptor, sink WeightSink) {
	if len(descs) == 0 {
		return
	}
	var total int64
	costs := make([]int64, len(descs))
	for i, d := range descs {
		cost := d.Stats.CompCostNanos.Load()
		if cost <= 0 {
			cost = 1
		}
		if s.cfg.DynamicWeights {
			cost *= d.Stats.Load.Load()
			if cost <= 0 {
				cost = 1
			}
		}
		costs[i] = cost
		total += cost
	}
	if total <= 0 {
		total = 1
	}
	n := int64(len(descs))
	epoch := s.cfg.EpochCycles
	for i, d := range descs {
		share := (n * DefaultShare * costs[i]) / total
		var execPeriod int64
		if epoch > 0 {
			execPeriod = (costs[i] * epoch) / total
		}
		sink.SetWeight(d.InstanceID, share, execPeriod)
	}
}

// decide makes the wake/force-block call for one NF. A Throttled upstream NF
// (from backpressure mechanism (b)), or one whose service the global-mode
// bottleneck fallback names as upstream (mechanism (a)'s table-less path),
// is forced to stay blocked and never signalled; otherwise an NF whose RX
// ring has crossed WakeThreshold while force-blocked is woken.
func (s *Scheduler) decide(d *registry.Descriptor, wakers map[uint16]ipc.Waker) {
	st := s.stateFor(d.InstanceID)

	if d.Backpressure.ThrottleUpstream() || (s.bp != nil && s.bp.GlobalBottlenecked(d.ServiceID)) {
		if !st.pleaseBlock {
			st.pleaseBlock = true
		}
		d.Stats.Throttled.Add(1)
		return
	}

	if st.pleaseBlock && d.RXRing.Count() >= s.cfg.WakeThreshold {
		st.pleaseBlock = false
		d.Stats.WakeUps.Add(1)
		if w := wakers[d.InstanceID]; w != nil {
			_ = w.Wake()
		}
	}
}

// Block marks instanceID as force-blocked without consulting backpressure,
// for tests and for the manager's own shutdown path which wants every NF
// parked before tearing down rings.
func (s *Scheduler) Block(instanceID uint16) {
	s.stateFor(instanceID).pleaseBlock = true
}

// PleaseBlock reports whether instanceID is currently force-blocked.
func (s *Scheduler) PleaseBlock(instanceID uint16) bool {
	return s.stateFor(instanceID).pleaseBlock
}
