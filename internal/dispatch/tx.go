package dispatch

import (
	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/registry"
)

// Range is a contiguous [First, Last) span of NF instance ids one TX worker
// owns.
type Range struct {
	First uint16
	Last  uint16
}

// AssignTXRanges splits the assignable instance id space [1, MaxClients)
// into workers contiguous, roughly equal ranges, assigned once at boot.
// workers must be at least 1.
func AssignTXRanges(workers int) []Range {
	if workers < 1 {
		workers = 1
	}
	total := registry.MaxClients - 1 // valid ids: [1, MaxClients)
	base := total / workers
	extra := total % workers

	ranges := make([]Range, workers)
	next := uint16(1)
	for i := 0; i < workers; i++ {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = Range{First: next, Last: next + uint16(size)}
		next += uint16(size)
	}
	return ranges
}

// TXWorker owns a Range of NF slots and, each tick, drains their TX rings
// and the manager's own TX port buffers.
type TXWorker struct {
	Range
	*Dispatcher
}

// NewTXWorker creates a TXWorker for r, sharing d's collaborators.
func NewTXWorker(r Range, d *Dispatcher) *TXWorker {
	return &TXWorker{Range: r, Dispatcher: d}
}

// RunOnce performs one TX batch pass: for every Running slot in range,
// bulk-dequeue up to Batch frames from its TX ring, credit the slot's
// per-action counters, and dispatch each frame by its own Meta.Action.
// The same pass runs the backpressure clear scan: a slot marked
// bottlenecked whose RX ring has drained below the low watermark has its
// BFT drained and its recorded chain bits cleared. Finishes by flushing
// every staging buffer.
func (w *TXWorker) RunOnce(ts *ThreadState) {
	for id := w.First; id < w.Last; id++ {
		d, ok := w.Registry.Get(id)
		if !ok || d.Status() != registry.StatusRunning || d.TXRing == nil {
			continue
		}
		d.Stats.SampleMaxDepth(d.RXRing.Count(), d.TXRing.Count())
		if d.Backpressure.Bottlenecked() && d.RXRing.BelowLow() {
			w.Enqueue.Backpressure.ClearIfBelowLow(d.Backpressure, w.Registry)
		}
		frames := d.TXRing.DequeueBurst(Batch)
		if len(frames) == 0 {
			continue
		}
		d.Stats.TX.Add(uint64(len(frames)))
		for _, f := range frames {
			switch f.Meta.Action {
			case frame.ActionDrop:
				d.Stats.ActDrop.Add(1)
			case frame.ActionNext:
				d.Stats.ActNext.Add(1)
			case frame.ActionToNF:
				d.Stats.ActToNF.Add(1)
			case frame.ActionOut:
				d.Stats.ActOut.Add(1)
			default:
				d.Stats.ActDrop.Add(1)
			}
			w.dispatch(ts, f, nil, id)
		}
	}
	w.FlushAll(ts)
}
