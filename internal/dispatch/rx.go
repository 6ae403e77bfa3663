package dispatch

import "onvmgo.dev/onvm/internal/frame"

// RXWorker owns one NIC queue index across every configured port and fans
// each dequeued frame into the resolve-and-dispatch loop.
type RXWorker struct {
	Queue   int
	PortIDs []uint16
	*Dispatcher
}

// NewRXWorker creates an RXWorker polling queue across portIDs, sharing d's
// collaborators.
func NewRXWorker(queue int, portIDs []uint16, d *Dispatcher) *RXWorker {
	return &RXWorker{Queue: queue, PortIDs: portIDs, Dispatcher: d}
}

// RunOnce performs one RX batch pass over every assigned port: dequeue up
// to Batch frames, drop the whole batch immediately if the registry has no
// admitted NFs at all, otherwise resolve and dispatch each frame, then
// flush every staging buffer that reached Batch plus whatever remains.
func (w *RXWorker) RunOnce(ts *ThreadState) {
	for _, portID := range w.PortIDs {
		frames := w.NIC.RXBurst(w.Queue, Batch)
		if len(frames) == 0 {
			continue
		}
		if p := w.Ports.Get(portID); p != nil {
			p.RXCount.Add(uint64(len(frames)))
		}

		if w.Registry.Count() == 0 {
			for _, f := range frames {
				w.Pool.Put(f)
			}
			continue
		}

		for _, f := range frames {
			f.Meta = frame.Sidecar{Action: frame.ActionNext, ChainIndex: 0}
			w.dispatch(ts, f, nil, 0)
		}
	}
	w.FlushAll(ts)
}
