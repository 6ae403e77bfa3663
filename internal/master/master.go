// Package master implements the manager's master loop: at a fixed cadence
// it drains the new-NF admission queue, admits or retires entries, runs
// liveness probes, recomputes wake-up weights, and renders stats. A single
// goroutine; it must never block on an NF ring — every registry/wake call
// it makes is itself non-blocking.
package master

import (
	"context"
	"time"

	"onvmgo.dev/onvm/internal/ipc"
	"onvmgo.dev/onvm/internal/log"
	"onvmgo.dev/onvm/internal/registry"
	"onvmgo.dev/onvm/internal/wake"
)

// TickInterval is the master loop's default cadence.
const TickInterval = time.Second

// logWarn calls fn with the process-wide logger if one has been
// initialized (internal/log.Init), and is silently skipped otherwise —
// the master loop must never panic over an uninitialized logger in tests
// or minimal deployments that skip internal/log setup entirely.
func logWarn(fn func(log.Logger)) {
	if l := log.GetLogger(); l != nil {
		fn(l)
	}
}

// SignalProbe is the liveness probe hook, defaulting to a real PID
// signal-0 check at the call site (internal/ipc or golang.org/x/sys/unix);
// kept as a field so tests can fake process death without spawning real
// processes.
type SignalProbe = registry.SignalFunc

// StatsRenderer renders per-NF statistics; Master calls it once per tick
// with the current descriptor snapshot. internal/metrics supplies a
// Prometheus-backed implementation; a nil Renderer disables rendering
// entirely.
type StatsRenderer interface {
	Render(descs []*registry.Descriptor)
}

// Master owns the registry, wake scheduler, and the collaborators the
// per-tick maintenance pass needs.
type Master struct {
	Registry  *registry.Registry
	Scheduler *wake.Scheduler
	Wakers    map[uint16]ipc.Waker
	Sink      wake.WeightSink
	Probe     SignalProbe
	Renderer  StatsRenderer

	// OnAdmit is invoked once per drained admission record after Admit
	// decides a Status. A Starting admission is transitioned straight to
	// Running — see Tick; the hook is where callers register wake handles
	// or notify the NF of its assigned id.
	OnAdmit func(instanceID uint16, status registry.Status)
}

// Tick runs exactly one maintenance pass without sleeping. Run calls this
// every TickInterval.
func (m *Master) Tick(queue *registry.AdmissionQueue) {
	for _, info := range queue.Drain() {
		id, status := m.Registry.Admit(info)
		if status == registry.StatusStarting {
			if err := m.Registry.MarkRunning(id); err != nil {
				logWarn(func(l log.Logger) { log.WithInstanceID(l, id).WithError(err).Warn("master: failed to mark NF running") })
			} else {
				status = registry.StatusRunning
			}
		}
		if m.OnAdmit != nil {
			m.OnAdmit(id, status)
		}
	}

	if m.Probe != nil {
		retired := m.Registry.Reap(m.Probe)
		for _, id := range retired {
			logWarn(func(l log.Logger) { log.WithInstanceID(l, id).Warn("master: liveness probe failed, NF retired") })
		}
	}

	if m.Scheduler != nil {
		m.Scheduler.Recompute(m.Wakers, m.Sink)
	}

	if m.Renderer != nil {
		m.Renderer.Render(m.Registry.All())
	}
}

// Run blocks, calling Tick every TickInterval until ctx is cancelled.
func (m *Master) Run(ctx context.Context, queue *registry.AdmissionQueue) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(queue)
		}
	}
}
