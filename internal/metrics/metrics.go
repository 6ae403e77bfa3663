// Package metrics also defines the manager's Prometheus collectors and a
// Renderer that pushes a registry snapshot into them once per master-loop
// tick.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"onvmgo.dev/onvm/internal/registry"
)

var (
	// NFStatus tracks each NF slot's current lifecycle status as a gauge,
	// one label value per possible status so dashboards can sum by state.
	NFStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onvm_nf_status",
			Help: "Current lifecycle status of an NF slot (1 = this status, 0 otherwise)",
		},
		[]string{"instance_id", "service_id", "status"},
	)

	// RXTotal mirrors registry.Stats.RX.
	RXTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_rx_total", Help: "Frames delivered to this NF's RX ring"},
		[]string{"instance_id"},
	)
	// TXTotal mirrors registry.Stats.TX.
	TXTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_tx_total", Help: "Frames dequeued from this NF's TX ring"},
		[]string{"instance_id"},
	)
	// RXDropTotal mirrors registry.Stats.RXDrop.
	RXDropTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_rx_drop_total", Help: "Frames dropped attempting to enqueue to this NF"},
		[]string{"instance_id"},
	)
	// BkprDropTotal mirrors registry.Stats.BkprDrop.
	BkprDropTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_bkpr_drop_total", Help: "Frames dropped upstream due to backpressure"},
		[]string{"instance_id"},
	)
	// WakeUpsTotal mirrors registry.Stats.WakeUps.
	WakeUpsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_wakeups_total", Help: "Times this NF was signalled by the wake-up scheduler"},
		[]string{"instance_id"},
	)
	// ThrottledTotal mirrors registry.Stats.Throttled.
	ThrottledTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_throttled_total", Help: "Wake ticks this NF was force-blocked by backpressure"},
		[]string{"instance_id"},
	)
	// ActTotal mirrors the per-action counters (registry.Stats.Act*),
	// labelled by the action the NF emitted.
	ActTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_act_total", Help: "Frames dequeued from this NF's TX ring, by emitted action"},
		[]string{"instance_id", "action"},
	)
	// Load mirrors registry.Stats.Load, the wake scheduler's EWMA of
	// packets queued+dropped per sampling interval.
	Load = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_load", Help: "EWMA of packets queued+dropped per sampling interval"},
		[]string{"instance_id"},
	)
	// MaxRXDepth mirrors registry.Stats.MaxRXDepth.
	MaxRXDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_max_rx_depth", Help: "Deepest RX ring occupancy observed for this NF"},
		[]string{"instance_id"},
	)
	// Bottlenecked tracks the current bottleneck state per NF (0/1).
	Bottlenecked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "onvm_nf_bottlenecked", Help: "1 if this NF is currently over its high watermark"},
		[]string{"instance_id"},
	)
	// RunningNFs tracks the current admitted/running NF count.
	RunningNFs = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "onvm_running_nfs", Help: "Number of currently occupied NF slots"},
	)
)

// Renderer pushes a registry.Descriptor snapshot into the package's
// Prometheus collectors, implementing internal/master.StatsRenderer.
type Renderer struct{}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer { return &Renderer{} }

// Render updates every collector from descs, called once per master tick.
func (Renderer) Render(descs []*registry.Descriptor) {
	RunningNFs.Set(float64(len(descs)))
	for _, d := range descs {
		id := itoa(d.InstanceID)
		svc := itoa(d.ServiceID)
		cur := d.Status()
		for s := registry.StatusWaitingForID; s <= registry.StatusNoIDs; s++ {
			v := 0.0
			if s == cur {
				v = 1
			}
			NFStatus.WithLabelValues(id, svc, s.String()).Set(v)
		}
		RXTotal.WithLabelValues(id).Set(float64(d.Stats.RX.Load()))
		TXTotal.WithLabelValues(id).Set(float64(d.Stats.TX.Load()))
		RXDropTotal.WithLabelValues(id).Set(float64(d.Stats.RXDrop.Load()))
		BkprDropTotal.WithLabelValues(id).Set(float64(d.Stats.BkprDrop.Load()))
		WakeUpsTotal.WithLabelValues(id).Set(float64(d.Stats.WakeUps.Load()))
		ThrottledTotal.WithLabelValues(id).Set(float64(d.Stats.Throttled.Load()))
		ActTotal.WithLabelValues(id, "drop").Set(float64(d.Stats.ActDrop.Load()))
		ActTotal.WithLabelValues(id, "next").Set(float64(d.Stats.ActNext.Load()))
		ActTotal.WithLabelValues(id, "tonf").Set(float64(d.Stats.ActToNF.Load()))
		ActTotal.WithLabelValues(id, "out").Set(float64(d.Stats.ActOut.Load()))
		Load.WithLabelValues(id).Set(float64(d.Stats.Load.Load()))
		MaxRXDepth.WithLabelValues(id).Set(float64(d.Stats.MaxRXDepth.Load()))
		bn := 0.0
		if d.Backpressure.Bottlenecked() {
			bn = 1.0
		}
		Bottlenecked.WithLabelValues(id).Set(bn)
	}
}

func itoa(v uint16) string {
	const digits = "0123456789"
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}
