package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/metrics"
	"onvmgo.dev/onvm/internal/registry"
)

func TestRenderUpdatesRunningGauge(t *testing.T) {
	reg := registry.New()
	id, status := reg.Admit(registry.AdmissionInfo{ServiceID: 1, WorkerPID: 1})
	require.Equal(t, registry.StatusStarting, status)
	require.NoError(t, reg.MarkRunning(id))

	r := metrics.NewRenderer()
	r.Render(reg.All())

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RunningNFs))
}
