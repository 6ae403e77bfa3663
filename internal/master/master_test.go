package master_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/master"
	"onvmgo.dev/onvm/internal/registry"
	"onvmgo.dev/onvm/internal/wake"
)

func TestTickAdmitsAndMarksRunning(t *testing.T) {
	reg := registry.New()
	m := &master.Master{Registry: reg}

	q := registry.NewAdmissionQueue(4)
	require.True(t, q.Submit(registry.AdmissionInfo{ServiceID: 7, WorkerPID: 123}))

	var admitted []registry.Status
	m.OnAdmit = func(id uint16, status registry.Status) {
		admitted = append(admitted, status)
	}

	m.Tick(q)

	require.Len(t, admitted, 1)
	assert.Equal(t, registry.StatusRunning, admitted[0])
	assert.Equal(t, 1, reg.Count())
}

func TestTickReapsDeadNFs(t *testing.T) {
	reg := registry.New()
	id, status := reg.Admit(registry.AdmissionInfo{ServiceID: 1, WorkerPID: 999})
	require.Equal(t, registry.StatusStarting, status)
	require.NoError(t, reg.MarkRunning(id))
	d, ok := reg.Get(id)
	require.True(t, ok)

	m := &master.Master{
		Registry: reg,
		Probe: func(pid int) error {
			return errors.New("no such process")
		},
	}

	m.Tick(registry.NewAdmissionQueue(1))

	assert.Equal(t, registry.StatusStopped, d.Status())
	_, ok = reg.Get(id)
	assert.False(t, ok, "a reaped NF's slot is freed")
}

func TestTickRecomputesWakeSchedule(t *testing.T) {
	reg := registry.New()
	id, status := reg.Admit(registry.AdmissionInfo{ServiceID: 1, WorkerPID: 1})
	require.Equal(t, registry.StatusStarting, status)
	require.NoError(t, reg.MarkRunning(id))

	sched := wake.New(wake.Config{}, reg, nil, nil)
	sink := wake.NewRecordingWeightSink()

	m := &master.Master{Registry: reg, Scheduler: sched, Sink: sink}
	m.Tick(registry.NewAdmissionQueue(1))

	// Recompute must not panic with no wakers configured; nothing else to
	// assert until a load-sampling tick fires (every LoadSampleEvery
	// ticks), which this single Tick does not guarantee.
}

type recordingRenderer struct {
	calls int
}

func (r *recordingRenderer) Render(descs []*registry.Descriptor) {
	r.calls++
}

func TestTickRendersStatsEachPass(t *testing.T) {
	reg := registry.New()
	renderer := &recordingRenderer{}
	m := &master.Master{Registry: reg, Renderer: renderer}

	m.Tick(registry.NewAdmissionQueue(1))
	m.Tick(registry.NewAdmissionQueue(1))

	assert.Equal(t, 2, renderer.calls)
}
