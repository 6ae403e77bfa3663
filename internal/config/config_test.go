package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/ipc"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "onvm-mgr.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTmpConfig(t, `
onvm-mgr:
  ports:
    portmask: 0x3
  workers:
    rx_workers: 1
    tx_workers: 1
  wake:
    mode: semaphore
    dynamic_weights: true
  backpressure:
    drop_upstream: true
    schedule_throttle: true
  control:
    socket: /tmp/onvm-test.sock
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []uint16{0, 1}, cfg.Ports.PortIDs())
	require.Equal(t, ipc.ModeSemaphore, cfg.Wake.IPCMode())
	require.True(t, cfg.Wake.DynamicWeights)
	require.True(t, cfg.Backpressure.ScheduleThrottle)
	require.Equal(t, "/tmp/onvm-test.sock", cfg.Control.Socket)
}

func TestPortIDsExpandsBitmask(t *testing.T) {
	p := PortsConfig{Portmask: 0b1011}
	require.Equal(t, []uint16{0, 1, 3}, p.PortIDs())
}

func TestRequiredCPUs(t *testing.T) {
	w := WorkersConfig{RXWorkers: 2, TXWorkers: 3}
	require.Equal(t, 7, w.RequiredCPUs())
}

func TestIPCModeDefaultsToPoll(t *testing.T) {
	require.Equal(t, ipc.ModePoll, WakeConfig{Mode: "nonsense"}.IPCMode())
	require.Equal(t, ipc.ModeSignal, WakeConfig{Mode: "Signal"}.IPCMode())
}

func TestValidateRejectsTooFewCPUs(t *testing.T) {
	cfg := &ManagerConfig{
		Ports:   PortsConfig{Portmask: 1},
		Workers: WorkersConfig{RXWorkers: 1000, TXWorkers: 1000},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsEmptyPortmask(t *testing.T) {
	cfg := &ManagerConfig{
		Ports:   PortsConfig{Portmask: 0},
		Workers: WorkersConfig{RXWorkers: 1, TXWorkers: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoggerConfigSelectsBothWhenFileEnabled(t *testing.T) {
	l := LogConfig{
		Level: "info",
		File:  FileLogConfig{Enabled: true, Filename: "/tmp/onvm.log", MaxSizeMB: 10},
	}
	lc := l.LoggerConfig()
	require.Equal(t, "both", lc.Appender)
	require.Equal(t, "/tmp/onvm.log", lc.File.Filename)
}
