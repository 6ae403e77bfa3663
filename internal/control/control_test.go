package control_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/control"
	"onvmgo.dev/onvm/internal/registry"
)

func startServer(t *testing.T) (*control.Server, *control.Client, *registry.AdmissionQueue, *registry.Registry) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "onvm-mgr.sock")
	queue := registry.NewAdmissionQueue(4)
	reg := registry.New()
	srv := control.NewServer(sock, queue, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the listener a moment to come up.
	var client *control.Client
	for i := 0; i < 50; i++ {
		client = control.NewClient(sock, time.Second)
		if _, err := client.Call(ctx, "ping", nil); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, client, queue, reg
}

func TestPingRoundTrip(t *testing.T) {
	_, client, _, _ := startServer(t)
	resp, err := client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestAdmitNFEnqueuesSubmission(t *testing.T) {
	_, client, queue, _ := startServer(t)

	resp, err := client.AdmitNF(context.Background(), control.AdmitParams{ServiceID: 3, Tag: "firewall", WorkerPID: 42})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	drained := queue.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, uint16(3), drained[0].ServiceID)
	assert.Equal(t, 42, drained[0].WorkerPID)
}

func TestAdmitNFRejectsReservedService(t *testing.T) {
	_, client, _, _ := startServer(t)
	resp, err := client.AdmitNF(context.Background(), control.AdmitParams{ServiceID: 0})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestStatsReflectsRegistry(t *testing.T) {
	_, client, _, reg := startServer(t)
	id, status := reg.Admit(registry.AdmissionInfo{ServiceID: 9, WorkerPID: 7})
	require.Equal(t, registry.StatusStarting, status)
	require.NoError(t, reg.MarkRunning(id))

	resp, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}
