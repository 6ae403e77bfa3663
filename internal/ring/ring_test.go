package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/ring"
)

func frames(n int) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = &frame.Frame{Buf: []byte{byte(i)}}
	}
	return out
}

func TestEnqueueDequeueBasic(t *testing.T) {
	r := ring.New(8)
	st := r.EnqueueBurst(frames(3))
	assert.Equal(t, ring.OK, st)
	assert.Equal(t, 3, r.Count())

	got := r.DequeueBurst(3)
	require.Len(t, got, 3)
	assert.Equal(t, 0, r.Count())
}

func TestEnqueueNoBufsWhenBatchExceedsFreeSpace(t *testing.T) {
	r := ring.New(4)
	st := r.EnqueueBurst(frames(5))
	assert.Equal(t, ring.ErrNoBufs, st)
	assert.Equal(t, 0, r.Count(), "rejected batch must not partially enqueue")
}

func TestEnqueueDQuotAtHighWatermark(t *testing.T) {
	r := ring.New(8) // high = 6
	st := r.EnqueueBurst(frames(6))
	assert.Equal(t, ring.ErrDQuot, st)
	assert.Equal(t, 6, r.Count())
	assert.True(t, r.AboveHigh())
}

func TestDequeueBurstReturnsAvailableWithoutBlocking(t *testing.T) {
	r := ring.New(8)
	r.EnqueueBurst(frames(2))
	got := r.DequeueBurst(10)
	assert.Len(t, got, 2)
}

func TestDequeueBurstEmptyRing(t *testing.T) {
	r := ring.New(8)
	assert.Nil(t, r.DequeueBurst(5))
}

func TestWatermarkHysteresis(t *testing.T) {
	r := ring.New(10) // high=7, low=5
	r.EnqueueBurst(frames(7))
	assert.True(t, r.AboveHigh())
	assert.False(t, r.BelowLow())

	r.DequeueBurst(4) // 3 left
	assert.True(t, r.BelowLow())
}

func TestRingPreservesFIFOOrder(t *testing.T) {
	r := ring.New(8)
	fs := frames(4)
	r.EnqueueBurst(fs)
	got := r.DequeueBurst(4)
	for i, f := range got {
		assert.Same(t, fs[i], f)
	}
}
