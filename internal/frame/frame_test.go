package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/frame"
)

func TestMarshalUnmarshalSidecarRoundTrip(t *testing.T) {
	s := frame.Sidecar{
		Action:      frame.ActionToNF,
		Destination: 0xBEEF,
		SrcInstance: 0x1234,
		ChainIndex:  3,
	}
	wire := frame.MarshalSidecar(s)
	require.Len(t, wire, frame.SidecarSize)

	got := frame.UnmarshalSidecar(wire[:])
	assert.Equal(t, s, got)
}

func TestMarshalSidecarByteLayout(t *testing.T) {
	s := frame.Sidecar{Action: frame.ActionOut, Destination: 1, SrcInstance: 2, ChainIndex: 1}
	wire := frame.MarshalSidecar(s)
	assert.Equal(t, byte(frame.ActionOut), wire[0])
	assert.Equal(t, byte(1), wire[1])
	assert.Equal(t, byte(0), wire[2])
	assert.Equal(t, byte(2), wire[3])
	assert.Equal(t, byte(0), wire[4])
	assert.Equal(t, byte(1), wire[5])
}

func TestUnmarshalSidecarPanicsOnShortBuffer(t *testing.T) {
	assert.Panics(t, func() {
		frame.UnmarshalSidecar([]byte{1, 2, 3})
	})
}

func TestFrameReset(t *testing.T) {
	f := &frame.Frame{Buf: []byte{1, 2, 3}, Meta: frame.Sidecar{Action: frame.ActionDrop, ChainIndex: 2}}
	f.Reset()
	assert.Equal(t, 0, len(f.Buf))
	assert.Equal(t, frame.Sidecar{}, f.Meta)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "drop", frame.ActionDrop.String())
	assert.Equal(t, "next", frame.ActionNext.String())
	assert.Equal(t, "tonf", frame.ActionToNF.String())
	assert.Equal(t, "out", frame.ActionOut.String())
}
