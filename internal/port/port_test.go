package port_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/frame"
	"onvmgo.dev/onvm/internal/port"
)

func TestTableGetAndAll(t *testing.T) {
	tbl := port.NewTable([]uint16{0, 1})
	require.Equal(t, 2, tbl.Len())
	assert.NotNil(t, tbl.Get(0))
	assert.Nil(t, tbl.Get(5))
	assert.Len(t, tbl.All(), 2)
}

func TestFakeNICRXBurst(t *testing.T) {
	nic := port.NewFakeNIC()
	nic.Feed(0, &frame.Frame{}, &frame.Frame{}, &frame.Frame{})

	got := nic.RXBurst(0, 2)
	assert.Len(t, got, 2)
	got2 := nic.RXBurst(0, 5)
	assert.Len(t, got2, 1)
	assert.Empty(t, nic.RXBurst(0, 1))
}

func TestFakeNICTXBurstPartialAccept(t *testing.T) {
	nic := port.NewFakeNIC()
	nic.TXAccept = 1
	sent := nic.TXBurst(0, 0, []*frame.Frame{{}, {}, {}})
	assert.Equal(t, 1, sent)
	assert.Len(t, nic.Sent(0), 1)
}
