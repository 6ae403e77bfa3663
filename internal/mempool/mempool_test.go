package mempool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onvmgo.dev/onvm/internal/mempool"
)

func TestGetPutConservation(t *testing.T) {
	p := mempool.New()
	require.EqualValues(t, 0, p.Outstanding())

	f1 := p.Get()
	f2 := p.Get()
	assert.EqualValues(t, 2, p.Outstanding())

	p.Put(f1)
	assert.EqualValues(t, 1, p.Outstanding())
	p.Put(f2)
	assert.EqualValues(t, 0, p.Outstanding())
}

func TestPutResetsFrame(t *testing.T) {
	p := mempool.New()
	f := p.Get()
	f.Buf = append(f.Buf, 1, 2, 3)
	f.Meta.ChainIndex = 2
	p.Put(f)
	assert.Equal(t, 0, len(f.Buf))
	assert.EqualValues(t, 0, f.Meta.ChainIndex)
}

func TestDoubleFreeDetection(t *testing.T) {
	p := mempool.New(mempool.WithDoubleFreeDetection())
	f := p.Get()
	p.Put(f)
	assert.Panics(t, func() { p.Put(f) })
}

func TestPutNilIsNoop(t *testing.T) {
	p := mempool.New()
	assert.NotPanics(t, func() { p.Put(nil) })
	assert.EqualValues(t, 0, p.Outstanding())
}
