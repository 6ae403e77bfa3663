// Package mempool implements the frame buffer allocator. It enforces the
// "a frame appears in at most one ring at a time" invariant by tracking
// outstanding checkouts and, in test builds, detecting double-frees.
package mempool

import (
	"sync"
	"sync/atomic"

	"onvmgo.dev/onvm/internal/frame"
)

// Pool allocates and reclaims *frame.Frame buffers.
type Pool interface {
	Get() *frame.Frame
	Put(*frame.Frame)
	// Outstanding returns the number of frames currently checked out.
	Outstanding() int64
}

// Option configures a Pool at construction time.
type Option func(*pool)

// WithDoubleFreeDetection enables tracking of every live checkout so that a
// second Put of the same frame panics instead of silently corrupting the
// outstanding count. Intended for tests, where the cost of the bookkeeping
// is immaterial.
func WithDoubleFreeDetection() Option {
	return func(p *pool) {
		p.detectDoubleFree = true
		p.live = make(map[*frame.Frame]struct{})
	}
}

// WithBufferSize sets the capacity of Buf allocated for each new frame.
func WithBufferSize(n int) Option {
	return func(p *pool) {
		p.bufSize = n
	}
}

type pool struct {
	bufSize int

	outstanding int64

	detectDoubleFree bool
	mu               sync.Mutex
	live             map[*frame.Frame]struct{}
}

// New creates a Pool. Frames are allocated on demand (Get never blocks on
// a fixed-size backing array); the abstraction is about ownership
// accounting, not pre-allocation — the GC reclaims the memory itself.
func New(opts ...Option) Pool {
	p := &pool{bufSize: 2048}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *pool) Get() *frame.Frame {
	f := &frame.Frame{Buf: make([]byte, 0, p.bufSize)}
	atomic.AddInt64(&p.outstanding, 1)
	if p.detectDoubleFree {
		p.mu.Lock()
		p.live[f] = struct{}{}
		p.mu.Unlock()
	}
	return f
}

func (p *pool) Put(f *frame.Frame) {
	if f == nil {
		return
	}
	if p.detectDoubleFree {
		p.mu.Lock()
		if _, ok := p.live[f]; !ok {
			p.mu.Unlock()
			panic("mempool: double free or free of frame not owned by this pool")
		}
		delete(p.live, f)
		p.mu.Unlock()
	}
	f.Reset()
	atomic.AddInt64(&p.outstanding, -1)
}

func (p *pool) Outstanding() int64 {
	return atomic.LoadInt64(&p.outstanding)
}
