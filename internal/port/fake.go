package port

import (
	"sync"

	"onvmgo.dev/onvm/internal/frame"
)

// FakeNIC is an in-memory NIC used by tests and single-process
// deployments. Each queue is backed by a plain slice guarded by a mutex;
// TXBurst accepts frames up to a configurable per-call limit so tests can
// exercise partial-transmit handling.
type FakeNIC struct {
	mu       sync.Mutex
	rxQueues map[int][]*frame.Frame
	txLog    map[uint16][]*frame.Frame

	// TXAccept caps how many frames TXBurst accepts per call; zero means
	// accept everything. Used to simulate a saturated link.
	TXAccept int
}

// NewFakeNIC creates an empty FakeNIC.
func NewFakeNIC() *FakeNIC {
	return &FakeNIC{
		rxQueues: make(map[int][]*frame.Frame),
		txLog:    make(map[uint16][]*frame.Frame),
	}
}

// Feed injects frames into a queue for a subsequent RXBurst to dequeue.
func (n *FakeNIC) Feed(queue int, fs ...*frame.Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rxQueues[queue] = append(n.rxQueues[queue], fs...)
}

func (n *FakeNIC) RXBurst(queue int, want int) []*frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.rxQueues[queue]
	if want > len(q) {
		want = len(q)
	}
	if want == 0 {
		return nil
	}
	out := q[:want]
	n.rxQueues[queue] = q[want:]
	return out
}

func (n *FakeNIC) TXBurst(port uint16, queue int, fs []*frame.Frame) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	accept := len(fs)
	if n.TXAccept > 0 && n.TXAccept < accept {
		accept = n.TXAccept
	}
	n.txLog[port] = append(n.txLog[port], fs[:accept]...)
	return accept
}

// Sent returns every frame this fake NIC has accepted for transmit on port.
func (n *FakeNIC) Sent(port uint16) []*frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*frame.Frame(nil), n.txLog[port]...)
}
