// Package ipc implements the manager side of the NF wake-up primitive. One
// of several equivalent mechanisms is selected per deployment — a counting
// semaphore, a process signal, a socket, or plain busy-polling — all
// exposing the same post/wait semantics. NF workers are external
// processes; these implementations cover the manager side of each wire.
package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is the manager-side handle used to wake one parked NF. Wake must
// never block the caller (the wake-up scheduler runs on a hot tick).
type Waker interface {
	// Wake posts to the NF's block primitive. It is safe to call Wake on
	// an NF that is not currently blocked; the post is simply absorbed
	// (semaphore count, or a signal/byte that arrives before the NF parks
	// and is observed on its next poll).
	Wake() error
}

// Mode selects which wake primitive a build uses. Exactly one mode is
// active per manager instance.
type Mode int

const (
	// ModePoll configures no IPC at all: the NF is assumed to busy-poll
	// its RX ring and Wake is a no-op.
	ModePoll Mode = iota
	// ModeSemaphore uses a counting channel with POSIX-semaphore post/wait
	// semantics; no OS primitive is needed when both sides are reachable
	// in-process.
	ModeSemaphore
	// ModeSignal delivers SIGUSR1 to the NF's worker PID.
	ModeSignal
	// ModeSocket posts a single "wake" byte over a Unix datagram socket.
	ModeSocket
)

func (m Mode) String() string {
	switch m {
	case ModePoll:
		return "poll"
	case ModeSemaphore:
		return "semaphore"
	case ModeSignal:
		return "signal"
	case ModeSocket:
		return "socket"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// PollWaker is the no-op Waker for ModePoll.
type PollWaker struct{}

func (PollWaker) Wake() error { return nil }

// SemWaker is a counting-channel semaphore: Wake posts non-blocking,
// saturating at cap 1 — a parked NF only needs to know "at least one wake
// is pending", never a count.
type SemWaker struct {
	ch chan struct{}
}

// NewSemWaker creates a SemWaker with a single-slot pending-wake buffer.
func NewSemWaker() *SemWaker {
	return &SemWaker{ch: make(chan struct{}, 1)}
}

func (s *SemWaker) Wake() error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks the (test/in-process) consumer until a post arrives.
func (s *SemWaker) Wait() {
	<-s.ch
}

// SignalWaker delivers SIGUSR1 to a worker PID.
type SignalWaker struct {
	PID int
}

func (w SignalWaker) Wake() error {
	if w.PID <= 0 {
		return fmt.Errorf("ipc: invalid pid %d", w.PID)
	}
	return unix.Kill(w.PID, unix.SIGUSR1)
}

// SocketWaker posts one byte to a Unix datagram socket, the FIFO/socket
// flavor of the wake channel.
type SocketWaker struct {
	send func(b byte) error
}

// NewSocketWaker wraps a send function (typically a *net.UnixConn.Write
// call) so this package has no direct dependency on internal/control.
func NewSocketWaker(send func(b byte) error) *SocketWaker {
	return &SocketWaker{send: send}
}

func (w *SocketWaker) Wake() error {
	if w.send == nil {
		return nil
	}
	return w.send(1)
}
