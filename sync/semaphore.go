package sync

import (
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/internal/tcblist"
	"github.com/dist-go/rtkernel/kernel"
)

// Semaphore is a counting semaphore with a maximum value. A
// Post with waiters present hands the token straight to the highest
// effective-priority waiter instead of touching the count, so a released
// waiter can never lose its token to a barging thread.
type Semaphore struct {
	k       *kernel.Kernel
	count   uint
	max     uint
	waiters *tcblist.List[uint8]
}

// NewSemaphore constructs a semaphore with the given initial count and
// maximum value; a zero max means no bound short of the counter's range.
func NewSemaphore(k *kernel.Kernel, initial, max uint) (*Semaphore, error) {
	if max != 0 && initial > max {
		return nil, kerr.New(kerr.Invalid, "initial count exceeds max value")
	}
	return &Semaphore{k: k, count: initial, max: max, waiters: tcblist.New[uint8]()}, nil
}

// Value returns the current count. Zero while threads are waiting.
func (sem *Semaphore) Value() uint {
	s := sem.k.Core()
	s.Enter()
	defer s.Exit()
	return sem.count
}

// Post increments the count or, if a thread is waiting, transfers the
// token to the highest-priority waiter directly. Fails with an OVERFLOW
// error at the maximum value.
func (sem *Semaphore) Post() error {
	s := sem.k.Core()
	s.Enter()
	if n := sem.waiters.Front(); n != nil {
		s.UnblockLocked(n, tcb.ReasonNormal)
		self := s.CurrentLocked()
		s.Exit()
		s.Reschedule(self)
		return nil
	}
	if sem.max != 0 && sem.count == sem.max {
		s.Exit()
		return kerr.New(kerr.Overflow, "semaphore already at max value")
	}
	sem.count++
	s.Exit()
	return nil
}

// Wait decrements the count, blocking while it is zero.
func (sem *Semaphore) Wait() error {
	s := sem.k.Core()
	s.Enter()
	if sem.count > 0 {
		sem.count--
		s.Exit()
		return nil
	}
	// Token arrives by direct hand-off in Post; nothing to decrement on
	// the way out.
	return s.BlockFromCriticalSection(sem.waiters, tcb.StateBlockedOnSemaphore)
}

// TryWait decrements without blocking, failing with a WOULDBLOCK-style
// BUSY error when the count is zero.
func (sem *Semaphore) TryWait() error {
	s := sem.k.Core()
	s.Enter()
	defer s.Exit()
	if sem.count == 0 {
		return kerr.New(kerr.Busy, "semaphore count is zero")
	}
	sem.count--
	return nil
}

// TryWaitFor is Wait bounded by at least ticks ticks (one tick added).
func (sem *Semaphore) TryWaitFor(ticks uint64) error {
	return sem.TryWaitUntil(sem.k.Core().Deadline(ticks + 1))
}

// TryWaitUntil is Wait bounded by an absolute tick deadline.
func (sem *Semaphore) TryWaitUntil(deadline uint64) error {
	s := sem.k.Core()
	s.Enter()
	if sem.count > 0 {
		sem.count--
		s.Exit()
		return nil
	}
	return s.BlockUntilFromCriticalSection(sem.waiters, tcb.StateBlockedOnSemaphore, deadline)
}
