package sync

import (
	"github.com/dist-go/rtkernel/internal/mutex"
	"github.com/dist-go/rtkernel/kernel"
)

// CondVar is a condition variable. Waiters must hold the same
// Mutex; notify requeues them onto that mutex's blocked list so they
// reacquire it in effective-priority order.
type CondVar struct {
	k  *kernel.Kernel
	cv *mutex.CondVar
}

// NewCondVar constructs a condition variable with no waiters.
func NewCondVar(k *kernel.Kernel) *CondVar {
	return &CondVar{k: k, cv: mutex.NewCondVar(k.Core())}
}

// Wait atomically releases m and blocks until notified; m is reacquired
// before returning. The caller must hold m exactly once.
func (cv *CondVar) Wait(m *Mutex) error {
	return cv.cv.Wait(cv.k.Core().Current(), m.cb)
}

// WaitFor is Wait bounded by at least ticks ticks (one tick added); a
// TIMEOUT error is returned after m has been reacquired.
func (cv *CondVar) WaitFor(m *Mutex, ticks uint64) error {
	s := cv.k.Core()
	return cv.cv.WaitUntil(s.Current(), m.cb, s.Deadline(ticks+1))
}

// WaitUntil is Wait bounded by an absolute tick deadline.
func (cv *CondVar) WaitUntil(m *Mutex, deadline uint64) error {
	return cv.cv.WaitUntil(cv.k.Core().Current(), m.cb, deadline)
}

// NotifyOne wakes the highest-priority waiter, if any.
func (cv *CondVar) NotifyOne() {
	cv.cv.NotifyOne(cv.k.Core().Current())
}

// NotifyAll wakes every waiter, preserving priority ordering.
func (cv *CondVar) NotifyAll() {
	cv.cv.NotifyAll(cv.k.Core().Current())
}
