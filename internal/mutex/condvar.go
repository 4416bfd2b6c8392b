// Condition variable. It lives in this package, not its own, because wait
// must atomically release the mutex and park, and notify must requeue
// waiters straight onto the mutex's blocked list; both need the
// ControlBlock's internals under the same critical section.

package mutex

import (
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/sched"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/internal/tcblist"
)

// CondVar is one condition variable: a priority-ordered wait list plus the
// mutex its current waiters released to get there.
type CondVar struct {
	sched   *sched.Scheduler
	waiters *tcblist.List[uint8]

	// bound is the mutex every current waiter released in Wait. Tracked so
	// notify can requeue waiters onto its blocked list; rebound freely once
	// the wait list drains.
	bound *ControlBlock
}

// NewCondVar constructs a condition variable with no waiters.
func NewCondVar(s *sched.Scheduler) *CondVar {
	return &CondVar{sched: s, waiters: tcblist.New[uint8]()}
}

// Wait atomically releases m and blocks on the wait list, reacquiring m
// before returning, whatever ended the wait.
// The caller must hold m with recursion depth exactly one; a recursive
// hold cannot be fully released on its owner's behalf.
func (cv *CondVar) Wait(self *tcb.TCB, m *ControlBlock) error {
	return cv.wait(self, m, false, 0)
}

// WaitUntil is Wait bounded by a tick deadline; kerr.Timeout is returned if
// it fires first, after the mutex has been reacquired.
func (cv *CondVar) WaitUntil(self *tcb.TCB, m *ControlBlock, deadline uint64) error {
	return cv.wait(self, m, true, deadline)
}

func (cv *CondVar) wait(self *tcb.TCB, m *ControlBlock, timed bool, deadline uint64) error {
	cv.sched.Enter()
	if m == nil || m.owner != self {
		cv.sched.Exit()
		return kerr.New(kerr.Invalid, "condition wait requires the caller to hold the mutex")
	}
	if m.recursionCount != 1 {
		cv.sched.Exit()
		return kerr.New(kerr.Invalid, "condition wait on a recursively held mutex")
	}
	if cv.waiters.Len() > 0 && cv.bound != m {
		cv.sched.Exit()
		return kerr.New(kerr.Invalid, "condition variable already bound to a different mutex")
	}
	cv.bound = m

	// Release while still holding the guard: a thread the release makes
	// runnable cannot run, and so cannot notify, until the block below has
	// parked us. No lost wakeup.
	if err := m.unlockLocked(self); err != nil {
		cv.sched.Exit()
		return err
	}

	var err error
	if timed {
		err = cv.sched.BlockUntilFromCriticalSection(cv.waiters, tcb.StateBlockedOnConditionVariable, deadline)
	} else {
		err = cv.sched.BlockFromCriticalSection(cv.waiters, tcb.StateBlockedOnConditionVariable)
	}

	// A notify that found the mutex held moved us onto its blocked list,
	// and the eventual unlock made us the owner; otherwise reacquire here,
	// blocking untimed: even a timed-out wait returns holding the mutex.
	if m.Owner() != self {
		if lockErr := m.Lock(self); err == nil {
			err = lockErr
		}
	}
	return err
}

// NotifyOne moves the highest-priority waiter to the bound mutex's blocked
// list (or straight to runnable if the mutex is free) and preempts if that
// made someone more urgent runnable.
func (cv *CondVar) NotifyOne(self *tcb.TCB) {
	cv.sched.Enter()
	cv.notifyOneLocked()
	cv.sched.Exit()
	cv.sched.Reschedule(self)
}

// NotifyAll is NotifyOne for every waiter, preserving priority ordering.
func (cv *CondVar) NotifyAll(self *tcb.TCB) {
	cv.sched.Enter()
	for cv.notifyOneLocked() {
	}
	cv.sched.Exit()
	cv.sched.Reschedule(self)
}

func (cv *CondVar) notifyOneLocked() bool {
	n := cv.waiters.Front()
	if n == nil {
		return false
	}
	t := n.Item().(*tcb.TCB)
	m := cv.bound

	if m != nil && m.owner != nil {
		// Requeue directly onto the mutex's blocked list; an armed
		// wait-deadline stays armed and can still fire there. The waiter
		// wakes as owner when the unlock transfers to it.
		cv.waiters.Remove(n)
		t.State = tcb.StateBlockedOnMutex
		m.blockedList.InsertOrdered(n)
		if m.protocol == ProtocolPriorityInheritance {
			t.BlockerFunctor = tcb.UnblockFunctor{Kind: tcb.UnblockFunctorPriorityInheritanceCleanup, Mutex: m}
			// A bounded chain that is too deep is caller error; the waiter
			// still gets the mutex eventually, just without the boost.
			_ = m.bumpOwnerPriorityLocked(t.Priority(), 0)
		}
		return true
	}

	// Mutex free (or never bound): the waiter becomes runnable and
	// reacquires on its own, taking the uncontended fast path.
	cv.sched.UnblockLocked(n, tcb.ReasonNormal)
	return true
}
