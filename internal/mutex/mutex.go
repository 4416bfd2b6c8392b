// Package mutex is the Mutex Control Block: the three locking protocols,
// effective-priority recomputation on lock/unlock/transfer, and
// priority-inheritance chain propagation. sync.Mutex is a thin public
// wrapper around ControlBlock that resolves the calling thread.
package mutex

import (
	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/klog"
	"github.com/dist-go/rtkernel/internal/sched"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/internal/tcblist"
)

// Protocol selects how a mutex's owner is boosted while it holds the mutex:
// not at all (None), to its highest waiter's priority (PriorityInheritance),
// or to the ceiling whether or not anyone waits (PriorityProtect).
// Immutable for a mutex's lifetime.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolPriorityInheritance
	ProtocolPriorityProtect
)

// ControlBlock is one mutex's entire state. It holds no lock of its own;
// every operation runs under the scheduler's kernel-critical guard, and
// every operation takes the currently-running thread's TCB explicitly,
// mirroring the scheduler's contract.
type ControlBlock struct {
	sched *sched.Scheduler

	id        uuid.UUID
	protocol  Protocol
	ceiling   uint8
	recursive bool

	owner          *tcb.TCB
	recursionCount int
	blockedList    *tcblist.List[uint8]
	ownedLink      tcb.OwnedMutexLink
}

// New constructs an unlocked mutex. ceiling is only meaningful for
// ProtocolPriorityProtect. recursive enables recursive (reentrant)
// locking by the owner instead of returning kerr.Deadlock.
func New(s *sched.Scheduler, protocol Protocol, ceiling uint8, recursive bool) *ControlBlock {
	return &ControlBlock{
		sched:       s,
		id:          uuid.New(),
		protocol:    protocol,
		ceiling:     ceiling,
		recursive:   recursive,
		blockedList: tcblist.New[uint8](),
	}
}

// ID returns the mutex's debug identifier, stable for its lifetime.
func (m *ControlBlock) ID() uuid.UUID { return m.id }

// Protocol returns the mutex's (immutable) locking protocol.
func (m *ControlBlock) Protocol() Protocol { return m.protocol }

// Owner returns the current owner, or nil if unlocked.
func (m *ControlBlock) Owner() *tcb.TCB {
	m.sched.Enter()
	defer m.sched.Exit()
	return m.owner
}

// BoostedPriority is the live boost this mutex contributes to its owner's
// effective priority for as long as it is held. Installed as the closure
// tcb.LinkOwnedMutex calls on every recompute, so it always reflects the
// current blocked-list head.
func (m *ControlBlock) BoostedPriority() uint8 {
	switch m.protocol {
	case ProtocolPriorityInheritance:
		if n := m.blockedList.Front(); n != nil {
			return n.Item().(*tcb.TCB).Priority()
		}
		return 0
	case ProtocolPriorityProtect:
		return m.ceiling
	default:
		return 0
	}
}

// TryLock is the non-blocking acquire.
func (m *ControlBlock) TryLock(self *tcb.TCB) error {
	m.sched.Enter()
	defer m.sched.Exit()
	return m.tryLockLocked(self)
}

func (m *ControlBlock) tryLockLocked(self *tcb.TCB) error {
	if m.owner == nil {
		m.setOwnerLocked(self)
		return nil
	}
	if m.owner == self {
		if !m.recursive {
			return kerr.New(kerr.Deadlock, "non-recursive mutex re-locked by its owner")
		}
		m.recursionCount++
		return nil
	}
	return kerr.New(kerr.Busy, "mutex already locked")
}

func (m *ControlBlock) setOwnerLocked(self *tcb.TCB) {
	m.owner = self
	m.recursionCount = 1
	if m.protocol != ProtocolNone {
		self.LinkOwnedMutex(&m.ownedLink, m.BoostedPriority)
	}
}

// Lock acquires, blocking if needed: TryLock fast path, else install the
// PI unblock functor, propagate the caller's priority into the owner chain,
// and suspend on the mutex's blocked list, one critical section from the
// failed attempt to the park.
func (m *ControlBlock) Lock(self *tcb.TCB) error {
	return m.lock(self, false, 0)
}

// LockUntil is Lock bounded by a tick deadline; returns kerr.Timeout (via
// the scheduler) if it fires first.
func (m *ControlBlock) LockUntil(self *tcb.TCB, deadline uint64) error {
	return m.lock(self, true, deadline)
}

func (m *ControlBlock) lock(self *tcb.TCB, timed bool, deadline uint64) error {
	m.sched.Enter()

	err := m.tryLockLocked(self)
	if err == nil || !isBusy(err) {
		m.sched.Exit()
		return err
	}

	if log := m.sched.Logger(); log.IsEnabled(klog.LevelDebug) {
		log.Log(klog.Entry{
			Level:    klog.LevelDebug,
			Category: "mutex",
			Message:  "lock contended",
			Fields:   map[string]any{"mutex": m.id.String(), "owner": m.owner.Name, "waiter": self.Name},
		})
	}

	if m.protocol == ProtocolPriorityInheritance {
		// Boost the owner with the blocking thread's effective priority
		// directly: the blocker is not on the blocked list yet, so the
		// boost() recompute cannot see it.
		self.BlockerFunctor = tcb.UnblockFunctor{Kind: tcb.UnblockFunctorPriorityInheritanceCleanup, Mutex: m}
		if perr := m.bumpOwnerPriorityLocked(self.Priority(), 0); perr != nil {
			self.BlockerFunctor = tcb.UnblockFunctor{}
			m.sched.Exit()
			return perr
		}
	}

	if timed {
		return m.sched.BlockUntilFromCriticalSection(m.blockedList, tcb.StateBlockedOnMutex, deadline)
	}
	return m.sched.BlockFromCriticalSection(m.blockedList, tcb.StateBlockedOnMutex)
}

func isBusy(err error) bool {
	kind, ok := kerr.Of(err)
	return ok && kind == kerr.Busy
}

// BumpOwnerPriority implements tcb.PICleanup's chain-propagation half. The
// caller holds the kernel-critical guard; every mutex in a chain shares the
// one scheduler guard, so the whole propagation is a single critical
// section.
func (m *ControlBlock) BumpOwnerPriority(candidate uint8, depth int) error {
	return m.bumpOwnerPriorityLocked(candidate, depth)
}

func (m *ControlBlock) bumpOwnerPriorityLocked(candidate uint8, depth int) error {
	if depth >= m.sched.Config().MaxPIChainDepth {
		return kerr.New(kerr.Deadlock, "priority-inheritance chain exceeded configured depth")
	}
	owner := m.owner
	if owner == nil {
		return nil
	}
	if !tcb.BumpEffectivePriority(owner, candidate) {
		return nil
	}
	m.sched.ReinsertLocked(owner)
	if owner.BlockerFunctor.Kind == tcb.UnblockFunctorPriorityInheritanceCleanup && owner.BlockerFunctor.Mutex != nil {
		return owner.BlockerFunctor.Mutex.BumpOwnerPriority(candidate, depth+1)
	}
	return nil
}

// CleanupAfterUnblock implements tcb.PICleanup: runs, with the guard held,
// when leaver exits the blocked list. The leaver was possibly the top
// waiter, so the owner's boost must be recomputed, and a change walks the
// chain of PI mutexes the owner is itself blocked on, demoting (or raising)
// each owner from the live formula. On the lock-transfer path the leaver IS
// the new owner, and the recompute it gets here is the new-owner
// recompute.
func (m *ControlBlock) CleanupAfterUnblock(leaver *tcb.TCB) {
	cur := m
	for depth := 0; cur != nil && cur.owner != nil && depth < m.sched.Config().MaxPIChainDepth; depth++ {
		owner := cur.owner
		if !owner.RecomputeEffectivePriority() {
			return
		}
		m.sched.ReinsertLocked(owner)
		if owner.BlockerFunctor.Kind == tcb.UnblockFunctorPriorityInheritanceCleanup {
			cur, _ = owner.BlockerFunctor.Mutex.(*ControlBlock)
		} else {
			cur = nil
		}
	}
}

// UnlockOrTransferLock releases one level of ownership; the final release
// either transfers ownership to the highest effective-priority waiter or
// frees the mutex, recomputing both the old and (if any) new owner's
// effective priority.
func (m *ControlBlock) UnlockOrTransferLock(self *tcb.TCB) error {
	m.sched.Enter()
	err := m.unlockLocked(self)
	m.sched.Exit()
	if err != nil {
		return err
	}
	m.sched.Reschedule(self)
	return nil
}

// unlockLocked is the release core, shared with the condition variable's
// atomic release-and-wait (which must not reschedule between the release
// and its own park). Caller holds the guard.
func (m *ControlBlock) unlockLocked(self *tcb.TCB) error {
	if m.owner != self {
		return kerr.New(kerr.Invalid, "unlock called by non-owner")
	}
	m.recursionCount--
	if m.recursionCount > 0 {
		return nil
	}
	oldEffective := self.EffectivePriority()

	if n := m.blockedList.Front(); n != nil {
		newOwner := n.Item().(*tcb.TCB)
		m.owner = newOwner
		m.recursionCount = 1
		if m.protocol != ProtocolNone {
			self.UnlinkOwnedMutex(&m.ownedLink)
			newOwner.LinkOwnedMutex(&m.ownedLink, m.BoostedPriority)
		}
		// The transferee's unblock functor fires inside UnblockLocked and
		// recomputes the new owner now that it has left the blocked list.
		m.sched.UnblockLocked(n, tcb.ReasonNormal)
	} else {
		m.owner = nil
		if m.protocol != ProtocolNone {
			self.UnlinkOwnedMutex(&m.ownedLink)
		}
	}

	if m.protocol != ProtocolNone {
		// UnlinkOwnedMutex has already recomputed; compare against the value
		// from before the release to decide whether self must move.
		self.RecomputeEffectivePriority()
		if self.EffectivePriority() != oldEffective {
			m.sched.ReinsertLocked(self)
		}
	}
	return nil
}
