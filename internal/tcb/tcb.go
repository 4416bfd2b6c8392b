// Package tcb is the Thread Control Block: every field the scheduler and
// the synchronization primitives need per thread, plus the
// invariant-preserving operations on it (effective-priority recompute,
// owned-mutex linkage). TCB itself holds no lock: every mutation happens
// under the scheduler's arch.CriticalSection.
package tcb

import (
	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/arch"
	"github.com/dist-go/rtkernel/internal/tcblist"
	"github.com/dist-go/rtkernel/internal/timerqueue"
)

// State is the thread's scheduling state; exactly one list membership
// corresponds to each.
type State int32

const (
	StateRunnable State = iota
	StateBlockedOnMutex
	StateBlockedOnSemaphore
	StateBlockedOnConditionVariable
	StateBlockedOnSignal
	StateBlockedOnSleep
	StateBlockedOnJoin
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "Runnable"
	case StateBlockedOnMutex:
		return "BlockedOnMutex"
	case StateBlockedOnSemaphore:
		return "BlockedOnSemaphore"
	case StateBlockedOnConditionVariable:
		return "BlockedOnConditionVariable"
	case StateBlockedOnSignal:
		return "BlockedOnSignal"
	case StateBlockedOnSleep:
		return "BlockedOnSleep"
	case StateBlockedOnJoin:
		return "BlockedOnJoin"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// UnblockReason distinguishes why a blocking call resumed.
type UnblockReason int

const (
	ReasonNormal UnblockReason = iota
	ReasonTimeout
	ReasonUnblockRequest
	ReasonSignal
)

// UnblockFunctorKind tags the cleanup hook a blocker installs before
// suspending a thread.
type UnblockFunctorKind int

const (
	UnblockFunctorNone UnblockFunctorKind = iota
	UnblockFunctorPriorityInheritanceCleanup
)

// PICleanup is implemented by a priority-inheritance mutex so the scheduler
// and other mutexes can invoke its bookkeeping without tcb depending on the
// mutex package.
// Both methods are called with the kernel-critical guard already held:
// every mutex shares the one scheduler guard, so a chain walk or an
// unblock-time cleanup is a single critical section.
type PICleanup interface {
	// CleanupAfterUnblock runs when leaver has left this mutex's blocked
	// list: if the mutex still has an owner, recompute its effective
	// priority (the leaver was possibly the top waiter). The scheduler
	// clears leaver's functor, which doubles as the blocker back-reference,
	// before calling.
	CleanupAfterUnblock(leaver *TCB)
	// BumpOwnerPriority propagates a waiter's effective priority into this
	// mutex's owner and, if the owner is itself blocked on another PI
	// mutex, continues the chain. depth bounds recursion against a
	// misconfigured/cyclic chain.
	BumpOwnerPriority(candidate uint8, depth int) error
}

// UnblockFunctor is the capability a blocker installs on a TCB before
// suspending it; the scheduler invokes it (if Kind != UnblockFunctorNone)
// every time the TCB leaves a wait list.
type UnblockFunctor struct {
	Kind  UnblockFunctorKind
	Mutex PICleanup
}

// OwnedMutexLink is the intrusive node a mutex control block embeds to
// belong to its owner's owned-mutex list. boost is called during
// effective-priority recompute.
type OwnedMutexLink struct {
	prev, next *OwnedMutexLink
	owner      *TCB
	boost      func() uint8
}

// Signals is the optional per-thread signal state.
type Signals struct {
	Pending uint64
	Waiting uint64
	Queued  map[int]int
}

// TCB is one thread's entire per-thread state.
type TCB struct {
	ID   uuid.UUID
	Name string

	// Node is the single intrusive link this TCB occupies in whichever
	// priority list (run queue or a blocked list) currently holds it.
	Node *tcblist.Node[uint8]
	// Timer is the single intrusive timer-queue entry this TCB occupies
	// while a timed wait (sleepFor/sleepUntil/lockUntil/...) is pending.
	Timer *timerqueue.Entry
	// Ctx is this thread's context-switch handle: the host stand-in for
	// its saved stack pointer.
	Ctx *arch.Context

	Entry     func(arg any)
	Arg       any
	StackSize int

	basePriority      uint8
	effectivePriority uint8

	State State

	ownedHead *OwnedMutexLink

	// BlockerFunctor fires when this TCB leaves any wait list.
	BlockerFunctor UnblockFunctor
	// UnblockReason is set by the scheduler just before resuming this
	// thread's goroutine, and consumed (read once) by the blocking call
	// that suspended it.
	UnblockReason UnblockReason

	// SliceRemaining is the round-robin quantum, in ticks, this thread has
	// left before it is eligible for rotation behind an equal-priority peer.
	SliceRemaining int

	// JoinWaiters holds TCBs parked in thread.Join on this one.
	JoinWaiters *tcblist.List[uint8]

	Signals Signals
}

// New constructs a TCB. It does not start the thread's goroutine; callers
// use arch.InitialStack for that once the TCB is fully wired up.
func New(id uuid.UUID, name string, basePriority uint8, entry func(arg any), arg any, stackSize int) *TCB {
	t := &TCB{
		ID:                id,
		Name:              name,
		Ctx:               arch.NewContext(),
		Entry:             entry,
		Arg:               arg,
		StackSize:         stackSize,
		basePriority:      basePriority,
		effectivePriority: basePriority,
		State:             StateRunnable,
		JoinWaiters:       tcblist.New[uint8](),
		Signals:           Signals{Queued: make(map[int]int)},
	}
	t.Node = tcblist.NewNode[uint8](t)
	return t
}

// Priority implements tcblist.Item[uint8]: scheduler lists order by
// effective priority.
func (t *TCB) Priority() uint8 { return t.effectivePriority }

// BasePriority returns the priority most recently set via SetBasePriority
// or New.
func (t *TCB) BasePriority() uint8 { return t.basePriority }

// EffectivePriority returns max(base, every boost from an owned mutex).
func (t *TCB) EffectivePriority() uint8 { return t.effectivePriority }

// SetBasePriority changes the base priority and recomputes effective
// priority. Returns whether the effective priority changed (the caller
// must reinsert t into whatever priority list currently holds it if so).
func (t *TCB) SetBasePriority(p uint8) bool {
	t.basePriority = p
	return t.RecomputeEffectivePriority()
}

// RecomputeEffectivePriority reapplies the boost formula
// effective(T) = max(base(T), max boost over owned mutexes(T)),
// reporting whether the value changed.
func (t *TCB) RecomputeEffectivePriority() bool {
	eff := t.basePriority
	for l := t.ownedHead; l != nil; l = l.next {
		if b := l.boost(); b > eff {
			eff = b
		}
	}
	changed := eff != t.effectivePriority
	t.effectivePriority = eff
	return changed
}

// BumpEffectivePriority raises t's cached effective priority to candidate if
// candidate is higher, without touching the owned-mutex-derived formula. A
// mutex boosts its owner this way with a blocking thread's effective
// priority, since the blocker is not yet on any blocked list for the normal
// boost() recompute to see. Returns whether it changed.
func BumpEffectivePriority(t *TCB, candidate uint8) bool {
	if candidate <= t.effectivePriority {
		return false
	}
	t.effectivePriority = candidate
	return true
}

// LinkOwnedMutex adds link to t's owned-mutex list and recomputes
// effective priority. boost is called on every future recompute until
// UnlinkOwnedMutex.
func (t *TCB) LinkOwnedMutex(link *OwnedMutexLink, boost func() uint8) {
	link.owner = t
	link.boost = boost
	link.next = t.ownedHead
	link.prev = nil
	if t.ownedHead != nil {
		t.ownedHead.prev = link
	}
	t.ownedHead = link
	t.RecomputeEffectivePriority()
}

// UnlinkOwnedMutex removes link from t's owned-mutex list and recomputes
// effective priority.
func (t *TCB) UnlinkOwnedMutex(link *OwnedMutexLink) {
	if link.owner != t {
		panic("tcb: UnlinkOwnedMutex of link not owned by t")
	}
	if link.prev != nil {
		link.prev.next = link.next
	} else {
		t.ownedHead = link.next
	}
	if link.next != nil {
		link.next.prev = link.prev
	}
	link.prev, link.next, link.owner, link.boost = nil, nil, nil, nil
	t.RecomputeEffectivePriority()
}
