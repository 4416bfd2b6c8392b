// Package sched is the scheduler: the priority-ordered run queue, the
// block/blockUntil/unblock/yield primitives every synchronization primitive
// is built from, and the tick handler that drains the timed-wait queue and
// performs round-robin slicing.
package sched

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/arch"
	"github.com/dist-go/rtkernel/internal/kconfig"
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/klog"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/internal/tcblist"
	"github.com/dist-go/rtkernel/internal/timerqueue"
)

// Scheduler owns every piece of shared scheduler state: the run queue,
// the timed-wait queue, and the tick counter. Every self-guarded method
// takes its guard at the top (see arch.CriticalSection); the *Locked and
// *FromCriticalSection variants expect the caller to hold it. The guard is
// always released before touching a Context, since a Context hand-off
// blocks on a channel and must never happen while the guard is held.
type Scheduler struct {
	guard      arch.CriticalSection
	runQueue   *tcblist.List[uint8]
	sleepers   *tcblist.List[uint8]
	sigWaiters *tcblist.List[uint8]
	timers     *timerqueue.Queue
	tickNow    uint64
	idle       *tcb.TCB
	cfg        kconfig.Config
	log        klog.Logger
	started    bool

	// running is the thread whose goroutine holds the simulated CPU. It is
	// the run queue's head at every dispatch, but an interrupt-context
	// unblock (the host tick) can push a more urgent thread ahead of it;
	// the gap closes at running's next suspension point, the same way a
	// pended context-switch interrupt waits for the ISR to return.
	running *tcb.TCB
}

// New constructs a Scheduler and its idle thread (base priority 0,
// permanently runnable, the selection of last resort). idleEntry is typically
// a reschedule loop; see kernel.New for the default. The idle thread's
// goroutine is parked, not yet dispatched: call Start to boot.
func New(idleEntry func(arg any), opts ...kconfig.Option) (*Scheduler, error) {
	cfg, err := kconfig.Resolve(opts...)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		runQueue:   tcblist.New[uint8](),
		sleepers:   tcblist.New[uint8](),
		sigWaiters: tcblist.New[uint8](),
		timers:     timerqueue.New(),
		cfg:        cfg,
		log:        cfg.Logger,
	}
	s.idle = tcb.New(uuid.New(), "idle", 0, idleEntry, nil, cfg.IdleStackSize)
	s.idle.SliceRemaining = cfg.TimeSlice
	arch.InitialStack(s.idle.Ctx, s.idle.Entry, s.idle.Arg, func(panicValue any) {
		s.TerminateCurrent(s.idle, panicValue)
	})
	s.runQueue.InsertOrdered(s.idle.Node)
	s.running = s.idle
	return s, nil
}

// Config returns the resolved configuration, for components (mutex,
// signal) that need MaxPIChainDepth or MaxSignalNumber.
func (s *Scheduler) Config() kconfig.Config { return s.cfg }

// Enter acquires the scheduler's kernel-critical mask guard for
// synchronization primitives built on top of the scheduler (sync.Mutex,
// sync.CondVar, sync.Semaphore, signal) that read or mutate TCB / mutex
// control block fields the scheduler also owns (owned-mutex list, effective
// priority, blocked-list membership). Never call this and then call a
// self-guarded method on s (Block, Unblock, Reschedule, ...) without an
// Exit in between: the guard is not reentrant; use the *Locked /
// *FromCriticalSection variants instead.
func (s *Scheduler) Enter() { s.guard.Enter() }

// Exit releases the guard acquired by Enter.
func (s *Scheduler) Exit() { s.guard.Exit() }

// Logger returns the logger every subsystem should log through.
func (s *Scheduler) Logger() klog.Logger { return s.log }

// Start dispatches the run queue's current head for the first time. Must
// be called exactly once, from outside any simulated thread (the boot
// sequence), after any threads that should be runnable from boot have
// already been added via AddThread.
func (s *Scheduler) Start() {
	s.guard.Enter()
	s.started = true
	front := s.frontLocked()
	s.running = front
	s.guard.Exit()
	front.Ctx.Resume()
}

// Current returns the thread logically executing right now. Never fails:
// before the first dispatch it is the idle thread.
func (s *Scheduler) Current() *tcb.TCB {
	s.guard.Enter()
	defer s.guard.Exit()
	return s.running
}

func (s *Scheduler) frontLocked() *tcb.TCB {
	return s.runQueue.Front().Item().(*tcb.TCB)
}

// AddThread inserts a freshly constructed, not-yet-started TCB into the run
// queue and, if it now outranks the calling thread, preempts immediately.
// t's goroutine must already be parked (arch.InitialStack already called).
// Before Start, nothing is actually dispatched yet, so AddThread only
// inserts; Start then dispatches whichever thread ends up ranking highest.
func (s *Scheduler) AddThread(t *tcb.TCB) {
	s.guard.Enter()
	self := s.running
	startedYet := s.started
	t.SliceRemaining = s.cfg.TimeSlice
	s.runQueue.InsertOrdered(t.Node)
	s.guard.Exit()
	if startedYet {
		s.Reschedule(self)
	}
}

// Yield offers the CPU: if a peer at equal effective priority exists,
// rotate current to the back of its band and switch.
func (s *Scheduler) Yield() {
	s.guard.Enter()
	self := s.running
	if s.hasEqualPeerLocked(self) {
		s.runQueue.Remove(self.Node)
		s.runQueue.InsertOrdered(self.Node)
	}
	s.guard.Exit()
	s.Reschedule(self)
}

func (s *Scheduler) hasEqualPeerLocked(self *tcb.TCB) bool {
	n := self.Node.Next()
	return n != nil && n.Item().(*tcb.TCB).Priority() == self.Priority()
}

// Block moves the current thread from the run queue onto waitList
// (priority-ordered), switches away, and reports why it was eventually
// resumed.
func (s *Scheduler) Block(waitList *tcblist.List[uint8], state tcb.State) error {
	s.guard.Enter()
	return s.BlockFromCriticalSection(waitList, state)
}

// BlockFromCriticalSection is Block for a caller that already holds the
// guard (via Enter) and needs its pre-block checks and the suspension to
// form one critical section: a semaphore that must not miss a Post between
// "count is zero" and parking, a condition variable that must release its
// mutex and park atomically. It ALWAYS releases the guard before switching
// away; the caller must not Exit afterwards.
func (s *Scheduler) BlockFromCriticalSection(waitList *tcblist.List[uint8], state tcb.State) error {
	self := s.running
	s.runQueue.Remove(self.Node)
	self.State = state
	waitList.InsertOrdered(self.Node)
	next := s.frontLocked()
	s.running = next
	s.guard.Exit()

	s.traceSwitch(self, next)
	self.Ctx.SwitchTo(next.Ctx)
	return s.consumeResult(self)
}

// BlockUntil is Block with a deadline: it also arms a timed-wait entry,
// and if that fires first the thread is unblocked with ReasonTimeout
// instead.
func (s *Scheduler) BlockUntil(waitList *tcblist.List[uint8], state tcb.State, deadline uint64) error {
	s.guard.Enter()
	return s.BlockUntilFromCriticalSection(waitList, state, deadline)
}

// BlockUntilFromCriticalSection is BlockFromCriticalSection with a deadline.
// A deadline at or before the current tick returns kerr.Timeout immediately,
// without the thread ever leaving the run queue (a timed wait on an
// already-expired deadline never blocks); any unblock functor the caller
// installed before calling is still run, so a priority boost applied before
// the block attempt is undone.
func (s *Scheduler) BlockUntilFromCriticalSection(waitList *tcblist.List[uint8], state tcb.State, deadline uint64) error {
	self := s.running
	if deadline <= s.tickNow {
		if self.BlockerFunctor.Kind != tcb.UnblockFunctorNone {
			f := self.BlockerFunctor
			self.BlockerFunctor = tcb.UnblockFunctor{}
			f.Mutex.CleanupAfterUnblock(self)
		}
		s.guard.Exit()
		return kerr.New(kerr.Timeout, "deadline already passed")
	}
	s.runQueue.Remove(self.Node)
	self.State = state
	waitList.InsertOrdered(self.Node)
	if self.Timer == nil {
		self.Timer = timerqueue.NewEntry(timerWaiter{s, self})
	}
	s.timers.Insert(self.Timer, deadline)
	next := s.frontLocked()
	s.running = next
	s.guard.Exit()

	s.traceSwitch(self, next)
	self.Ctx.SwitchTo(next.Ctx)

	s.guard.Enter()
	s.timers.Cancel(self.Timer)
	s.guard.Exit()

	return s.consumeResult(self)
}

// Sleep implements the sleepFor/sleepUntil suspension point: a timed wait
// on a private list no primitive ever targets, so the only ways out are
// the deadline (normal outcome) or an asynchronous unblock request/signal.
func (s *Scheduler) Sleep(deadline uint64) error {
	err := s.BlockUntil(s.sleepers, tcb.StateBlockedOnSleep, deadline)
	if kind, ok := kerr.Of(err); ok && kind == kerr.Timeout {
		return nil
	}
	return err
}

func (s *Scheduler) consumeResult(self *tcb.TCB) error {
	reason := self.UnblockReason
	self.UnblockReason = tcb.ReasonNormal
	switch reason {
	case tcb.ReasonNormal:
		return nil
	case tcb.ReasonTimeout:
		return kerr.New(kerr.Timeout, "blocking call timed out")
	case tcb.ReasonSignal:
		return kerr.New(kerr.Interrupted, "blocking call interrupted by signal")
	default:
		return kerr.New(kerr.Interrupted, "blocking call interrupted")
	}
}

// Unblock removes a blocked thread from whatever list currently holds it,
// runs its installed unblock functor, and moves it into the run queue. It
// does not itself trigger a context switch: callers that
// are a thread's own synchronous call (mutex unlock, semaphore post,
// condition notify, signal generate) must follow it with Reschedule;
// Tick's asynchronous timeout path deliberately does not (see Tick).
func (s *Scheduler) Unblock(n *tcblist.Node[uint8], reason tcb.UnblockReason) {
	s.guard.Enter()
	s.unblockLocked(n, reason)
	s.guard.Exit()
}

// UnblockLocked is Unblock for a caller that already holds the guard and
// whose own pre-checks (semaphore count, condition-variable wait list head,
// signal mask match) must be atomic with the unblock itself.
func (s *Scheduler) UnblockLocked(n *tcblist.Node[uint8], reason tcb.UnblockReason) {
	s.unblockLocked(n, reason)
}

func (s *Scheduler) unblockLocked(n *tcblist.Node[uint8], reason tcb.UnblockReason) {
	t := n.Item().(*tcb.TCB)
	if lst := n.List(); lst != nil {
		lst.Remove(n)
	}
	if t.Timer != nil && t.Timer.Linked() {
		s.timers.Cancel(t.Timer)
	}
	t.UnblockReason = reason
	if t.BlockerFunctor.Kind != tcb.UnblockFunctorNone {
		f := t.BlockerFunctor
		t.BlockerFunctor = tcb.UnblockFunctor{}
		f.Mutex.CleanupAfterUnblock(t)
	}
	t.State = tcb.StateRunnable
	t.SliceRemaining = s.cfg.TimeSlice
	s.runQueue.InsertOrdered(n)
}

// Reschedule is requestContextSwitch + the pendable handler, collapsed:
// if the run queue's head is no longer self (an Unblock just granted the
// CPU to someone more urgent, or AddThread/Yield reordered things), self's
// own goroutine hands off and parks. Called by self with no lock held.
func (s *Scheduler) Reschedule(self *tcb.TCB) {
	s.guard.Enter()
	next := s.frontLocked()
	if next == self {
		s.guard.Exit()
		return
	}
	s.running = next
	s.guard.Exit()
	s.traceSwitch(self, next)
	self.Ctx.SwitchTo(next.Ctx)
}

// ReinsertLocked is called (with the guard held) after an effective-priority
// recompute changes a TCB's value, so the list ordering invariant
// (descending effective priority) is preserved wherever the TCB currently
// sits (run queue or a blocked list). A TCB linked nowhere, mid-unblock or
// terminated, is left alone.
func (s *Scheduler) ReinsertLocked(t *tcb.TCB) {
	lst := t.Node.List()
	if lst != nil {
		lst.Remove(t.Node)
		lst.InsertOrdered(t.Node)
	}
}

// SetBasePriority implements the setPriority(p, alwaysBehind) kernel call
// for t (usually the current thread). If the effective priority changes, t
// is reinserted into whatever priority list currently holds it:
// alwaysBehind puts it behind its new equal-priority peers, otherwise it
// goes ahead of them. The caller follows with Reschedule if it is a running
// thread changing its own (or a peer's) priority.
func (s *Scheduler) SetBasePriority(t *tcb.TCB, p uint8, alwaysBehind bool) {
	s.guard.Enter()
	if t.SetBasePriority(p) {
		if lst := t.Node.List(); lst != nil {
			lst.Remove(t.Node)
			if alwaysBehind {
				lst.InsertOrdered(t.Node)
			} else {
				lst.InsertOrderedFront(t.Node)
			}
		}
	}
	s.guard.Exit()
}

// Tick is the periodic tick handler: advance the tick counter, drain due
// timed waits, and slice the current thread if its quantum expired and a
// peer is waiting. It intentionally never calls Reschedule (see the
// preemption-honesty note in internal/arch): the actual hand-off happens
// the next time the currently running thread reaches a suspension point
// (block/blockUntil/yield).
func (s *Scheduler) Tick() {
	s.guard.Enter()
	s.tickNow++
	s.timers.Drain(s.tickNow)

	self := s.running
	if self != s.idle {
		self.SliceRemaining--
		if self.SliceRemaining <= 0 {
			if s.hasEqualPeerLocked(self) {
				s.runQueue.Remove(self.Node)
				s.runQueue.InsertOrdered(self.Node)
			}
			self.SliceRemaining = s.cfg.TimeSlice
		}
	}
	now := s.tickNow
	s.guard.Exit()

	if s.log.IsEnabled(klog.LevelDebug) {
		s.log.Log(klog.Entry{
			Level:    klog.LevelDebug,
			Category: "sched.tick",
			Message:  "tick",
			Fields:   map[string]any{"tick": now},
		})
	}
}

// TickCount returns the current tick.
func (s *Scheduler) TickCount() uint64 {
	s.guard.Enter()
	defer s.guard.Exit()
	return s.tickNow
}

// Deadline returns tick + ticksFromNow, computed under the guard so it is
// consistent with whatever TickCount a caller just observed.
func (s *Scheduler) Deadline(ticksFromNow uint64) uint64 {
	s.guard.Enter()
	defer s.guard.Exit()
	return s.tickNow + ticksFromNow
}

// TerminateCurrent implements thread termination: self (which must be the
// running thread, since it just returned from its own entry function)
// leaves the run queue permanently, every joiner is released, and control
// passes to whoever ranks highest now. Wired as the thread package's
// arch.InitialStack onReturn callback.
func (s *Scheduler) TerminateCurrent(self *tcb.TCB, panicValue any) {
	s.guard.Enter()
	s.runQueue.Remove(self.Node)
	self.State = tcb.StateTerminated
	for n := self.JoinWaiters.Front(); n != nil; {
		following := n.Next()
		s.unblockLocked(n, tcb.ReasonNormal)
		n = following
	}
	next := s.frontLocked()
	s.running = next
	s.guard.Exit()

	if panicValue != nil {
		s.log.Log(klog.Entry{
			Level:    klog.LevelError,
			Category: "sched",
			Message:  "thread entry function panicked",
			Fields:   map[string]any{"thread": self.Name, "id": self.ID.String()},
			Err:      fmt.Errorf("%v", panicValue),
		})
	}
	next.Ctx.Resume()
}

// TerminateOther force-terminates a thread that is not currently
// executing: it is removed from whatever list it currently occupies, any pending
// timed wait is cancelled, its unblock functor runs (so a PI boost it was
// contributing is withdrawn), and its joiners are released. The parked
// goroutine behind t is never resumed; on the target this is reclaiming a
// stack, on this host it is a goroutine that stays parked for the life of
// the process (see DESIGN.md). Returns kerr.Invalid if t is currently
// executing; a running thread terminates by returning or via thread.Exit.
func (s *Scheduler) TerminateOther(t *tcb.TCB) error {
	s.guard.Enter()
	if t.State == tcb.StateTerminated {
		s.guard.Exit()
		return nil
	}
	if s.running == t {
		s.guard.Exit()
		return kerr.New(kerr.Invalid, "cannot terminate the running thread from outside it")
	}
	if lst := t.Node.List(); lst != nil {
		lst.Remove(t.Node)
	}
	if t.Timer != nil && t.Timer.Linked() {
		s.timers.Cancel(t.Timer)
	}
	if t.BlockerFunctor.Kind != tcb.UnblockFunctorNone {
		f := t.BlockerFunctor
		t.BlockerFunctor = tcb.UnblockFunctor{}
		f.Mutex.CleanupAfterUnblock(t)
	}
	t.State = tcb.StateTerminated
	for n := t.JoinWaiters.Front(); n != nil; {
		following := n.Next()
		s.unblockLocked(n, tcb.ReasonNormal)
		n = following
	}
	s.guard.Exit()
	return nil
}

// SignalWaiters is the wait list every thread blocked in a signal wait
// parks on, owned by the scheduler the same way the sleepers list is: no
// primitive other than the signal package ever targets it.
func (s *Scheduler) SignalWaiters() *tcblist.List[uint8] { return s.sigWaiters }

// CurrentLocked is Current for a caller that already holds the guard.
func (s *Scheduler) CurrentLocked() *tcb.TCB { return s.running }

// Idle returns the scheduler's permanently-runnable idle thread.
func (s *Scheduler) Idle() *tcb.TCB { return s.idle }

// traceSwitch emits the debug context-switch trace; the IsEnabled check
// keeps the hot path free of field-map allocation when debug is off.
func (s *Scheduler) traceSwitch(from, to *tcb.TCB) {
	if !s.log.IsEnabled(klog.LevelDebug) {
		return
	}
	s.log.Log(klog.Entry{
		Level:    klog.LevelDebug,
		Category: "sched.switch",
		Message:  "context switch",
		Fields:   map[string]any{"from": from.Name, "to": to.Name},
	})
}

type timerWaiter struct {
	s *Scheduler
	t *tcb.TCB
}

func (w timerWaiter) OnDeadline() {
	w.s.unblockLocked(w.t.Node, tcb.ReasonTimeout)
}
