// Package thread is the public thread API:
// construction with a caller-provided stack size, entry point and base
// priority, plus start/join/detach/terminate and the this-thread calls.
package thread

import (
	gosync "sync"

	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/arch"
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/kernel"
)

// DefaultStackSize is used when New is given a zero stack size.
const DefaultStackSize = 4096

// Thread is one application thread: a TCB plus the host-side lifecycle
// flags the kernel core does not track.
type Thread struct {
	k *kernel.Kernel
	t *tcb.TCB

	mu       gosync.Mutex
	started  bool
	detached bool
}

// exitPanic unwinds a thread that called Exit; filtered out before the
// scheduler's termination path would report it as a crash.
type exitPanic struct{}

// New constructs a thread that is not yet runnable. basePriority must be in
// [1, 255]: 0 is reserved for the idle thread. A zero stackSize gets
// DefaultStackSize.
func New(k *kernel.Kernel, name string, basePriority uint8, stackSize int, entry func()) (*Thread, error) {
	if k == nil {
		return nil, kerr.New(kerr.Invalid, "nil kernel")
	}
	if entry == nil {
		return nil, kerr.New(kerr.Invalid, "nil entry function")
	}
	if basePriority == 0 {
		return nil, kerr.New(kerr.Invalid, "priority 0 is reserved for the idle thread")
	}
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if stackSize < 0 {
		return nil, kerr.New(kerr.Invalid, "negative stack size")
	}

	th := &Thread{k: k}
	th.t = tcb.New(uuid.New(), name, basePriority, func(any) { entry() }, nil, stackSize)
	arch.InitialStack(th.t.Ctx, th.t.Entry, th.t.Arg, func(panicValue any) {
		if _, ok := panicValue.(exitPanic); ok {
			panicValue = nil
		}
		k.Core().TerminateCurrent(th.t, panicValue)
	})
	k.Attach(th.t)
	return th, nil
}

// Start makes the thread runnable. Callable once, either before
// kernel.Start (boot) or from a running thread; a newly runnable thread
// that outranks its starter preempts it immediately.
func (th *Thread) Start() error {
	th.mu.Lock()
	if th.started {
		th.mu.Unlock()
		return kerr.New(kerr.Invalid, "thread already started")
	}
	th.started = true
	th.mu.Unlock()

	th.k.Core().AddThread(th.t)
	return nil
}

// Join blocks the calling thread until th terminates. Immediate return if
// th has already terminated; joining self is a deadlock and is rejected.
func (th *Thread) Join() error {
	s := th.k.Core()
	if s.Current() == th.t {
		return kerr.New(kerr.Deadlock, "thread cannot join itself")
	}
	th.mu.Lock()
	detached := th.detached
	th.mu.Unlock()
	if detached {
		return kerr.New(kerr.Invalid, "cannot join a detached thread")
	}

	s.Enter()
	if th.t.State == tcb.StateTerminated {
		s.Exit()
		return nil
	}
	return s.BlockFromCriticalSection(th.t.JoinWaiters, tcb.StateBlockedOnJoin)
}

// Detach gives up the ability to Join. There is no deferred reclamation to
// trigger on this host; the flag only gates Join.
func (th *Thread) Detach() error {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.detached {
		return kerr.New(kerr.NoEntry, "thread already detached")
	}
	th.detached = true
	return nil
}

// Terminate force-terminates th. From th itself it never returns; from any
// other thread it removes th from whatever wait list it occupies,
// withdraws any priority boost it was contributing, and releases its
// joiners.
func (th *Thread) Terminate() error {
	s := th.k.Core()
	self := s.Current()
	if self == th.t {
		Exit()
	}
	if err := s.TerminateOther(th.t); err != nil {
		return err
	}
	s.Reschedule(self)
	return nil
}

// Exit terminates the calling thread, never returning. Equivalent to the
// entry function returning.
func Exit() {
	panic(exitPanic{})
}

// ID returns the thread's debug identifier.
func (th *Thread) ID() uuid.UUID { return th.t.ID }

// Name returns the name given at construction.
func (th *Thread) Name() string { return th.t.Name }

// State returns the thread's current scheduling state.
func (th *Thread) State() tcb.State {
	s := th.k.Core()
	s.Enter()
	defer s.Exit()
	return th.t.State
}

// Priority returns th's base priority.
func (th *Thread) Priority() uint8 {
	s := th.k.Core()
	s.Enter()
	defer s.Exit()
	return th.t.BasePriority()
}

// EffectivePriority returns th's effective priority, boosts included.
func (th *Thread) EffectivePriority() uint8 {
	s := th.k.Core()
	s.Enter()
	defer s.Exit()
	return th.t.EffectivePriority()
}

// SetPriority changes th's base priority. alwaysBehind selects where th
// lands among equal-priority peers: behind them (true) or ahead (false).
func (th *Thread) SetPriority(p uint8, alwaysBehind bool) error {
	if p == 0 {
		return kerr.New(kerr.Invalid, "priority 0 is reserved for the idle thread")
	}
	s := th.k.Core()
	self := s.Current()
	s.SetBasePriority(th.t, p, alwaysBehind)
	s.Reschedule(self)
	return nil
}

// Control exposes the TCB to the signal package. Intra-module plumbing.
func (th *Thread) Control() *tcb.TCB { return th.t }

// Kernel returns the kernel this thread belongs to.
func (th *Thread) Kernel() *kernel.Kernel { return th.k }
