// Package signal is the per-thread signal API: a pending bit
// set over small signal numbers, optional queued values, and a waiting
// mask. Generating a signal at a thread blocked in a signal wait whose mask
// matches wakes it; generating at a thread blocked in any other primitive
// aborts that primitive's block with an INTERRUPTED error and leaves the
// signal pending for a later wait.
package signal

import (
	"math/bits"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/tcb"
	"github.com/dist-go/rtkernel/kernel"
	"github.com/dist-go/rtkernel/thread"
)

// Set is a bit set of signal numbers 0–63.
type Set uint64

// NewSet builds a Set holding the given signal numbers.
func NewSet(numbers ...int) Set {
	var s Set
	for _, n := range numbers {
		s = s.With(n)
	}
	return s
}

// With returns s with signal number n added. Out-of-range numbers are
// ignored; Generate validates ranges where errors can be reported.
func (s Set) With(n int) Set {
	if n < 0 || n > 63 {
		return s
	}
	return s | 1<<uint(n)
}

// Has reports whether s contains signal number n.
func (s Set) Has(n int) bool {
	return n >= 0 && n <= 63 && s&(1<<uint(n)) != 0
}

// lowest returns the smallest signal number in s; s must be non-empty.
func (s Set) lowest() int {
	return bits.TrailingZeros64(uint64(s))
}

// Info describes one accepted signal: its number and, for a queued signal,
// the value generated with it.
type Info struct {
	Number   int
	Value    int
	HasValue bool
}

// Generate implements generateSignal(n): set bit n in target's pending set
// and wake it if it is blocked with n in its waiting mask, or interrupt
// whatever else it is blocked in. Must be called from thread context.
func Generate(target *thread.Thread, number int) error {
	return generate(target, number, 0, false)
}

// GenerateQueued is Generate carrying a value, stored until the signal is
// accepted. One value per signal number may be outstanding; a second fails
// with an OVERFLOW error.
func GenerateQueued(target *thread.Thread, number, value int) error {
	return generate(target, number, value, true)
}

func generate(target *thread.Thread, number, value int, queued bool) error {
	if target == nil {
		return kerr.New(kerr.Invalid, "nil target thread")
	}
	k := target.Kernel()
	s := k.Core()
	if number < 0 || number > s.Config().MaxSignalNumber || number > 63 {
		return kerr.New(kerr.Invalid, "signal number out of range")
	}

	s.Enter()
	t := target.Control()
	if t.State == tcb.StateTerminated {
		s.Exit()
		return kerr.New(kerr.NoEntry, "target thread has terminated")
	}
	if queued {
		if _, dup := t.Signals.Queued[number]; dup {
			s.Exit()
			return kerr.New(kerr.Overflow, "a value is already queued for this signal")
		}
		t.Signals.Queued[number] = value
	}
	t.Signals.Pending |= 1 << uint(number)

	switch t.State {
	case tcb.StateRunnable:
		// Running or ready; it will notice the pending bit at its next
		// signal wait.
	case tcb.StateBlockedOnSignal:
		if t.Signals.Waiting&(1<<uint(number)) != 0 {
			t.Signals.Waiting = 0
			s.UnblockLocked(t.Node, tcb.ReasonNormal)
		}
	default:
		// Blocked in some other primitive: abort its block. The primitive
		// returns INTERRUPTED and the signal stays pending.
		s.UnblockLocked(t.Node, tcb.ReasonSignal)
	}
	self := s.CurrentLocked()
	s.Exit()
	s.Reschedule(self)
	return nil
}

// WaitAny implements waitAny(mask): return the lowest pending signal in
// mask, blocking until one is generated.
func WaitAny(k *kernel.Kernel, mask Set) (Info, error) {
	return waitAny(k, mask, false, 0)
}

// WaitAnyUntil is WaitAny bounded by an absolute tick deadline.
func WaitAnyUntil(k *kernel.Kernel, mask Set, deadline uint64) (Info, error) {
	return waitAny(k, mask, true, deadline)
}

// WaitAnyFor is WaitAny bounded by at least ticks ticks (one tick added).
func WaitAnyFor(k *kernel.Kernel, mask Set, ticks uint64) (Info, error) {
	return waitAny(k, mask, true, k.Core().Deadline(ticks+1))
}

func waitAny(k *kernel.Kernel, mask Set, timed bool, deadline uint64) (Info, error) {
	if mask == 0 {
		return Info{}, kerr.New(kerr.Invalid, "empty signal mask")
	}
	s := k.Core()

	s.Enter()
	self := s.CurrentLocked()
	if info, ok := acceptLocked(self, mask); ok {
		s.Exit()
		return info, nil
	}

	self.Signals.Waiting = uint64(mask)
	var err error
	if timed {
		err = s.BlockUntilFromCriticalSection(s.SignalWaiters(), tcb.StateBlockedOnSignal, deadline)
	} else {
		err = s.BlockFromCriticalSection(s.SignalWaiters(), tcb.StateBlockedOnSignal)
	}

	s.Enter()
	self.Signals.Waiting = 0
	if err != nil {
		s.Exit()
		return Info{}, err
	}
	info, ok := acceptLocked(self, mask)
	s.Exit()
	if !ok {
		return Info{}, kerr.New(kerr.NoEntry, "woken with no matching pending signal")
	}
	return info, nil
}

// acceptLocked takes the lowest pending signal in mask off self, with its
// queued value if one was generated. Guard held.
func acceptLocked(self *tcb.TCB, mask Set) (Info, bool) {
	match := Set(self.Signals.Pending) & mask
	if match == 0 {
		return Info{}, false
	}
	n := match.lowest()
	self.Signals.Pending &^= 1 << uint(n)
	info := Info{Number: n}
	if v, ok := self.Signals.Queued[n]; ok {
		info.Value = v
		info.HasValue = true
		delete(self.Signals.Queued, n)
	}
	return info, true
}

// Pending returns the calling thread's pending signal set.
func Pending(k *kernel.Kernel) Set {
	s := k.Core()
	s.Enter()
	defer s.Exit()
	return Set(s.CurrentLocked().Signals.Pending)
}

// PendingOf returns th's pending signal set. Diagnostics and tests.
func PendingOf(th *thread.Thread) Set {
	s := th.Kernel().Core()
	s.Enter()
	defer s.Exit()
	return Set(th.Control().Signals.Pending)
}
