// The this-thread calls: queries and suspensions a thread applies
// to itself. Each takes the kernel handle and resolves the currently
// executing thread from it, so they are only meaningful from thread
// context, never from the boot sequence or the host tick driver.

package thread

import (
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
)

// Yield offers the CPU to an equal-priority peer: a no-op when
// none exists, a rotation to the back of the band when one does.
func Yield(k *kernel.Kernel) {
	k.Core().Yield()
}

// SleepFor suspends the calling thread for at least ticks ticks. One tick
// is added to the requested duration, so the sleep never ends early even
// when the call lands just before a tick boundary.
func SleepFor(k *kernel.Kernel, ticks uint64) error {
	s := k.Core()
	return s.Sleep(s.Deadline(ticks + 1))
}

// SleepUntil suspends the calling thread until the given absolute tick. A
// deadline already reached returns immediately.
func SleepUntil(k *kernel.Kernel, deadline uint64) error {
	return k.Core().Sleep(deadline)
}

// Priority returns the calling thread's base priority.
func Priority(k *kernel.Kernel) uint8 {
	s := k.Core()
	s.Enter()
	defer s.Exit()
	return s.CurrentLocked().BasePriority()
}

// EffectivePriority returns the calling thread's effective priority.
func EffectivePriority(k *kernel.Kernel) uint8 {
	s := k.Core()
	s.Enter()
	defer s.Exit()
	return s.CurrentLocked().EffectivePriority()
}

// SetPriority changes the calling thread's base priority; alwaysBehind as
// in Thread.SetPriority. Lowering below another runnable thread's priority
// preempts immediately.
func SetPriority(k *kernel.Kernel, p uint8, alwaysBehind bool) error {
	if p == 0 {
		return kerr.New(kerr.Invalid, "priority 0 is reserved for the idle thread")
	}
	s := k.Core()
	self := s.Current()
	s.SetBasePriority(self, p, alwaysBehind)
	s.Reschedule(self)
	return nil
}
