package arch

import "sync"

// CriticalSection is the interrupt mask guard: scoped
// acquisition of global preemption suppression. On this host, raising the
// kernel-critical mask means taking a mutex that every scheduler-structure
// mutation (run queue, blocked lists, timer queue, TCB fields, mutex
// owner/blocked list, signal sets) must hold.
//
// Nesting: on real hardware a mask guard may be entered recursively, with
// the outermost release re-enabling preemption. This implementation does not use
// a recursive mutex; instead, by construction, only the exported entry
// point of each public kernel operation ever calls Enter; every internal
// helper it calls assumes the guard is already held (conventionally named
// with a "Locked" suffix). That gives the same contract (exactly one
// logical critical section in effect at a time, for the duration of one
// kernel operation) without the subtle bugs a real recursive lock invites.
type CriticalSection struct {
	mu sync.Mutex
}

// Enter raises the mask. Must be paired with Exit.
func (c *CriticalSection) Enter() { c.mu.Lock() }

// Exit restores the mask.
func (c *CriticalSection) Exit() { c.mu.Unlock() }
