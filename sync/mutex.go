// Package sync is the public face of the kernel's blocking synchronization
// primitives: mutexes with the three locking protocols,
// condition variables, and counting semaphores. Each type resolves the
// calling thread from the kernel handle and delegates to the control blocks
// in internal/mutex and the scheduler's blocking machinery.
package sync

import (
	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/mutex"
	"github.com/dist-go/rtkernel/kernel"
)

// Protocol selects how a mutex boosts its owner while it is held.
type Protocol int

const (
	// ProtocolNone never boosts the owner.
	ProtocolNone Protocol = iota
	// ProtocolPriorityInheritance boosts the owner to the highest effective
	// priority among the mutex's waiters.
	ProtocolPriorityInheritance
	// ProtocolPriorityProtect boosts the owner to a fixed ceiling while the
	// mutex is held.
	ProtocolPriorityProtect
)

func (p Protocol) internal() mutex.Protocol {
	switch p {
	case ProtocolPriorityInheritance:
		return mutex.ProtocolPriorityInheritance
	case ProtocolPriorityProtect:
		return mutex.ProtocolPriorityProtect
	default:
		return mutex.ProtocolNone
	}
}

// MutexOption configures a mutex under construction.
type MutexOption func(*mutexOptions)

type mutexOptions struct {
	protocol  Protocol
	ceiling   uint8
	recursive bool
}

// WithProtocol selects the locking protocol; the default is ProtocolNone.
func WithProtocol(p Protocol) MutexOption {
	return func(o *mutexOptions) { o.protocol = p }
}

// WithCeiling sets the priority ceiling for ProtocolPriorityProtect.
func WithCeiling(ceiling uint8) MutexOption {
	return func(o *mutexOptions) { o.ceiling = ceiling }
}

// Recursive makes the mutex reentrant for its owner; without it, relocking
// by the owner fails with a DEADLOCK error.
func Recursive() MutexOption {
	return func(o *mutexOptions) { o.recursive = true }
}

// Mutex is a kernel mutex.
type Mutex struct {
	k  *kernel.Kernel
	cb *mutex.ControlBlock
}

// NewMutex constructs an unlocked mutex.
func NewMutex(k *kernel.Kernel, opts ...MutexOption) *Mutex {
	var o mutexOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Mutex{k: k, cb: mutex.New(k.Core(), o.protocol.internal(), o.ceiling, o.recursive)}
}

// ID returns the mutex's debug identifier.
func (m *Mutex) ID() uuid.UUID { return m.cb.ID() }

// Lock blocks until the calling thread owns the mutex.
func (m *Mutex) Lock() error {
	return m.cb.Lock(m.k.Core().Current())
}

// TryLock acquires without blocking, failing with a BUSY error when the
// mutex is held by another thread.
func (m *Mutex) TryLock() error {
	return m.cb.TryLock(m.k.Core().Current())
}

// LockFor is Lock bounded by at least ticks ticks; one tick is added so the
// wait never ends early.
func (m *Mutex) LockFor(ticks uint64) error {
	s := m.k.Core()
	return m.cb.LockUntil(s.Current(), s.Deadline(ticks+1))
}

// LockUntil is Lock bounded by an absolute tick deadline.
func (m *Mutex) LockUntil(deadline uint64) error {
	return m.cb.LockUntil(m.k.Core().Current(), deadline)
}

// Unlock releases one level of ownership; the final release either hands
// the mutex to its highest-priority waiter or frees it. Fails with an
// INVALID error when the caller is not the owner.
func (m *Mutex) Unlock() error {
	return m.cb.UnlockOrTransferLock(m.k.Core().Current())
}
