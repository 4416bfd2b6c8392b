// Package devicelock is the shared-device guard idiom from the original
// kernel's SPI layer: an open count, a mutex serializing control-block
// access, and a condition variable handing exclusive device access to one
// thread at a time, reentrant for the thread that already holds it, so a
// driver can compose multi-transaction operations without self-deadlock.
package devicelock

import (
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/mutex"
	"github.com/dist-go/rtkernel/internal/sched"
	"github.com/dist-go/rtkernel/internal/tcb"
)

// Locker guards one shared device.
type Locker struct {
	sched *sched.Scheduler
	mtx   *mutex.ControlBlock
	cond  *mutex.CondVar

	owner     *tcb.TCB
	openCount int
	maxOpen   int
}

// New constructs an unowned, unopened Locker. maxOpen bounds concurrent
// opens; 0 means unbounded.
func New(s *sched.Scheduler, maxOpen int) *Locker {
	return &Locker{
		sched:   s,
		mtx:     mutex.New(s, mutex.ProtocolNone, 0, false),
		cond:    mutex.NewCondVar(s),
		maxOpen: maxOpen,
	}
}

// Open increments the open count, running onFirst (hardware bring-up) on
// the first open only. Fails with an OVERFLOW error past maxOpen, and with
// onFirst's error, without counting the open, if bring-up fails.
func (l *Locker) Open(onFirst func() error) error {
	previous, err := l.lock()
	if err != nil {
		return err
	}
	defer l.unlock(previous)

	if l.maxOpen != 0 && l.openCount == l.maxOpen {
		return kerr.New(kerr.Overflow, "device already open too many times")
	}
	if l.openCount == 0 && onFirst != nil {
		if err := onFirst(); err != nil {
			return err
		}
	}
	l.openCount++
	return nil
}

// Close decrements the open count, running onLast (hardware shutdown) on
// the last close only. Fails with a NO_ENTRY error when the device is not
// open.
func (l *Locker) Close(onLast func() error) error {
	previous, err := l.lock()
	if err != nil {
		return err
	}
	defer l.unlock(previous)

	if l.openCount == 0 {
		return kerr.New(kerr.NoEntry, "device is not open")
	}
	if l.openCount == 1 && onLast != nil {
		if err := onLast(); err != nil {
			return err
		}
	}
	l.openCount--
	return nil
}

// Execute runs fn with exclusive device access. Fails with a NO_ENTRY
// error when the device is not open.
func (l *Locker) Execute(fn func() error) error {
	previous, err := l.lock()
	if err != nil {
		return err
	}
	defer l.unlock(previous)

	if l.openCount == 0 {
		return kerr.New(kerr.NoEntry, "device is not open")
	}
	return fn()
}

// Lock takes exclusive device access explicitly, for a caller composing
// several operations. Returns whether the calling thread already held it;
// that value must be passed back to Unlock.
func (l *Locker) Lock() (previouslyLocked bool, err error) {
	return l.lock()
}

// Unlock releases explicit access taken with Lock.
func (l *Locker) Unlock(previouslyLocked bool) {
	l.unlock(previouslyLocked)
}

// lock waits until no other thread holds the device, then takes it. The
// second and later acquisitions by the same thread report previous=true
// and change nothing.
func (l *Locker) lock() (previous bool, err error) {
	self := l.sched.Current()
	if err := l.mtx.Lock(self); err != nil {
		return false, err
	}
	defer func() { _ = l.mtx.UnlockOrTransferLock(self) }()

	if l.owner == self {
		return true, nil
	}
	for l.owner != nil {
		if err := l.cond.Wait(self, l.mtx); err != nil {
			return false, err
		}
	}
	l.owner = self
	return false, nil
}

func (l *Locker) unlock(previous bool) {
	self := l.sched.Current()
	if err := l.mtx.Lock(self); err != nil {
		return
	}
	defer func() { _ = l.mtx.UnlockOrTransferLock(self) }()

	if previous || l.owner != self {
		return
	}
	l.owner = nil
	l.cond.NotifyOne(self)
}
