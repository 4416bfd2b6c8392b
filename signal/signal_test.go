package signal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
	"github.com/dist-go/rtkernel/signal"
	rtsync "github.com/dist-go/rtkernel/sync"
	"github.com/dist-go/rtkernel/thread"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New()
	require.NoError(t, err)
	return k
}

func waitFor(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scenario did not complete in time")
	}
}

func TestSetOperations(t *testing.T) {
	s := signal.NewSet(0, 7, 63)
	require.True(t, s.Has(0))
	require.True(t, s.Has(7))
	require.True(t, s.Has(63))
	require.False(t, s.Has(1))
	require.False(t, s.Has(64), "out of range is never present")
	require.Equal(t, s, s.With(64), "out of range is ignored")
}

// TestGenerateWakesMatchingWaiter: a thread parked in WaitAny resumes when
// a signal in its mask is generated, and receives the lowest matching
// number.
func TestGenerateWakesMatchingWaiter(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	var waiter *thread.Thread
	waiter, err := thread.New(k, "waiter", 5, 0, func() {
		info, err := signal.WaitAny(k, signal.NewSet(3, 5))
		require.NoError(t, err)
		require.Equal(t, 3, info.Number)
		require.False(t, info.HasValue)
		close(done)
	})
	require.NoError(t, err)

	generator, err := thread.New(k, "generator", 1, 0, func() {
		require.NoError(t, signal.Generate(waiter, 3))
	})
	require.NoError(t, err)

	require.NoError(t, waiter.Start())
	require.NoError(t, generator.Start())
	k.Start()
	waitFor(t, done)
}

// TestGenerateOutsideMaskOnlyPends: a signal the waiting mask does not
// contain stays pending and does not wake the waiter.
func TestGenerateOutsideMaskOnlyPends(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	var waiter *thread.Thread
	waiter, err := thread.New(k, "waiter", 5, 0, func() {
		info, err := signal.WaitAny(k, signal.NewSet(2))
		require.NoError(t, err)
		require.Equal(t, 2, info.Number)
		require.True(t, signal.Pending(k).Has(9), "the unmatched signal is still pending")
		close(done)
	})
	require.NoError(t, err)

	generator, err := thread.New(k, "generator", 1, 0, func() {
		require.NoError(t, signal.Generate(waiter, 9)) // outside the mask
		require.Equal(t, "BlockedOnSignal", waiter.State().String())
		require.NoError(t, signal.Generate(waiter, 2)) // wakes it
	})
	require.NoError(t, err)

	require.NoError(t, waiter.Start())
	require.NoError(t, generator.Start())
	k.Start()
	waitFor(t, done)
}

// TestSignalInterruptsSemaphoreWait: a signal
// generated at a thread blocked in a semaphore wait aborts that wait with
// INTERRUPTED, leaves the signal pending, and leaves the count unchanged.
func TestSignalInterruptsSemaphoreWait(t *testing.T) {
	k := newKernel(t)
	sem, err := rtsync.NewSemaphore(k, 0, 0)
	require.NoError(t, err)
	done := make(chan struct{})

	var waiter *thread.Thread
	waiter, err = thread.New(k, "waiter", 5, 0, func() {
		err := sem.Wait()
		require.ErrorIs(t, err, kerr.ErrInterrupted)
		require.True(t, signal.Pending(k).Has(7))
		require.Equal(t, uint(0), sem.Value())
		close(done)
	})
	require.NoError(t, err)

	generator, err := thread.New(k, "generator", 1, 0, func() {
		require.NoError(t, signal.Generate(waiter, 7))
	})
	require.NoError(t, err)

	require.NoError(t, waiter.Start())
	require.NoError(t, generator.Start())
	k.Start()
	waitFor(t, done)
}

// TestQueuedValueIsDeliveredOnce: a queued value rides along with its
// signal number and is consumed by the accepting wait.
func TestQueuedValueIsDeliveredOnce(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	var target, generator *thread.Thread
	generator, err := thread.New(k, "generator", 9, 0, func() {
		require.NoError(t, signal.GenerateQueued(target, 4, 42))
		require.ErrorIs(t, signal.GenerateQueued(target, 4, 43), kerr.ErrOverflow)
	})
	require.NoError(t, err)

	target, err = thread.New(k, "target", 5, 0, func() {
		// The generator outranks us: starting it runs it to completion
		// before we proceed, with us runnable, so the signal only pends.
		require.NoError(t, generator.Start())
		info, err := signal.WaitAny(k, signal.NewSet(4))
		require.NoError(t, err)
		require.Equal(t, 4, info.Number)
		require.True(t, info.HasValue)
		require.Equal(t, 42, info.Value)
		require.False(t, signal.Pending(k).Has(4))
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, target.Start())
	k.Start()
	waitFor(t, done)
}

// TestWaitAnyReturnsPendingImmediately: a pending signal satisfies WaitAny
// with no park at all.
func TestWaitAnyReturnsPendingImmediately(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	var self *thread.Thread
	self, err := thread.New(k, "self", 5, 0, func() {
		require.NoError(t, signal.Generate(self, 1)) // running target: just pends
		info, err := signal.WaitAny(k, signal.NewSet(1))
		require.NoError(t, err)
		require.Equal(t, 1, info.Number)
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, self.Start())
	k.Start()
	waitFor(t, done)
}

// TestWaitAnyUntilTimesOut: no signal arrives, the deadline does.
func TestWaitAnyUntilTimesOut(t *testing.T) {
	k := newKernel(t)
	ready := make(chan struct{})
	done := make(chan struct{})

	th, err := thread.New(k, "t", 5, 0, func() {
		close(ready)
		_, err := signal.WaitAnyUntil(k, signal.NewSet(1), k.Deadline(2))
		require.ErrorIs(t, err, kerr.ErrTimeout)
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, th.Start())
	k.Start()

	<-ready
	timeout := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-timeout:
			t.Fatal("wait never timed out")
		default:
			k.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestGenerateValidatesNumber(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	var th *thread.Thread
	th, err := thread.New(k, "t", 5, 0, func() {
		require.ErrorIs(t, signal.Generate(th, -1), kerr.ErrInvalid)
		require.ErrorIs(t, signal.Generate(th, 64), kerr.ErrInvalid)
		require.ErrorIs(t, signal.Generate(nil, 1), kerr.ErrInvalid)
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, th.Start())
	k.Start()
	waitFor(t, done)
}
