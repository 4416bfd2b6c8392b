package sync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
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

// runInThread runs body on a single kernel thread and waits for it.
func runInThread(t *testing.T, k *kernel.Kernel, body func()) {
	t.Helper()
	done := make(chan struct{})
	th, err := thread.New(k, "t", 5, 0, func() {
		body()
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, th.Start())
	k.Start()
	waitFor(t, done)
}

// TestMutexRoundTripRestoresEffectivePriority: lock(); unlock() restores
// the effective priority to its pre-lock value, for all three protocols.
func TestMutexRoundTripRestoresEffectivePriority(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []rtsync.MutexOption
	}{
		{"none", nil},
		{"priority-inheritance", []rtsync.MutexOption{rtsync.WithProtocol(rtsync.ProtocolPriorityInheritance)}},
		{"priority-protect", []rtsync.MutexOption{rtsync.WithProtocol(rtsync.ProtocolPriorityProtect), rtsync.WithCeiling(9)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newKernel(t)
			m := rtsync.NewMutex(k, tc.opts...)
			runInThread(t, k, func() {
				require.NoError(t, m.Lock())
				require.NoError(t, m.Unlock())
				require.Equal(t, uint8(5), thread.EffectivePriority(k))
			})
		})
	}
}

// TestPriorityProtectBoostsToCeilingWhileHeld: a PP mutex raises the owner
// to its ceiling for exactly the duration of the hold.
func TestPriorityProtectBoostsToCeilingWhileHeld(t *testing.T) {
	k := newKernel(t)
	m := rtsync.NewMutex(k, rtsync.WithProtocol(rtsync.ProtocolPriorityProtect), rtsync.WithCeiling(9))
	runInThread(t, k, func() {
		require.NoError(t, m.Lock())
		require.Equal(t, uint8(9), thread.EffectivePriority(k))
		require.Equal(t, uint8(5), thread.Priority(k))
		require.NoError(t, m.Unlock())
		require.Equal(t, uint8(5), thread.EffectivePriority(k))
	})
}

func TestRecursiveMutexRelocks(t *testing.T) {
	k := newKernel(t)
	m := rtsync.NewMutex(k, rtsync.Recursive())
	runInThread(t, k, func() {
		require.NoError(t, m.Lock())
		require.NoError(t, m.Lock())
		require.NoError(t, m.Unlock())
		require.NoError(t, m.Unlock())
		require.ErrorIs(t, m.Unlock(), kerr.ErrInvalid, "unlock of a free mutex")
	})
}

func TestNonRecursiveRelockIsDeadlock(t *testing.T) {
	k := newKernel(t)
	m := rtsync.NewMutex(k)
	runInThread(t, k, func() {
		require.NoError(t, m.Lock())
		require.ErrorIs(t, m.TryLock(), kerr.ErrDeadlock)
		require.NoError(t, m.Unlock())
	})
}

// TestSemaphorePostThenWait: post(); wait() on an initially-zero semaphore
// returns without blocking.
func TestSemaphorePostThenWait(t *testing.T) {
	k := newKernel(t)
	sem, err := rtsync.NewSemaphore(k, 0, 0)
	require.NoError(t, err)
	runInThread(t, k, func() {
		require.NoError(t, sem.Post())
		require.Equal(t, uint(1), sem.Value())
		require.NoError(t, sem.Wait())
		require.Equal(t, uint(0), sem.Value())
	})
}

func TestSemaphoreTryWaitAndOverflow(t *testing.T) {
	k := newKernel(t)
	sem, err := rtsync.NewSemaphore(k, 1, 1)
	require.NoError(t, err)
	runInThread(t, k, func() {
		require.ErrorIs(t, sem.Post(), kerr.ErrOverflow)
		require.NoError(t, sem.TryWait())
		require.ErrorIs(t, sem.TryWait(), kerr.ErrBusy)
	})

	_, err = rtsync.NewSemaphore(k, 2, 1)
	require.ErrorIs(t, err, kerr.ErrInvalid)
}

// TestSemaphoreHandsTokenToWaiter: a Post with a blocked waiter transfers
// the token directly; the count never goes above zero.
func TestSemaphoreHandsTokenToWaiter(t *testing.T) {
	k := newKernel(t)
	sem, err := rtsync.NewSemaphore(k, 0, 0)
	require.NoError(t, err)

	var order []string
	done := make(chan struct{})

	waiter, err := thread.New(k, "waiter", 5, 0, func() {
		require.NoError(t, sem.Wait())
		order = append(order, "waiter")
		close(done)
	})
	require.NoError(t, err)
	poster, err := thread.New(k, "poster", 1, 0, func() {
		order = append(order, "poster")
		require.NoError(t, sem.Post()) // waiter preempts here
	})
	require.NoError(t, err)

	require.NoError(t, waiter.Start())
	require.NoError(t, poster.Start())
	k.Start()

	waitFor(t, done)
	require.Equal(t, []string{"poster", "waiter"}, order)
	require.Equal(t, uint(0), sem.Value())
}

// TestSemaphoreTryWaitUntilTimesOut: ticks driven from the host, standing
// in for the systick.
func TestSemaphoreTryWaitUntilTimesOut(t *testing.T) {
	k := newKernel(t)
	sem, err := rtsync.NewSemaphore(k, 0, 0)
	require.NoError(t, err)

	ready := make(chan struct{})
	done := make(chan struct{})
	th, err := thread.New(k, "t", 5, 0, func() {
		close(ready)
		require.ErrorIs(t, sem.TryWaitUntil(k.Deadline(2)), kerr.ErrTimeout)
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, th.Start())
	k.Start()

	<-ready
	tickUntil(t, k, done)
}

// tickUntil drives the tick source until the scenario signals completion,
// so the test cannot race the thread arming its deadline.
func tickUntil(t *testing.T, k *kernel.Kernel, done chan struct{}) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-timeout:
			t.Fatal("scenario did not complete in time")
		default:
			k.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}

// TestCondVarPublicNotifyOne: wait and notify through the public wrappers.
func TestCondVarPublicNotifyOne(t *testing.T) {
	k := newKernel(t)
	m := rtsync.NewMutex(k)
	cv := rtsync.NewCondVar(k)

	var sequence []string
	done := make(chan struct{})

	waiter, err := thread.New(k, "waiter", 5, 0, func() {
		require.NoError(t, m.Lock())
		sequence = append(sequence, "wait")
		require.NoError(t, cv.Wait(m))
		sequence = append(sequence, "woken")
		require.NoError(t, m.Unlock())
		close(done)
	})
	require.NoError(t, err)
	notifier, err := thread.New(k, "notifier", 1, 0, func() {
		require.NoError(t, m.Lock())
		sequence = append(sequence, "notify")
		cv.NotifyOne()
		require.NoError(t, m.Unlock())
	})
	require.NoError(t, err)

	require.NoError(t, waiter.Start())
	require.NoError(t, notifier.Start())
	k.Start()

	waitFor(t, done)
	require.Equal(t, []string{"wait", "notify", "woken"}, sequence)
}
