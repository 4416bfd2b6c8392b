package thread_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
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

// TestPriorityOrdering: three runnable threads execute in strict base
// priority order.
func TestPriorityOrdering(t *testing.T) {
	k := newKernel(t)
	var order []string
	done := make(chan struct{})

	mk := func(name string, prio uint8, last bool) *thread.Thread {
		th, err := thread.New(k, name, prio, 0, func() {
			order = append(order, name)
			if last {
				close(done)
			}
		})
		require.NoError(t, err)
		return th
	}

	g := thread.NewGroup()
	g.Add(mk("C", 1, true))
	g.Add(mk("B", 3, false))
	g.Add(mk("A", 5, false))
	require.Equal(t, 3, g.Len())
	require.NoError(t, g.StartAll())
	k.Start()

	waitFor(t, done)
	require.Equal(t, []string{"A", "B", "C"}, order)
}

func TestNewRejectsBadArguments(t *testing.T) {
	k := newKernel(t)

	_, err := thread.New(k, "t", 0, 0, func() {})
	require.ErrorIs(t, err, kerr.ErrInvalid, "priority 0 is the idle thread's")

	_, err = thread.New(k, "t", 5, 0, nil)
	require.ErrorIs(t, err, kerr.ErrInvalid)

	_, err = thread.New(nil, "t", 5, 0, func() {})
	require.ErrorIs(t, err, kerr.ErrInvalid)
}

func TestStartTwiceFails(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})
	th, err := thread.New(k, "t", 5, 0, func() { close(done) })
	require.NoError(t, err)
	require.NoError(t, th.Start())
	require.ErrorIs(t, th.Start(), kerr.ErrInvalid)
	k.Start()
	waitFor(t, done)
}

// TestJoinBlocksUntilTermination: a higher-priority joiner parks on the
// target and resumes once the target's entry function returns.
func TestJoinBlocksUntilTermination(t *testing.T) {
	k := newKernel(t)
	var order []string
	done := make(chan struct{})

	worker, err := thread.New(k, "worker", 1, 0, func() {
		order = append(order, "worker")
	})
	require.NoError(t, err)

	joiner, err := thread.New(k, "joiner", 5, 0, func() {
		require.NoError(t, worker.Join())
		order = append(order, "joiner")
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, worker.Start())
	require.NoError(t, joiner.Start())
	k.Start()

	waitFor(t, done)
	require.Equal(t, []string{"worker", "joiner"}, order)
}

func TestJoinTerminatedThreadReturnsImmediately(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	worker, err := thread.New(k, "worker", 5, 0, func() {})
	require.NoError(t, err)
	joiner, err := thread.New(k, "joiner", 1, 0, func() {
		// Running at all means worker, which outranked us, has terminated.
		require.NoError(t, worker.Join())
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, worker.Start())
	require.NoError(t, joiner.Start())
	k.Start()
	waitFor(t, done)
}

func TestDetachPreventsJoin(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	worker, err := thread.New(k, "worker", 1, 0, func() {})
	require.NoError(t, err)
	require.NoError(t, worker.Detach())
	require.ErrorIs(t, worker.Detach(), kerr.ErrNoEntry)

	main, err := thread.New(k, "main", 5, 0, func() {
		require.ErrorIs(t, worker.Join(), kerr.ErrInvalid)
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, worker.Start())
	require.NoError(t, main.Start())
	k.Start()
	waitFor(t, done)
}

// TestSetPriorityRoundTrip: SetPriority(p) is observable via Priority, and
// with no boosts active the effective priority equals it. Lowering below a
// peer hands the CPU over.
func TestSetPriorityRoundTrip(t *testing.T) {
	k := newKernel(t)
	var order []string
	done := make(chan struct{})

	low, err := thread.New(k, "low", 3, 0, func() {
		order = append(order, "low")
	})
	require.NoError(t, err)

	main, err := thread.New(k, "main", 5, 0, func() {
		require.NoError(t, low.Start())
		require.NoError(t, thread.SetPriority(k, 4, true))
		require.Equal(t, uint8(4), thread.Priority(k))
		require.Equal(t, uint8(4), thread.EffectivePriority(k))

		// Dropping below low preempts immediately.
		require.NoError(t, thread.SetPriority(k, 2, true))
		order = append(order, "main")
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, main.Start())
	k.Start()
	waitFor(t, done)
	require.Equal(t, []string{"low", "main"}, order)
}

// TestExitTerminatesEarly: Exit behaves like the entry function returning,
// not like a crash.
func TestExitTerminatesEarly(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})
	var reachedAfterExit bool

	worker, err := thread.New(k, "worker", 1, 0, func() {
		thread.Exit()
		reachedAfterExit = true
	})
	require.NoError(t, err)
	joiner, err := thread.New(k, "joiner", 5, 0, func() {
		require.NoError(t, worker.Join())
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, worker.Start())
	require.NoError(t, joiner.Start())
	k.Start()
	waitFor(t, done)
	require.False(t, reachedAfterExit)
}

// TestTerminateOther: force-terminating a sleeping thread succeeds and
// leaves it Terminated, so a later Join returns at once.
func TestTerminateOther(t *testing.T) {
	k := newKernel(t)
	done := make(chan struct{})

	sleeper, err := thread.New(k, "sleeper", 5, 0, func() {
		_ = thread.SleepFor(k, 1000)
	})
	require.NoError(t, err)

	main, err := thread.New(k, "main", 3, 0, func() {
		// sleeper outranked us, so by now it is parked in its timed wait.
		thread.Yield(k) // no equal peer: a no-op, but exercises the call
		require.NoError(t, sleeper.Terminate())
		require.NoError(t, sleeper.Join())
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, sleeper.Start())
	require.NoError(t, main.Start())
	k.Start()
	waitFor(t, done)
}

// TestSleepForWakesAfterTicks drives the tick from the host, standing in
// for the systick interrupt.
func TestSleepForWakesAfterTicks(t *testing.T) {
	k := newKernel(t)
	ready := make(chan struct{})
	done := make(chan struct{})

	sleeper, err := thread.New(k, "sleeper", 5, 0, func() {
		close(ready)
		require.NoError(t, thread.SleepFor(k, 3))
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, sleeper.Start())
	k.Start()

	<-ready
	timeout := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			require.GreaterOrEqual(t, k.TickCount(), uint64(4))
			return
		case <-timeout:
			t.Fatal("sleeper never woke")
		default:
			k.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}
