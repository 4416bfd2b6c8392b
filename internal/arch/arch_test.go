package arch_test

import (
	"testing"
	"time"

	"github.com/dist-go/rtkernel/internal/arch"
	"github.com/stretchr/testify/require"
)

func TestSwitchToHandsOffAndParks(t *testing.T) {
	var log []string

	a := arch.NewContext()
	b := arch.NewContext()

	done := make(chan struct{})
	arch.InitialStack(b, func(_ any) {
		log = append(log, "b-ran")
		close(done)
	}, nil, func(any) {})

	arch.InitialStack(a, func(_ any) {
		log = append(log, "a-ran")
		a.SwitchTo(b)
		// never resumed again in this test
	}, nil, func(any) {})

	a.Resume() // boot: dispatch a directly, no self-park (not a TCB)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b to run")
	}

	require.Equal(t, []string{"a-ran", "b-ran"}, log)
}

func TestCriticalSectionEnterExit(t *testing.T) {
	var cs arch.CriticalSection
	cs.Enter()
	releaseDone := make(chan struct{})
	go func() {
		cs.Enter()
		cs.Exit()
		close(releaseDone)
	}()

	select {
	case <-releaseDone:
		t.Fatal("second Enter should block while held")
	case <-time.After(50 * time.Millisecond):
	}
	cs.Exit()

	select {
	case <-releaseDone:
	case <-time.After(time.Second):
		t.Fatal("second Enter never proceeded after Exit")
	}
}
