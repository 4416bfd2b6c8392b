package examplespi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dist-go/rtkernel/examplespi"
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
	"github.com/dist-go/rtkernel/thread"
)

// runInThread boots a kernel and runs body on a single thread in it.
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

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scenario did not complete in time")
	}
}

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New()
	require.NoError(t, err)
	return k
}

func TestTransferEchoesThroughShiftRegister(t *testing.T) {
	k := newKernel(t)
	d := examplespi.New(k)
	runInThread(t, k, func() {
		require.False(t, d.Powered())
		require.NoError(t, d.Open())
		require.True(t, d.Powered())

		rx, err := d.Transfer([]byte{0x01, 0x02, 0x03})
		require.NoError(t, err)
		require.Equal(t, []byte{0x01, 0x02, 0x03}, rx, "zero shift echoes verbatim")

		require.NoError(t, d.SetShift(0xFF))
		rx, err = d.Transfer([]byte{0x0F})
		require.NoError(t, err)
		require.Equal(t, []byte{0xF0}, rx)

		require.NoError(t, d.Close())
		require.False(t, d.Powered(), "last close powers the device down")
	})
}

func TestOperationsRequireOpenDevice(t *testing.T) {
	k := newKernel(t)
	d := examplespi.New(k)
	runInThread(t, k, func() {
		_, err := d.Transfer([]byte{0x01})
		require.ErrorIs(t, err, kerr.ErrNoEntry)
		require.ErrorIs(t, d.SetShift(1), kerr.ErrNoEntry)
		require.ErrorIs(t, d.Close(), kerr.ErrNoEntry)

		_, err = d.Transfer(nil)
		require.ErrorIs(t, err, kerr.ErrInvalid, "empty transfer is rejected before the guard")
	})
}

func TestOpenCountIsBounded(t *testing.T) {
	k := newKernel(t)
	d := examplespi.New(k)
	runInThread(t, k, func() {
		for i := 0; i < examplespi.MaxOpenCount; i++ {
			require.NoError(t, d.Open())
		}
		require.ErrorIs(t, d.Open(), kerr.ErrOverflow)
		for i := 0; i < examplespi.MaxOpenCount; i++ {
			require.NoError(t, d.Close())
		}
	})
}

func TestLockComposesTransfers(t *testing.T) {
	k := newKernel(t)
	d := examplespi.New(k)
	runInThread(t, k, func() {
		require.NoError(t, d.Open())

		prev, err := d.Lock()
		require.NoError(t, err)
		require.NoError(t, d.SetShift(0x10))
		rx, err := d.Transfer([]byte{0x00})
		require.NoError(t, err)
		require.Equal(t, []byte{0x10}, rx)
		d.Unlock(prev)

		require.NoError(t, d.Close())
	})
}
