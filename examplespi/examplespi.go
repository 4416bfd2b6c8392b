// Package examplespi is a synthetic two-wire device built on
// internal/devicelock: open/close with bring-up and shutdown hooks, and
// full-duplex transfers serialized by the device guard. It stands in for a
// real bus peripheral so the device-guard idiom has a caller shaped like
// one.
package examplespi

import (
	"github.com/dist-go/rtkernel/internal/devicelock"
	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/kernel"
)

// Device simulates a full-duplex serial peripheral: every transmitted word
// is echoed back through a settable shift register.
type Device struct {
	guard *devicelock.Locker

	// powered and shift model the peripheral's registers; touched only
	// under the device guard.
	powered bool
	shift   byte
}

// MaxOpenCount bounds concurrent opens of one device, as the original bus
// devices do.
const MaxOpenCount = 8

// New constructs a powered-down device on k.
func New(k *kernel.Kernel) *Device {
	return &Device{guard: devicelock.New(k.Core(), MaxOpenCount)}
}

// Open powers the device up on first open.
func (d *Device) Open() error {
	return d.guard.Open(func() error {
		d.powered = true
		d.shift = 0
		return nil
	})
}

// Close powers the device down on last close.
func (d *Device) Close() error {
	return d.guard.Close(func() error {
		d.powered = false
		return nil
	})
}

// Powered reports whether the device is currently powered up. It takes the
// device guard, so it observes a settled state, not a mid-operation one.
func (d *Device) Powered() bool {
	prev, err := d.guard.Lock()
	if err != nil {
		return false
	}
	defer d.guard.Unlock(prev)
	return d.powered
}

// SetShift sets the value XORed into every echoed word.
func (d *Device) SetShift(shift byte) error {
	return d.guard.Execute(func() error {
		d.shift = shift
		return nil
	})
}

// Transfer clocks tx out and returns the words clocked back in: each
// transmitted word XORed with the shift register. Fails with an INVALID
// error on an empty transfer and a NO_ENTRY error when the device is not
// open.
func (d *Device) Transfer(tx []byte) ([]byte, error) {
	if len(tx) == 0 {
		return nil, kerr.New(kerr.Invalid, "empty transfer")
	}
	var rx []byte
	err := d.guard.Execute(func() error {
		rx = make([]byte, len(tx))
		for i, w := range tx {
			rx[i] = w ^ d.shift
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rx, nil
}

// Lock takes the device for a composed sequence of transfers; Unlock with
// the returned token releases it.
func (d *Device) Lock() (bool, error) { return d.guard.Lock() }

// Unlock releases a Lock.
func (d *Device) Unlock(previouslyLocked bool) { d.guard.Unlock(previouslyLocked) }
