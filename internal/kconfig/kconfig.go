// Package kconfig carries the kernel's tunables as functional options, the
// pattern used throughout joeycumines-go-utilpkg/eventloop (WithXxx funcs
// mutating a private options struct). There is no config file: the target
// has no filesystem beneath the core, and no persistent state at all.
package kconfig

import (
	"time"

	"github.com/dist-go/rtkernel/internal/kerr"
	"github.com/dist-go/rtkernel/internal/klog"
)

// Config holds every tunable the core reads. Zero Config is never used
// directly; call Resolve to apply defaults and options.
type Config struct {
	// TickPeriod is the wall-clock period between scheduler.Tick() calls,
	// modeling the target's periodic systick interrupt.
	TickPeriod time.Duration
	// TimeSlice is the number of ticks a thread runs before round-robin
	// rotation considers it for replacement by an equal-priority peer.
	TimeSlice int
	// IdleStackSize is the (simulated) stack buffer size reserved for the
	// permanently-runnable idle thread.
	IdleStackSize int
	// MaxSignalNumber is the highest signal number the signal package
	// accepts. The per-thread pending/waiting bitsets are 64 bits wide, so
	// numbers above 63 are rejected whatever this is set to.
	MaxSignalNumber int
	// MaxPIChainDepth bounds priority-inheritance propagation: a chain
	// that would need to recurse past this is caller error and is rejected
	// with kerr.Deadlock instead of looping forever.
	MaxPIChainDepth int
	// Logger receives every subsystem's structured log entries. Defaults to
	// klog.NoOp{}: a kernel built with no explicit logger stays silent.
	Logger klog.Logger
}

// Option configures a Config, following eventloop's LoopOption shape.
type Option func(*Config) error

func defaults() Config {
	return Config{
		TickPeriod:      time.Millisecond,
		TimeSlice:       1,
		IdleStackSize:   256,
		MaxSignalNumber: 63,
		MaxPIChainDepth: 32,
		Logger:          klog.NoOp{},
	}
}

// WithTickPeriod overrides the systick period.
func WithTickPeriod(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return kerr.New(kerr.Invalid, "tick period must be positive")
		}
		c.TickPeriod = d
		return nil
	}
}

// WithTimeSlice overrides the round-robin quantum, in ticks.
func WithTimeSlice(ticks int) Option {
	return func(c *Config) error {
		if ticks <= 0 {
			return kerr.New(kerr.Invalid, "time slice must be positive")
		}
		c.TimeSlice = ticks
		return nil
	}
}

// WithIdleStackSize overrides the idle thread's reserved stack buffer size.
func WithIdleStackSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return kerr.New(kerr.Invalid, "idle stack size must be positive")
		}
		c.IdleStackSize = n
		return nil
	}
}

// WithMaxSignalNumber overrides the highest accepted signal number. Values
// 0–255 are valid, but signal numbers above 63 are rejected regardless.
func WithMaxSignalNumber(n int) Option {
	return func(c *Config) error {
		if n < 0 || n > 255 {
			return kerr.New(kerr.Invalid, "max signal number out of range")
		}
		c.MaxSignalNumber = n
		return nil
	}
}

// WithMaxPIChainDepth overrides the priority-inheritance propagation bound.
func WithMaxPIChainDepth(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return kerr.New(kerr.Invalid, "max PI chain depth must be positive")
		}
		c.MaxPIChainDepth = n
		return nil
	}
}

// WithLogger installs the logger every kernel subsystem will log through.
func WithLogger(l klog.Logger) Option {
	return func(c *Config) error {
		if l == nil {
			return kerr.New(kerr.Invalid, "logger must not be nil")
		}
		c.Logger = l
		return nil
	}
}

// Resolve applies opts over the default Config, in order.
func Resolve(opts ...Option) (Config, error) {
	cfg := defaults()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
