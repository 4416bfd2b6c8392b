// Package kernel is the boot facade: it owns the scheduler instance, the
// idle thread, the tick driver, and the thread registry behind Snapshot.
// On the target this is the code that runs before interrupts are enabled;
// on this host it is what a test or cmd/kernelsim constructs first.
package kernel

import (
	"context"
	"io"
	"runtime"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/dist-go/rtkernel/internal/kconfig"
	"github.com/dist-go/rtkernel/internal/klog"
	"github.com/dist-go/rtkernel/internal/sched"
	"github.com/dist-go/rtkernel/internal/tcb"
)

// Kernel is one simulated kernel instance. Multiple instances may coexist
// in a process (the scenario tests do exactly that); nothing here is
// process-global except the klog default sink.
type Kernel struct {
	s *sched.Scheduler

	mu      gosync.Mutex
	threads []*tcb.TCB
}

// LogLevel selects the minimum severity the kernel's log sink emits.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) klog() klog.Level {
	switch l {
	case LogDebug:
		return klog.LevelDebug
	case LogWarn:
		return klog.LevelWarn
	case LogError:
		return klog.LevelError
	default:
		return klog.LevelInfo
	}
}

// Option configures a Kernel under construction.
type Option func(*options)

type options struct {
	kopts []kconfig.Option
}

// WithTickPeriod sets the wall-clock period RunTicker drives Tick at,
// modeling the target's systick rate.
func WithTickPeriod(d time.Duration) Option {
	return func(o *options) { o.kopts = append(o.kopts, kconfig.WithTickPeriod(d)) }
}

// WithTimeSlice sets the round-robin quantum, in ticks.
func WithTimeSlice(ticks int) Option {
	return func(o *options) { o.kopts = append(o.kopts, kconfig.WithTimeSlice(ticks)) }
}

// WithIdleStackSize sets the stack buffer size reserved for the idle thread.
func WithIdleStackSize(n int) Option {
	return func(o *options) { o.kopts = append(o.kopts, kconfig.WithIdleStackSize(n)) }
}

// WithMaxSignalNumber bounds the per-thread signal bitsets.
func WithMaxSignalNumber(n int) Option {
	return func(o *options) { o.kopts = append(o.kopts, kconfig.WithMaxSignalNumber(n)) }
}

// WithMaxPIChainDepth bounds priority-inheritance propagation; a chain that
// would recurse past it is rejected with a DEADLOCK error.
func WithMaxPIChainDepth(n int) Option {
	return func(o *options) { o.kopts = append(o.kopts, kconfig.WithMaxPIChainDepth(n)) }
}

// WithLogging installs a zerolog-backed structured log sink writing to w
// (stdout if nil), emitting entries at or above level. Without this option
// the kernel is silent.
func WithLogging(w io.Writer, level LogLevel) Option {
	return func(o *options) {
		o.kopts = append(o.kopts, kconfig.WithLogger(klog.NewZerolog(level.klog(), w)))
	}
}

// New constructs a stopped kernel: scheduler plus idle thread, nothing
// dispatched yet. Create and Start threads, then call Start.
func New(opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	k := &Kernel{}
	// The idle thread's whole job is noticing that something else became
	// runnable (a tick drained a sleeper, an interrupt-context unblock) and
	// handing the CPU over. Gosched keeps the host loop polite while the
	// simulated CPU is idle.
	s, err := sched.New(func(any) {
		for {
			k.s.Reschedule(k.s.Idle())
			runtime.Gosched()
		}
	}, o.kopts...)
	if err != nil {
		return nil, err
	}
	k.s = s
	k.threads = append(k.threads, s.Idle())
	return k, nil
}

// Core exposes the scheduler to the thread, sync and signal packages. It is
// intra-module plumbing, not application API: applications go through those
// packages.
func (k *Kernel) Core() *sched.Scheduler { return k.s }

// Start dispatches the highest-priority runnable thread. Call exactly once,
// after boot-time threads have been started.
func (k *Kernel) Start() { k.s.Start() }

// Attach records t in the registry behind Snapshot. Called by thread.New;
// applications never call it.
func (k *Kernel) Attach(t *tcb.TCB) {
	k.mu.Lock()
	k.threads = append(k.threads, t)
	k.mu.Unlock()
}

// Tick advances the kernel's tick: the host stand-in for one systick
// interrupt. Drives every timed wait and round-robin slicing.
func (k *Kernel) Tick() { k.s.Tick() }

// TickCount returns the current tick.
func (k *Kernel) TickCount() uint64 { return k.s.TickCount() }

// Deadline converts a relative tick count into an absolute deadline for the
// *Until operations.
func (k *Kernel) Deadline(ticksFromNow uint64) uint64 { return k.s.Deadline(ticksFromNow) }

// RunTicker calls Tick at the configured tick period until ctx is done.
// Run it on its own goroutine; it is the host's periodic tick source.
func (k *Kernel) RunTicker(ctx context.Context) error {
	ticker := time.NewTicker(k.s.Config().TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.s.Tick()
		}
	}
}

// ThreadInfo is one thread's introspection record.
type ThreadInfo struct {
	ID                uuid.UUID
	Name              string
	State             string
	BasePriority      uint8
	EffectivePriority uint8
}

// Snapshot is a view of the kernel's threads, taken under the
// kernel-critical guard.
type Snapshot struct {
	Tick    uint64
	Threads []ThreadInfo
}

// Snapshot captures every registered thread's state. Intended for
// diagnostics and tests; it briefly suppresses the whole kernel.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.Lock()
	threads := make([]*tcb.TCB, len(k.threads))
	copy(threads, k.threads)
	k.mu.Unlock()

	snap := Snapshot{Tick: k.s.TickCount(), Threads: make([]ThreadInfo, 0, len(threads))}
	k.s.Enter()
	for _, t := range threads {
		snap.Threads = append(snap.Threads, ThreadInfo{
			ID:                t.ID,
			Name:              t.Name,
			State:             t.State.String(),
			BasePriority:      t.BasePriority(),
			EffectivePriority: t.EffectivePriority(),
		})
	}
	k.s.Exit()
	return snap
}
