// Command kernelsim boots a simulated kernel on the host and runs the
// classic scheduling demonstrations: strict priority ordering, and priority
// inversion resolved by a priority-inheritance mutex.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dist-go/rtkernel/kernel"
	"github.com/dist-go/rtkernel/sync"
	"github.com/dist-go/rtkernel/thread"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: priority, inversion or all")
	tick := flag.Duration("tick", time.Millisecond, "systick period")
	verbose := flag.Bool("v", false, "emit kernel debug logging")
	flag.Parse()

	if err := run(*scenario, *tick, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "kernelsim:", err)
		os.Exit(1)
	}
}

func run(scenario string, tick time.Duration, verbose bool) error {
	switch scenario {
	case "priority":
		return runPriority(tick, verbose)
	case "inversion":
		return runInversion(tick, verbose)
	case "all":
		if err := runPriority(tick, verbose); err != nil {
			return err
		}
		return runInversion(tick, verbose)
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
}

func newKernel(tick time.Duration, verbose bool) (*kernel.Kernel, error) {
	opts := []kernel.Option{kernel.WithTickPeriod(tick)}
	if verbose {
		opts = append(opts, kernel.WithLogging(os.Stderr, kernel.LogDebug))
	}
	return kernel.New(opts...)
}

// runPriority starts three threads at priorities 5, 3 and 1; each logs its
// name once. Strict priority scheduling must produce A B C.
func runPriority(tick time.Duration, verbose bool) error {
	k, err := newKernel(tick, verbose)
	if err != nil {
		return err
	}

	var order []string
	done := make(chan struct{})

	g := thread.NewGroup()
	for _, spec := range []struct {
		name string
		prio uint8
	}{{"A", 5}, {"B", 3}, {"C", 1}} {
		spec := spec
		th, err := thread.New(k, spec.name, spec.prio, 0, func() {
			order = append(order, spec.name)
			if spec.name == "C" {
				close(done)
			}
		})
		if err != nil {
			return err
		}
		g.Add(th)
	}
	if err := g.StartAll(); err != nil {
		return err
	}

	if err := drive(k, done); err != nil {
		return err
	}
	fmt.Println("priority ordering:", order)
	return nil
}

// runInversion reproduces the classic inversion: low takes the PI mutex,
// high blocks on it (boosting low), and the boost is dropped on release.
func runInversion(tick time.Duration, verbose bool) error {
	k, err := newKernel(tick, verbose)
	if err != nil {
		return err
	}

	m := sync.NewMutex(k, sync.WithProtocol(sync.ProtocolPriorityInheritance))
	done := make(chan struct{})
	var boosted, after uint8

	high, err := thread.New(k, "high", 9, 0, func() {
		if err := m.Lock(); err != nil {
			return
		}
		_ = m.Unlock()
	})
	if err != nil {
		return err
	}

	low, err := thread.New(k, "low", 1, 0, func() {
		if err := m.Lock(); err != nil {
			return
		}
		// high preempts on Start, blocks on m, and boosts us.
		_ = high.Start()
		boosted = thread.EffectivePriority(k)
		_ = m.Unlock()
		after = thread.EffectivePriority(k)
		close(done)
	})
	if err != nil {
		return err
	}
	if err := low.Start(); err != nil {
		return err
	}

	if err := drive(k, done); err != nil {
		return err
	}
	fmt.Printf("priority inversion: low boosted to %d while high waited, %d after release\n", boosted, after)
	return nil
}

// drive starts the kernel, runs the tick source until the scenario signals
// completion, and joins both host goroutines.
func drive(k *kernel.Kernel, done chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := k.RunTicker(ctx); err != context.Canceled && err != context.DeadlineExceeded {
			return err
		}
		return nil
	})
	g.Go(func() error {
		k.Start()
		select {
		case <-done:
			cancel()
			return nil
		case <-ctx.Done():
			return fmt.Errorf("scenario did not complete: %w", ctx.Err())
		}
	})
	return g.Wait()
}
