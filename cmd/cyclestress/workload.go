package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-cycle"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type workload struct {
	sched  *cycle.Scheduler
	logger *logiface.Logger[logiface.Event]
	flags  *flags
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// run spawns every task, then joins them all.
func (w *workload) run(ctx context.Context) error {
	var joins []func(ctx context.Context) error

	for i := range w.flags.tasks {
		h, err := cycle.Spawn[int](w.sched, newComputeTask(w.flags.yields, w.flags.sleep, i))
		if err != nil {
			return fmt.Errorf("spawn compute task %d: %w", i, err)
		}
		joins = append(joins, func(ctx context.Context) error {
			v, err := h.Join(ctx)
			if err == nil && v != i {
				err = fmt.Errorf("compute task %d returned %d", i, v)
			}
			return err
		})
	}

	for i := range w.flags.ioPairs {
		pair, err := newPipePair(w.sched, w.flags.ioRounds)
		if err != nil {
			if errors.Is(err, errPipesUnsupported) {
				w.logger.Warning().Err(err).Log(`skipping io pairs`)
				break
			}
			return fmt.Errorf("io pair %d: %w", i, err)
		}
		joins = append(joins, pair.join)
	}

	w.logger.Info().
		Int(`tasks`, w.flags.tasks).
		Int(`io_pairs`, w.flags.ioPairs).
		Int(`workers`, w.sched.Workers()).
		Log(`workload spawned`)

	var g errgroup.Group
	g.SetLimit(64)
	for _, join := range joins {
		g.Go(func() error { return join(ctx) })
	}
	return g.Wait()
}

// computeTask yields n times, sleeps, then completes with its index.
type computeTask struct {
	yield  *cycle.YieldOnce
	delay  *cycle.Delay
	yields int
	index  int
}

func newComputeTask(yields int, sleep time.Duration, index int) *computeTask {
	return &computeTask{yields: yields, delay: cycle.Sleep(sleep), index: index}
}

func (t *computeTask) Resume(cx *cycle.Context) cycle.Outcome[int] {
	if cx.Cancelled() {
		return cycle.Abort[int]()
	}
	for t.yields > 0 {
		if t.yield == nil {
			t.yield = cycle.Yield()
		}
		if t.yield.Resume(cx).Pending() {
			return cycle.Suspend[int]()
		}
		t.yield = nil
		t.yields--
	}
	if o := t.delay.Resume(cx); o.Kind() != cycle.OutcomeCompleted {
		return cycle.Forward[int](o)
	}
	return cycle.Complete(t.index)
}

func (t *computeTask) Cancel() {
	t.delay.Cancel()
}
