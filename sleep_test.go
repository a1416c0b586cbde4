package cycle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleep_CompletesAfterDuration(t *testing.T) {
	for _, io := range []bool{false, true} {
		t.Run(map[bool]string{false: "timer driver", true: "reactor"}[io], func(t *testing.T) {
			opts := []Option{WithIO(io)}
			if io {
				opts = append(opts, WithPoller(newFakePoller()))
			}
			s := newTestScheduler(t, opts...)
			start := time.Now()
			h, err := Spawn[int](s, Then(Sleep(50*time.Millisecond), func(struct{}) int { return 42 }))
			require.NoError(t, err)
			v, err := joinWithin(t, h, 5*time.Second)
			require.NoError(t, err)
			elapsed := time.Since(start)
			assert.Equal(t, 42, v)
			assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
			assert.Less(t, elapsed, 50*time.Millisecond+250*time.Millisecond, "fired with bounded slack")
			assert.GreaterOrEqual(t, s.Stats().TimersFired, uint64(1))
		})
	}
}

func TestSleep_NonPositiveCompletesImmediately(t *testing.T) {
	s := newTestScheduler(t, WithTimers(false))
	for _, d := range []time.Duration{0, -time.Second} {
		h, err := Spawn[struct{}](s, Sleep(d))
		require.NoError(t, err)
		_, err = joinWithin(t, h, 5*time.Second)
		assert.NoError(t, err, "no timer is needed for %v", d)
	}
	h, err := Spawn[struct{}](s, SleepUntil(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	_, err = joinWithin(t, h, 5*time.Second)
	assert.NoError(t, err)
}

func TestSleep_OrderedWakes(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	var order []int
	done := make(chan struct{})
	var remaining atomic.Int32
	remaining.Store(4)
	for i, d := range []time.Duration{40, 10, 30, 20} {
		_, err := Spawn[struct{}](s, Then(Sleep(d*time.Millisecond), func(struct{}) struct{} {
			// single worker, so no synchronization is needed
			order = append(order, i)
			if remaining.Add(-1) == 0 {
				close(done)
			}
			return struct{}{}
		}))
		require.NoError(t, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []int{1, 3, 2, 0}, order)
}

func TestSleep_CancelRetractsTimer(t *testing.T) {
	s := newTestScheduler(t)
	h, err := Spawn[struct{}](s, Sleep(time.Hour))
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return s.timers.Len() == 1 }, "timer registration")
	h.Cancel()
	_, err = joinWithin(t, h, 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, s.timers.Len(), "cancelled task left its timer behind")
}

func TestInterval_Ticks(t *testing.T) {
	s := newTestScheduler(t)
	iv := NewInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, iv.Period())
	var ticks []time.Time
	h, err := SpawnFunc(s, func(cx *Context) Outcome[int] {
		for len(ticks) < 3 {
			o := iv.Resume(cx)
			if o.Kind() != OutcomeCompleted {
				return Forward[int](o)
			}
			ticks = append(ticks, o.Value())
		}
		return Complete(len(ticks))
	})
	require.NoError(t, err)
	n, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, 10*time.Millisecond, ticks[1].Sub(ticks[0]))
	assert.Equal(t, 10*time.Millisecond, ticks[2].Sub(ticks[1]))
	assert.False(t, time.Now().Before(ticks[2]))
}

func TestNewInterval_PanicsOnNonPositive(t *testing.T) {
	assert.Panics(t, func() { NewInterval(0) })
}

func TestYield_RunsQueuedWorkFirst(t *testing.T) {
	s := newSteppedScheduler(t, WithWorkers(1))
	var order []string
	_, err := Spawn[struct{}](s, Then(Yield(), func(struct{}) struct{} {
		order = append(order, "yielder")
		return struct{}{}
	}))
	require.NoError(t, err)
	_, err = SpawnFunc(s, func(*Context) Outcome[struct{}] {
		order = append(order, "other")
		return Complete(struct{}{})
	})
	require.NoError(t, err)
	runUntilIdle(t, s)
	assert.Equal(t, []string{"other", "yielder"}, order)
}

func TestTimeout_InnerWins(t *testing.T) {
	s := newTestScheduler(t)
	h, err := Spawn[int](s, Timeout[int](time.Hour, Then(Sleep(5*time.Millisecond), func(struct{}) int { return 1 })))
	require.NoError(t, err)
	v, err := joinWithin(t, h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Zero(t, s.timers.Len(), "losing timer not retracted")
}

func TestTimeout_DeadlineWins(t *testing.T) {
	s := newTestScheduler(t)
	inner := Sleep(time.Hour)
	h, err := Spawn[struct{}](s, Timeout[struct{}](10*time.Millisecond, inner))
	require.NoError(t, err)
	_, err = joinWithin(t, h, 5*time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeFailed, h.Outcome())
	assert.Zero(t, s.timers.Len(), "inner timer not cancelled")
}
