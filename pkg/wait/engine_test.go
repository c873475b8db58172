package wait_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastEngine(t *testing.T, timeout time.Duration) *wait.Engine {
	return wait.NewEngine(wait.Options{
		Timeout:         timeout,
		SlowTimeout:     2 * timeout,
		PollInterval:    20 * time.Millisecond,
		MinPollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

// readyAt becomes true once d has passed since start and counts its polls.
func readyAt(start time.Time, d time.Duration, polls *atomic.Int32) wait.Condition[string] {
	return wait.Func("clock to pass "+d.String(), func(ctx context.Context) (wait.Outcome[string], error) {
		polls.Add(1)
		if time.Since(start) >= d {
			return wait.Ready("done"), nil
		}
		return wait.NotYet[string]("too early"), nil
	})
}

func TestEngine_Defaults(t *testing.T) {
	e := wait.NewEngine(wait.Options{PollInterval: time.Millisecond}, nil)
	opts := e.Options()
	assert.Equal(t, 10*time.Second, opts.Timeout)
	assert.Equal(t, 20*time.Second, opts.SlowTimeout)
	assert.Equal(t, 200*time.Millisecond, opts.MinPollInterval)
	assert.Equal(t, 200*time.Millisecond, opts.PollInterval, "interval is clamped to the minimum")
}

func TestFor_FirstPollIsImmediate(t *testing.T) {
	e := fastEngine(t, time.Second)
	var polls atomic.Int32
	start := time.Now()

	v, err := wait.For(context.Background(), e, readyAt(start, 0, &polls))
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.EqualValues(t, 1, polls.Load())
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestFor_ReturnsWithinOneInterval(t *testing.T) {
	e := fastEngine(t, time.Second)
	var polls atomic.Int32
	start := time.Now()

	_, err := wait.For(context.Background(), e, readyAt(start, 100*time.Millisecond, &polls))
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 100*time.Millisecond+20*time.Millisecond+30*time.Millisecond)
}

func TestFor_TimeoutIsNeverEarly(t *testing.T) {
	e := fastEngine(t, time.Second)
	cond := wait.Func("never", func(ctx context.Context) (wait.Outcome[int], error) {
		return wait.NotYet[int]("still loading"), nil
	})

	start := time.Now()
	_, err := wait.For(context.Background(), e, cond, wait.Timeout(150*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.ErrorIs(t, err, failure.Timeout)

	var f *failure.Error
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "never", f.Condition)
	assert.Equal(t, "still loading", f.LastState)
	assert.GreaterOrEqual(t, f.Elapsed, 150*time.Millisecond)
	assert.Contains(t, err.Error(), "waiting for never")
	assert.Contains(t, err.Error(), "last state: still loading")
}

func TestFor_FinalPollAtDeadline(t *testing.T) {
	e := fastEngine(t, time.Second)
	var polls atomic.Int32
	start := time.Now()

	// The interval is far longer than the timeout; the only second chance is
	// the poll at the deadline, and by then the condition holds.
	_, err := wait.For(context.Background(), e, readyAt(start, 80*time.Millisecond, &polls),
		wait.Timeout(100*time.Millisecond), wait.Interval(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, polls.Load())
}

func TestFor_TransientErrorsAreRetried(t *testing.T) {
	e := fastEngine(t, time.Second)
	flaky := errors.New("connection reset")
	var polls atomic.Int32
	cond := wait.Func("flaky", func(ctx context.Context) (wait.Outcome[bool], error) {
		if polls.Add(1) < 3 {
			return wait.Outcome[bool]{}, flaky
		}
		return wait.Ready(true), nil
	})

	ok, err := wait.For(context.Background(), e, cond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, polls.Load())

	t.Run("last error is kept on timeout", func(t *testing.T) {
		cond := wait.Func("broken", func(ctx context.Context) (wait.Outcome[bool], error) {
			return wait.Outcome[bool]{}, flaky
		})
		_, err := wait.For(context.Background(), e, cond, wait.Timeout(50*time.Millisecond))
		assert.ErrorIs(t, err, failure.Timeout)
		assert.ErrorIs(t, err, flaky)
		_, _, lastState, _ := failure.Diagnostics(err)
		assert.Equal(t, "poll error: connection reset", lastState)
	})
}

func TestFor_PermanentAborts(t *testing.T) {
	e := fastEngine(t, time.Second)
	fatal := errors.New("frame detached")
	var polls atomic.Int32
	cond := wait.Func("doomed", func(ctx context.Context) (wait.Outcome[bool], error) {
		polls.Add(1)
		return wait.Outcome[bool]{}, wait.Permanent(fatal)
	})

	_, err := wait.For(context.Background(), e, cond)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, failure.Timeout)
	assert.False(t, wait.IsPermanent(err), "the marker is stripped")
	assert.EqualValues(t, 1, polls.Load())
	assert.NoError(t, wait.Permanent(nil))
}

func TestFor_CancellationIsPrompt(t *testing.T) {
	e := fastEngine(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	cond := wait.Func("forever", func(ctx context.Context) (wait.Outcome[int], error) {
		return wait.NotYet[int]("waiting"), nil
	})
	start := time.Now()
	_, err := wait.For(ctx, e, cond, wait.Interval(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "wait for forever")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFor_SlowUsesSlowTimeout(t *testing.T) {
	e := fastEngine(t, 50*time.Millisecond)
	cond := wait.Func("never", func(ctx context.Context) (wait.Outcome[int], error) {
		return wait.NotYet[int]("no"), nil
	})

	start := time.Now()
	_, err := wait.For(context.Background(), e, cond, wait.Slow())
	assert.ErrorIs(t, err, failure.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestFor_ImmediatePollsOnce(t *testing.T) {
	e := fastEngine(t, time.Second)
	var polls atomic.Int32
	cond := wait.Func("never", func(ctx context.Context) (wait.Outcome[int], error) {
		polls.Add(1)
		return wait.NotYet[int]("no"), nil
	})

	start := time.Now()
	_, err := wait.For(context.Background(), e, cond, wait.Immediate())
	assert.ErrorIs(t, err, failure.Timeout)
	assert.EqualValues(t, 1, polls.Load())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, e.TimeoutFor(wait.Immediate()))
}

func TestFor_UntilSharesOneBudget(t *testing.T) {
	e := fastEngine(t, 5*time.Second)
	cond := wait.Func("never", func(ctx context.Context) (wait.Outcome[int], error) {
		return wait.NotYet[int]("no"), nil
	})
	deadline := time.Now().Add(150 * time.Millisecond)

	start := time.Now()
	_, err := wait.For(context.Background(), e, cond, wait.Until(deadline))
	assert.ErrorIs(t, err, failure.Timeout)
	_, err = wait.For(context.Background(), e, cond, wait.Until(deadline))
	assert.ErrorIs(t, err, failure.Timeout)
	assert.Less(t, time.Since(start), time.Second, "the second wait only gets what is left")

	assert.Equal(t, 5*time.Second, e.TimeoutFor(wait.Until(time.Now().Add(time.Hour))), "a later deadline keeps the timeout")
	assert.Zero(t, e.TimeoutFor(wait.Until(time.Now().Add(-time.Second))))
	assert.LessOrEqual(t, e.TimeoutFor(wait.Until(time.Now().Add(time.Hour)), wait.Until(time.Now().Add(time.Second))), time.Second)
}

func TestFor_IntervalIsClamped(t *testing.T) {
	e := fastEngine(t, time.Second)
	var polls atomic.Int32
	cond := wait.Func("never", func(ctx context.Context) (wait.Outcome[int], error) {
		polls.Add(1)
		return wait.NotYet[int]("no"), nil
	})

	_, err := wait.For(context.Background(), e, cond, wait.Timeout(100*time.Millisecond), wait.Interval(time.Microsecond))
	assert.ErrorIs(t, err, failure.Timeout)
	// 10ms floor over 100ms: the immediate poll, ten paced polls and the
	// deadline poll at most.
	assert.LessOrEqual(t, polls.Load(), int32(12))
}

func TestFor_TimingProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("timing property runs real clocks")
	}
	const (
		interval = 10 * time.Millisecond
		slack    = 25 * time.Millisecond
	)
	e := wait.NewEngine(wait.Options{PollInterval: interval, MinPollInterval: 5 * time.Millisecond}, nil)

	rapid.Check(t, func(rt *rapid.T) {
		timeout := time.Duration(rapid.IntRange(20, 60).Draw(rt, "timeout_ms")) * time.Millisecond
		readyAfter := time.Duration(rapid.IntRange(0, 90).Draw(rt, "ready_after_ms")) * time.Millisecond

		var polls atomic.Int32
		start := time.Now()
		_, err := wait.For(context.Background(), e, readyAt(start, readyAfter, &polls), wait.Timeout(timeout))
		elapsed := time.Since(start)

		switch {
		case readyAfter <= timeout:
			if err != nil {
				rt.Fatalf("ready at %s within timeout %s, got %v", readyAfter, timeout, err)
			}
			if elapsed > readyAfter+interval+slack {
				rt.Fatalf("ready at %s but returned after %s", readyAfter, elapsed)
			}
		case readyAfter > timeout+slack:
			if !errors.Is(err, failure.Timeout) {
				rt.Fatalf("expected timeout, got %v", err)
			}
			if elapsed < timeout {
				rt.Fatalf("timed out early: %s < %s", elapsed, timeout)
			}
		}
	})
}
