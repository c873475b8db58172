// Package wait is the single place the harness blocks on page state.
//
// A Condition is polled through an Engine until it reports Ready, the timeout
// elapses, or the caller's context ends. The first poll is immediate and a
// final poll always runs at the deadline, so a wait never fails before its
// timeout and never returns later than one interval after the condition
// became true.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultSlowTimeout     = 20 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultMinPollInterval = 200 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	Timeout     time.Duration
	SlowTimeout time.Duration
	// PollInterval is clamped below by MinPollInterval.
	PollInterval    time.Duration
	MinPollInterval time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         DefaultTimeout,
		SlowTimeout:     DefaultSlowTimeout,
		PollInterval:    DefaultPollInterval,
		MinPollInterval: DefaultMinPollInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.SlowTimeout <= 0 {
		o.SlowTimeout = d.SlowTimeout
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = d.MinPollInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollInterval < o.MinPollInterval {
		o.PollInterval = o.MinPollInterval
	}
	return o
}

// Engine paces polls for one session. It is safe for concurrent use, though
// a session normally waits on one condition at a time.
type Engine struct {
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewEngine creates an engine. Zero option fields take their defaults.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Engine{
		opts: opts,
		// One poll per MinPollInterval across every wait on this engine, so
		// nested or back-to-back waits cannot hammer the driver.
		limiter: rate.NewLimiter(rate.Every(opts.MinPollInterval), 1),
		logger:  logger.Named("wait"),
	}
}

// Options returns the effective engine options.
func (e *Engine) Options() Options { return e.opts }

// -- Per-call options --

type call struct {
	timeout  time.Duration
	interval time.Duration
	deadline time.Time
	once     bool
}

// Option overrides engine defaults for one wait.
type Option func(*call)

// Timeout sets the wait's timeout. Non-positive values keep the default.
func Timeout(d time.Duration) Option {
	return func(c *call) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Interval sets the poll interval, still clamped by MinPollInterval.
func Interval(d time.Duration) Option {
	return func(c *call) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Slow uses the engine's SlowTimeout.
func Slow() Option {
	return func(c *call) { c.timeout = 0 }
}

// Immediate polls once and fails at once if the condition is unmet.
func Immediate() Option {
	return func(c *call) { c.once = true }
}

// Until ends the wait no later than t, whatever its timeout. Several waits
// sharing one t share one budget. A t already past still gets one poll.
func Until(t time.Time) Option {
	return func(c *call) {
		if c.deadline.IsZero() || t.Before(c.deadline) {
			c.deadline = t
		}
	}
}

func (e *Engine) resolve(opts []Option) call {
	c := call{timeout: e.opts.Timeout, interval: e.opts.PollInterval}
	for _, opt := range opts {
		opt(&c)
	}
	if c.timeout == 0 {
		c.timeout = e.opts.SlowTimeout
	}
	if !c.deadline.IsZero() {
		if left := time.Until(c.deadline); left < c.timeout {
			c.timeout = left
		}
	}
	if c.once || c.timeout < 0 {
		c.timeout = 0
	}
	if c.interval < e.opts.MinPollInterval {
		c.interval = e.opts.MinPollInterval
	}
	return c
}

// TimeoutFor returns the timeout a wait with opts would use.
func (e *Engine) TimeoutFor(opts ...Option) time.Duration {
	return e.resolve(opts).timeout
}

// -- Conditions --

// Outcome is the result of one poll.
type Outcome[T any] struct {
	value T
	ready bool
	state string
}

// Ready reports the condition met, with its value.
func Ready[T any](v T) Outcome[T] { return Outcome[T]{value: v, ready: true} }

// NotYet reports the condition unmet. state describes what was observed and
// ends up in the timeout failure.
func NotYet[T any](state string) Outcome[T] { return Outcome[T]{state: state} }

func (o Outcome[T]) IsReady() bool { return o.ready }
func (o Outcome[T]) Value() T { return o.value }
func (o Outcome[T]) State() string { return o.state }

// Condition is a description plus a poll function.
type Condition[T any] struct {
	Description string
	// Selector is copied into failures when the condition concerns an element.
	Selector string
	Poll     func(ctx context.Context) (Outcome[T], error)
}

// Func builds a custom condition.
func Func[T any](description string, poll func(ctx context.Context) (Outcome[T], error)) Condition[T] {
	return Condition[T]{Description: description, Poll: poll}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a poll error as fatal: the wait stops and returns err.
// Unmarked poll errors are treated as transient and retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// -- Polling --

// For polls cond until it is ready. On timeout it returns a failure.Timeout
// error carrying the description, elapsed time, last observed state and the
// last poll error.
func For[T any](ctx context.Context, e *Engine, cond Condition[T], opts ...Option) (T, error) {
	var zero T
	c := e.resolve(opts)
	start := time.Now()
	deadline := start.Add(c.timeout)

	var (
		lastState string
		lastErr   error
		polls     int
	)
	for {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("wait for %s: %w", cond.Description, err)
		}

		out, err := cond.Poll(ctx)
		polls++
		switch {
		case err != nil && ctx.Err() != nil:
			return zero, fmt.Errorf("wait for %s: %w", cond.Description, ctx.Err())
		case err != nil && IsPermanent(err):
			var p *permanentError
			errors.As(err, &p)
			return zero, p.err
		case err != nil:
			lastErr = err
			lastState = "poll error: " + err.Error()
		case out.ready:
			e.logger.Debug("Condition met.",
				zap.String("condition", cond.Description),
				zap.Int("polls", polls),
				zap.Duration("elapsed", time.Since(start)))
			return out.value, nil
		default:
			lastState = out.state
		}

		now := time.Now()
		if !now.Before(deadline) {
			elapsed := now.Sub(start)
			e.logger.Debug("Condition timed out.",
				zap.String("condition", cond.Description),
				zap.Int("polls", polls),
				zap.Duration("elapsed", elapsed),
				zap.String("last_state", lastState))
			return zero, &failure.Error{
				Kind:      failure.Timeout,
				Op:        "wait",
				Selector:  cond.Selector,
				Condition: cond.Description,
				Elapsed:   elapsed,
				LastState: lastState,
				Err:       lastErr,
			}
		}

		if err := e.pause(ctx, now, deadline, c.interval); err != nil {
			return zero, fmt.Errorf("wait for %s: %w", cond.Description, err)
		}
	}
}

// pause sleeps until the next poll: one interval from now, no later than the
// deadline, and no sooner than the limiter allows (unless that would skip the
// final poll at the deadline).
func (e *Engine) pause(ctx context.Context, now, deadline time.Time, interval time.Duration) error {
	next := now.Add(interval)
	if next.After(deadline) {
		next = deadline
	}
	delay := next.Sub(now)

	r := e.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > delay {
		if now.Add(d).After(deadline) {
			r.CancelAt(now)
		} else {
			delay = d
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
