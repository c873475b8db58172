// Package action performs user input against located elements.
//
// Every action waits for its readiness condition through the wait engine,
// performs one side effect through the driver, and retries exactly once with
// a fresh lookup when the element went stale in between.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

// Scoper reports the lookup scope of the current execution context.
type Scoper interface {
	Scope() locator.Scope
}

// Executor runs actions for one session.
type Executor struct {
	drv    driver.Driver
	res    *locator.Resolver
	engine *wait.Engine
	scopes Scoper
	logger *zap.Logger
}

// New creates an executor.
func New(drv driver.Driver, res *locator.Resolver, engine *wait.Engine, scopes Scoper, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{drv: drv, res: res, engine: engine, scopes: scopes, logger: logger.Named("action")}
}

// -- Options --

type settings struct {
	wait       []wait.Option
	clearFirst bool
}

// Option adjusts one action.
type Option func(*settings)

// Timeout bounds the readiness wait.
func Timeout(d time.Duration) Option {
	return func(s *settings) { s.wait = append(s.wait, wait.Timeout(d)) }
}

// Slow uses the engine's slow-page timeout.
func Slow() Option {
	return func(s *settings) { s.wait = append(s.wait, wait.Slow()) }
}

// Until ends every wait of the action no later than t.
func Until(t time.Time) Option {
	return func(s *settings) { s.wait = append(s.wait, wait.Until(t)) }
}

// ClearFirst empties a field before typing, or deselects every other option
// of a multi-select before selecting.
func ClearFirst() Option {
	return func(s *settings) { s.clearFirst = true }
}

func collect(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WaitOptions returns the wait options carried by opts.
func WaitOptions(opts ...Option) []wait.Option {
	return collect(opts).wait
}

// settings collects opts and caps every wait of the action, the stale retry
// and option lookups included, at one deadline taken now.
func (x *Executor) settings(opts []Option) settings {
	s := collect(opts)
	deadline := time.Now().Add(x.engine.TimeoutFor(s.wait...))
	s.wait = append(s.wait, wait.Until(deadline))
	return s
}

// -- Core --

type effect func(ctx context.Context, el locator.ElementHandle) error

// perform waits for t to reach level and applies do. A stale element, seen
// either by the readiness wait or by the side effect, is re-resolved once.
func (x *Executor) perform(ctx context.Context, name string, t locator.Target, level wait.Readiness, s settings, do effect) (schemas.ActionResult, error) {
	start := time.Now()
	res := schemas.ActionResult{Action: name, Target: locator.Describe(t)}
	target := t

	var err error
	for {
		res.Attempts++
		err = x.attempt(ctx, name, target, level, s, do)
		if err == nil || res.Attempts > 1 || !errors.Is(err, failure.StaleElement) {
			break
		}
		sel, index, _ := locator.Unpack(target)
		if sel.IsZero() {
			break
		}
		x.logger.Debug("Element went stale, re-resolving.", zap.String("action", name), zap.Stringer("selector", sel))
		target = locator.At(sel, index)
	}

	res.Elapsed = time.Since(start)
	if err != nil {
		err = classify(name, t, err)
		res.ErrorKind = string(failure.KindOf(err))
		res.Error = err.Error()
		_, res.Condition, res.LastState, _ = failure.Diagnostics(err)
		x.logger.Debug("Action failed.", zap.String("action", name), zap.String("target", res.Target),
			zap.Int("attempts", res.Attempts), zap.Error(err))
		return res, err
	}
	res.Success = true
	x.logger.Debug("Action performed.", zap.String("action", name), zap.String("target", res.Target),
		zap.Int("attempts", res.Attempts), zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (x *Executor) attempt(ctx context.Context, name string, target locator.Target, level wait.Readiness, s settings, do effect) error {
	el, err := wait.For(ctx, x.engine, wait.Element(x.res, x.scopes.Scope(), target, level), s.wait...)
	if err != nil {
		return err
	}
	if err := do(ctx, el); err != nil {
		return failure.FromDriver(name, el.String(), err)
	}
	return nil
}

// classify turns a readiness timeout into NotFound (nothing ever matched) or
// ElementNotInteractable (matched but never ready), keeping the timeout as
// the cause.
func classify(name string, t locator.Target, err error) error {
	if failure.KindOf(err) != failure.Timeout {
		return err
	}
	_, _, last, _ := failure.Diagnostics(err)
	kind := failure.NotInteractable
	switch {
	case errors.Is(err, failure.ShadowRootUnavailable):
		kind = failure.ShadowRootUnavailable
	case last == "" || strings.HasPrefix(last, wait.StateNoMatch):
		kind = failure.NotFound
	}
	return &failure.Error{Kind: kind, Op: name, Selector: locator.Describe(t), Err: err}
}

// -- Actions --

// Click waits for t to be clickable and clicks it.
func (x *Executor) Click(ctx context.Context, t locator.Target, opts ...Option) (schemas.ActionResult, error) {
	return x.perform(ctx, "click", t, wait.Clickability, x.settings(opts), func(ctx context.Context, el locator.ElementHandle) error {
		if err := x.drv.ScrollIntoView(ctx, el.Ref); err != nil && !errors.Is(err, driver.ErrUnsupported) {
			return err
		}
		return x.drv.Click(ctx, el.Ref)
	})
}

// TypeText appends text to t's current value, or replaces it with
// ClearFirst.
func (x *Executor) TypeText(ctx context.Context, t locator.Target, text string, opts ...Option) (schemas.ActionResult, error) {
	s := x.settings(opts)
	return x.perform(ctx, "type", t, wait.Editability, s, func(ctx context.Context, el locator.ElementHandle) error {
		if s.clearFirst {
			if err := x.drv.Clear(ctx, el.Ref); err != nil {
				return err
			}
		}
		return x.drv.SendKeys(ctx, el.Ref, text)
	})
}

// Clear empties t's value.
func (x *Executor) Clear(ctx context.Context, t locator.Target, opts ...Option) (schemas.ActionResult, error) {
	return x.perform(ctx, "clear", t, wait.Editability, x.settings(opts), func(ctx context.Context, el locator.ElementHandle) error {
		return x.drv.Clear(ctx, el.Ref)
	})
}

// fail is a typed failure for an action's own checks.
func fail(kind failure.Kind, op string, el locator.ElementHandle, format string, args ...any) error {
	return &failure.Error{Kind: kind, Op: op, Selector: el.String(), Err: fmt.Errorf(format, args...)}
}
