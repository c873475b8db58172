// Package verify asserts page state with eventual consistency.
//
// Every assertion polls through the wait engine until it holds or its timeout
// passes; there is no single-read assertion. A failed assertion is returned as
// a schemas.AssertionResult carrying the expectation, the last actual value
// and the elapsed time. Runners decide whether to escalate it with Err.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

// Verifier runs assertions for one session.
type Verifier struct {
	drv    driver.Driver
	res    *locator.Resolver
	engine *wait.Engine
	scopes Scoper
	logger *zap.Logger
}

// New creates a verifier.
func New(drv driver.Driver, res *locator.Resolver, engine *wait.Engine, scopes Scoper, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{drv: drv, res: res, engine: engine, scopes: scopes, logger: logger.Named("verify")}
}

// Option adjusts one assertion.
type Option = wait.Option

// Timeout bounds the assertion.
func Timeout(d time.Duration) Option { return wait.Timeout(d) }

// Slow uses the engine's slow-page timeout.
func Slow() Option { return wait.Slow() }

// -- Probes --

// Probe reads one value from the page.
type Probe struct {
	description string
	target      locator.Target
	read        func(ctx context.Context, drv driver.Driver, el driver.ElementRef) (string, error)
}

func (p Probe) String() string { return p.description }

// Target is the element p reads, nil for page probes.
func (p Probe) Target() locator.Target { return p.target }

// On returns p reading from t. The description is kept.
func (p Probe) On(t locator.Target) Probe {
	p.target = t
	return p
}

// Text probes an element's rendered text, trimmed.
func Text(t locator.Target) Probe {
	return Probe{
		description: "text of " + locator.Describe(t),
		target:      t,
		read: func(ctx context.Context, drv driver.Driver, el driver.ElementRef) (string, error) {
			s, err := drv.Text(ctx, el)
			return strings.TrimSpace(s), err
		},
	}
}

// Value probes a form control's current value.
func Value(t locator.Target) Probe {
	return Probe{
		description: "value of " + locator.Describe(t),
		target:      t,
		read: func(ctx context.Context, drv driver.Driver, el driver.ElementRef) (string, error) {
			return drv.Value(ctx, el)
		},
	}
}

// Attribute probes an attribute. An absent attribute reads as "".
func Attribute(t locator.Target, name string) Probe {
	return Probe{
		description: fmt.Sprintf("attribute %s of %s", name, locator.Describe(t)),
		target:      t,
		read: func(ctx context.Context, drv driver.Driver, el driver.ElementRef) (string, error) {
			v, _, err := drv.Attribute(ctx, el, name)
			return v, err
		},
	}
}

// URL probes the current page URL.
func URL() Probe {
	return Probe{
		description: "url",
		read: func(ctx context.Context, drv driver.Driver, _ driver.ElementRef) (string, error) {
			return drv.CurrentURL(ctx)
		},
	}
}

// Title probes the page title.
func Title() Probe {
	return Probe{
		description: "title",
		read: func(ctx context.Context, drv driver.Driver, _ driver.ElementRef) (string, error) {
			return drv.Title(ctx)
		},
	}
}

// -- Assertions --

// Equals asserts that p eventually reads exactly expected.
func (v *Verifier) Equals(ctx context.Context, p Probe, expected string, opts ...Option) schemas.AssertionResult {
	return v.compare(ctx, schemas.AssertEquals, p, expected, func(actual string) bool { return actual == expected }, opts)
}

// Contains asserts that p eventually contains substr.
func (v *Verifier) Contains(ctx context.Context, p Probe, substr string, opts ...Option) schemas.AssertionResult {
	return v.compare(ctx, schemas.AssertContains, p, substr, func(actual string) bool { return strings.Contains(actual, substr) }, opts)
}

func (v *Verifier) compare(ctx context.Context, kind schemas.AssertionKind, p Probe, expected string, ok func(string) bool, opts []Option) schemas.AssertionResult {
	var (
		actual string
		elem   wait.Condition[locator.ElementHandle]
	)
	if p.target != nil {
		elem = wait.Present(v.res, v.scopes.Scope(), p.target)
	}
	cond := wait.Condition[string]{
		Description: fmt.Sprintf("%s %s %q", p, kind, expected),
		Poll: func(ctx context.Context) (wait.Outcome[string], error) {
			var ref driver.ElementRef
			if p.target != nil {
				out, err := elem.Poll(ctx)
				if err != nil {
					return wait.Outcome[string]{}, err
				}
				if !out.IsReady() {
					return wait.NotYet[string](out.State()), nil
				}
				ref = out.Value().Ref
			}
			got, err := p.read(ctx, v.drv, ref)
			if err != nil {
				return wait.Outcome[string]{}, readError(p, err)
			}
			actual = got
			if !ok(got) {
				return wait.NotYet[string](fmt.Sprintf("%s is %q", p, got)), nil
			}
			return wait.Ready(got), nil
		},
	}
	if p.target != nil {
		cond.Selector = locator.Describe(p.target)
	}
	res := run(ctx, v, kind, p.String(), cond, expected, opts)
	res.Actual = actual
	return res
}

// readError makes staleness of a handle probe fatal; a selector probe just
// polls again.
func readError(p Probe, err error) error {
	if !errors.Is(err, driver.ErrStaleElement) {
		return err
	}
	if _, _, h := locator.Unpack(p.target); h != nil {
		return wait.Permanent(failure.FromDriver("verify", h.String(), err))
	}
	return err
}

// Visible asserts that t is eventually displayed.
func (v *Verifier) Visible(ctx context.Context, t locator.Target, opts ...Option) schemas.AssertionResult {
	cond := wait.Visible(v.res, v.scopes.Scope(), t)
	inner := cond.Poll
	var actual string
	cond.Poll = func(ctx context.Context) (wait.Outcome[locator.ElementHandle], error) {
		out, err := inner(ctx)
		if err == nil {
			if out.IsReady() {
				actual = "visible"
			} else {
				actual = out.State()
			}
		}
		return out, err
	}
	res := run(ctx, v, schemas.AssertVisible, locator.Describe(t), cond, "visible", opts)
	res.Selector = locator.Describe(t)
	res.Actual = actual
	return res
}

// Count asserts that sel eventually has exactly n matches.
func (v *Verifier) Count(ctx context.Context, sel locator.Selector, n int, opts ...Option) schemas.AssertionResult {
	var actual string
	scope := v.scopes.Scope()
	cond := wait.Condition[int]{
		Description: fmt.Sprintf("%s to have %d matches", sel, n),
		Selector:    sel.String(),
		Poll: func(ctx context.Context) (wait.Outcome[int], error) {
			got, err := v.res.Count(ctx, sel, scope)
			if err != nil {
				if failure.KindOf(err) == failure.InvalidSelector {
					return wait.Outcome[int]{}, wait.Permanent(err)
				}
				return wait.Outcome[int]{}, err
			}
			actual = strconv.Itoa(got)
			if got != n {
				return wait.NotYet[int](fmt.Sprintf("%d matches", got)), nil
			}
			return wait.Ready(got), nil
		},
	}
	res := run(ctx, v, schemas.AssertCount, "count of "+sel.String(), cond, strconv.Itoa(n), opts)
	res.Selector = sel.String()
	res.Actual = actual
	return res
}

func run[T any](ctx context.Context, v *Verifier, kind schemas.AssertionKind, subject string, cond wait.Condition[T], expected string, opts []Option) schemas.AssertionResult {
	start := time.Now()
	_, err := wait.For(ctx, v.engine, cond, opts...)
	res := schemas.AssertionResult{
		Assertion: kind,
		Subject:   subject,
		Selector:  cond.Selector,
		Expected:  expected,
		Passed:    err == nil,
		Timeout:   v.engine.TimeoutFor(opts...),
		Elapsed:   time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		res.Cause = err
		v.logger.Debug("Assertion failed.", zap.String("subject", subject), zap.String("assertion", string(kind)),
			zap.String("expected", expected), zap.Error(err))
	}
	return res
}

// Exists reports whether sel matches within timeout. A non-positive timeout
// checks once. It never fails: lookup errors read as false.
func (v *Verifier) Exists(ctx context.Context, sel locator.Selector, timeout time.Duration) bool {
	scope := v.scopes.Scope()
	if timeout <= 0 {
		n, err := v.res.Count(ctx, sel, scope)
		return err == nil && n > 0
	}
	_, err := wait.For(ctx, v.engine, wait.Present(v.res, scope, sel), wait.Timeout(timeout))
	if err != nil && failure.KindOf(err) != failure.Timeout {
		v.logger.Debug("Existence check failed.", zap.Stringer("selector", sel), zap.Error(err))
	}
	return err == nil
}
