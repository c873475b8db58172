// pkg/harness/session.go

// Package harness composes the locator, wait engine, navigator, action
// executor and verification layer into one Session per scenario.
//
// A Session owns its driver exclusively. Selectors that cross frames are
// accepted everywhere a selector is: the session enters each frame through the
// navigator, runs the operation on the remainder and restores the context.
package harness

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/pkg/action"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/navigator"
	"github.com/xkilldash9x/scalpel-harness/pkg/verify"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

// Locator finds elements.
type Locator interface {
	Find(ctx context.Context, sel locator.Selector, opts ...wait.Option) (locator.ElementHandle, error)
	FindAll(ctx context.Context, sel locator.Selector) ([]locator.ElementHandle, error)
	Exists(ctx context.Context, sel locator.Selector, timeout time.Duration) bool
}

// Waiter blocks on page state.
type Waiter interface {
	WaitVisible(ctx context.Context, t locator.Target, opts ...wait.Option) (locator.ElementHandle, error)
	WaitClickable(ctx context.Context, t locator.Target, opts ...wait.Option) (locator.ElementHandle, error)
	WaitAbsent(ctx context.Context, sel locator.Selector, opts ...wait.Option) error
	WaitURL(ctx context.Context, re *regexp.Regexp, opts ...wait.Option) (string, error)
	WaitTitle(ctx context.Context, title string, opts ...wait.Option) error
}

// Actor performs user input.
type Actor interface {
	Click(ctx context.Context, t locator.Target, opts ...action.Option) (schemas.ActionResult, error)
	TypeText(ctx context.Context, t locator.Target, text string, opts ...action.Option) (schemas.ActionResult, error)
	Clear(ctx context.Context, t locator.Target, opts ...action.Option) (schemas.ActionResult, error)
	SelectOption(ctx context.Context, t locator.Target, choice action.Choice, opts ...action.Option) (schemas.ActionResult, error)
	UploadFile(ctx context.Context, t locator.Target, paths []string, opts ...action.Option) (schemas.ActionResult, error)
}

var (
	_ Locator = (*Session)(nil)
	_ Waiter  = (*Session)(nil)
	_ Actor   = (*Session)(nil)
)

// Options configures a Session.
type Options struct {
	Wait           wait.Options
	RestoreTimeout time.Duration
}

// Session is the engine surface for one scenario. It is not safe for
// concurrent use.
type Session struct {
	id     string
	drv    driver.Driver
	res    *locator.Resolver
	engine *wait.Engine
	nav    *navigator.Navigator
	act    *action.Executor
	ver    *verify.Verifier
	logger *zap.Logger
}

// New attaches a session to drv's current window.
func New(ctx context.Context, drv driver.Driver, opts Options, logger *zap.Logger) (*Session, error) {
	if drv == nil {
		return nil, errors.New("harness: driver is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	log := logger.With(zap.String("session_id", id))

	res := locator.NewResolver(drv, log)
	engine := wait.NewEngine(opts.Wait, log)
	nav := navigator.New(drv, res, engine, log, navigator.WithRestoreTimeout(opts.RestoreTimeout))
	if err := nav.Attach(ctx); err != nil {
		return nil, fmt.Errorf("harness: attach session: %w", err)
	}

	s := &Session{
		id:     id,
		drv:    drv,
		res:    res,
		engine: engine,
		nav:    nav,
		act:    action.New(drv, res, engine, nav, log),
		ver:    verify.New(drv, res, engine, nav, log),
		logger: log.Named("session"),
	}
	s.logger.Debug("Session attached.", zap.String("window", string(nav.CurrentWindow())))
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Driver is the backend the session drives.
func (s *Session) Driver() driver.Driver { return s.drv }

// Engine is the session's wait engine, for wait.For with custom conditions.
func (s *Session) Engine() *wait.Engine { return s.engine }

// Resolver is the session's locator.
func (s *Session) Resolver() *locator.Resolver { return s.res }

// Navigator exposes the context stack.
func (s *Session) Navigator() *navigator.Navigator { return s.nav }

// Scope is the lookup scope of the current context.
func (s *Session) Scope() locator.Scope { return s.nav.Scope() }

// Close releases the driver.
func (s *Session) Close(ctx context.Context) error {
	return s.drv.Close(ctx)
}

// -- Page --

// Navigate loads url in the current window. It is refused inside a frame or
// shadow scope, where the context stack would no longer describe the page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if d := s.nav.Depth(); d > 0 {
		return &failure.Error{Kind: failure.WrongContext, Op: "navigate",
			Err: fmt.Errorf("cannot navigate at context depth %d", d)}
	}
	if err := s.drv.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	s.logger.Debug("Navigated.", zap.String("url", url))
	return nil
}

// CurrentURL reads the page URL.
func (s *Session) CurrentURL(ctx context.Context) (string, error) { return s.drv.CurrentURL(ctx) }

// Title reads the page title.
func (s *Session) Title(ctx context.Context) (string, error) { return s.drv.Title(ctx) }

// Evaluate runs script in the current frame. Backends without a script engine
// return driver.ErrUnsupported.
func (s *Session) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	v, err := s.drv.ExecuteScript(ctx, script, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return v, nil
}

// -- Locating --

// Find waits for sel to match and returns the first match. The handle belongs
// to the current context, so sel may not cross frames.
func (s *Session) Find(ctx context.Context, sel locator.Selector, opts ...wait.Option) (locator.ElementHandle, error) {
	return wait.For(ctx, s.engine, wait.Present(s.res, s.nav.Scope(), sel), opts...)
}

// FindAll returns the current matches of sel without waiting.
func (s *Session) FindAll(ctx context.Context, sel locator.Selector) ([]locator.ElementHandle, error) {
	return s.res.Resolve(ctx, sel, s.nav.Scope()).Collect()
}

// Exists reports whether sel matches within timeout. Frames that cannot be
// entered read as absent. A non-positive timeout checks the frames and the
// element once.
func (s *Session) Exists(ctx context.Context, sel locator.Selector, timeout time.Duration) bool {
	frameOpts := []wait.Option{wait.Immediate()}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		frameOpts = []wait.Option{wait.Timeout(timeout), wait.Until(deadline)}
	}
	var found bool
	err := s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		var left time.Duration
		if timeout > 0 {
			// Spent budget leaves a single check.
			left = time.Until(deadline)
		}
		found = s.ver.Exists(ctx, rest, left)
		return nil
	}, frameOpts...)
	if err != nil {
		s.logger.Debug("Existence check could not enter its frames.", zap.Stringer("selector", sel), zap.Error(err))
		return false
	}
	return found
}

// -- Waiting --

// WaitVisible waits for t to be displayed. t may not cross frames.
func (s *Session) WaitVisible(ctx context.Context, t locator.Target, opts ...wait.Option) (locator.ElementHandle, error) {
	return wait.For(ctx, s.engine, wait.Visible(s.res, s.nav.Scope(), t), opts...)
}

// WaitClickable waits for t to be displayed and enabled.
func (s *Session) WaitClickable(ctx context.Context, t locator.Target, opts ...wait.Option) (locator.ElementHandle, error) {
	return wait.For(ctx, s.engine, wait.Clickable(s.res, s.nav.Scope(), t), opts...)
}

// WaitAbsent waits until sel matches nothing.
func (s *Session) WaitAbsent(ctx context.Context, sel locator.Selector, opts ...wait.Option) error {
	opts = s.budget(opts)
	return s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		_, err := wait.For(ctx, s.engine, wait.Absent(s.res, s.nav.Scope(), rest), opts...)
		return err
	}, opts...)
}

// budget caps opts at a deadline taken now, so the frame waits of a
// frame-crossing call and its own wait share the caller's timeout.
func (s *Session) budget(opts []wait.Option) []wait.Option {
	deadline := time.Now().Add(s.engine.TimeoutFor(opts...))
	return append(slices.Clone(opts), wait.Until(deadline))
}

// WaitURL waits for the page URL to match re.
func (s *Session) WaitURL(ctx context.Context, re *regexp.Regexp, opts ...wait.Option) (string, error) {
	return wait.For(ctx, s.engine, wait.URLMatches(s.drv, re), opts...)
}

// WaitTitle waits for the trimmed page title to equal title.
func (s *Session) WaitTitle(ctx context.Context, title string, opts ...wait.Option) error {
	_, err := wait.For(ctx, s.engine, wait.TitleIs(s.drv, title), opts...)
	return err
}

// -- Actions --

// Click clicks t once it is clickable.
func (s *Session) Click(ctx context.Context, t locator.Target, opts ...action.Option) (schemas.ActionResult, error) {
	return s.perform(ctx, "click", t, opts, func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error) {
		return s.act.Click(ctx, t, opts...)
	})
}

// TypeText types text into t.
func (s *Session) TypeText(ctx context.Context, t locator.Target, text string, opts ...action.Option) (schemas.ActionResult, error) {
	return s.perform(ctx, "type", t, opts, func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error) {
		return s.act.TypeText(ctx, t, text, opts...)
	})
}

// Clear empties t.
func (s *Session) Clear(ctx context.Context, t locator.Target, opts ...action.Option) (schemas.ActionResult, error) {
	return s.perform(ctx, "clear", t, opts, func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error) {
		return s.act.Clear(ctx, t, opts...)
	})
}

// SelectOption selects choice in the select element t.
func (s *Session) SelectOption(ctx context.Context, t locator.Target, choice action.Choice, opts ...action.Option) (schemas.ActionResult, error) {
	return s.perform(ctx, "select", t, opts, func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error) {
		return s.act.SelectOption(ctx, t, choice, opts...)
	})
}

// UploadFile sets the files of the file input t.
func (s *Session) UploadFile(ctx context.Context, t locator.Target, paths []string, opts ...action.Option) (schemas.ActionResult, error) {
	return s.perform(ctx, "upload", t, opts, func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error) {
		return s.act.UploadFile(ctx, t, paths, opts...)
	})
}

type actionFunc func(ctx context.Context, t locator.Target, opts []action.Option) (schemas.ActionResult, error)

// perform runs do directly for handles and frame-free selectors, and inside
// the crossed frames otherwise. Entering the frames and the action share the
// action's timeout. The result names the full target either way.
func (s *Session) perform(ctx context.Context, name string, t locator.Target, opts []action.Option, do actionFunc) (schemas.ActionResult, error) {
	sel, index, h := locator.Unpack(t)
	if h != nil || !sel.HasFrames() {
		return do(ctx, t, opts)
	}

	start := time.Now()
	frameOpts := action.WaitOptions(opts...)
	deadline := start.Add(s.engine.TimeoutFor(frameOpts...))
	frameOpts = append(frameOpts, wait.Until(deadline))
	opts = append(slices.Clone(opts), action.Until(deadline))

	var res schemas.ActionResult
	err := s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		var inner locator.Target = rest
		if index > 0 {
			inner = locator.At(rest, index)
		}
		var err error
		res, err = do(ctx, inner, opts)
		return err
	}, frameOpts...)
	res.Action = name
	res.Target = locator.Describe(t)
	if err != nil {
		if res.Error == "" || res.Success {
			res.Success = false
			res.Elapsed = time.Since(start)
			res.Error = err.Error()
			res.ErrorKind = string(failure.KindOf(err))
		}
		return res, err
	}
	return res, nil
}

// -- Assertions --

// AssertEquals asserts that p eventually reads expected.
func (s *Session) AssertEquals(ctx context.Context, p verify.Probe, expected string, opts ...verify.Option) schemas.AssertionResult {
	return s.assertProbe(ctx, schemas.AssertEquals, p, expected, opts, func(ctx context.Context, p verify.Probe, opts []verify.Option) schemas.AssertionResult {
		return s.ver.Equals(ctx, p, expected, opts...)
	})
}

// AssertContains asserts that p eventually contains substr.
func (s *Session) AssertContains(ctx context.Context, p verify.Probe, substr string, opts ...verify.Option) schemas.AssertionResult {
	return s.assertProbe(ctx, schemas.AssertContains, p, substr, opts, func(ctx context.Context, p verify.Probe, opts []verify.Option) schemas.AssertionResult {
		return s.ver.Contains(ctx, p, substr, opts...)
	})
}

// AssertVisible asserts that t is eventually displayed.
func (s *Session) AssertVisible(ctx context.Context, t locator.Target, opts ...verify.Option) schemas.AssertionResult {
	sel, index, h := locator.Unpack(t)
	if h != nil || !sel.HasFrames() {
		return s.ver.Visible(ctx, t, opts...)
	}
	timeout := s.engine.TimeoutFor(opts...)
	opts = s.budget(opts)
	var res schemas.AssertionResult
	err := s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		var inner locator.Target = rest
		if index > 0 {
			inner = locator.At(rest, index)
		}
		res = s.ver.Visible(ctx, inner, opts...)
		return nil
	}, opts...)
	return settle(res, schemas.AssertVisible, locator.Describe(t), locator.Describe(t), "visible", timeout, err)
}

// AssertCount asserts that sel eventually has exactly n matches.
func (s *Session) AssertCount(ctx context.Context, sel locator.Selector, n int, opts ...verify.Option) schemas.AssertionResult {
	if !sel.HasFrames() {
		return s.ver.Count(ctx, sel, n, opts...)
	}
	timeout := s.engine.TimeoutFor(opts...)
	opts = s.budget(opts)
	var res schemas.AssertionResult
	err := s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		res = s.ver.Count(ctx, rest, n, opts...)
		return nil
	}, opts...)
	return settle(res, schemas.AssertCount, "count of "+sel.String(), sel.String(), strconv.Itoa(n), timeout, err)
}

type probeCheck func(ctx context.Context, p verify.Probe, opts []verify.Option) schemas.AssertionResult

func (s *Session) assertProbe(ctx context.Context, kind schemas.AssertionKind, p verify.Probe, expected string, opts []verify.Option, check probeCheck) schemas.AssertionResult {
	t := p.Target()
	sel, index, h := locator.Unpack(t)
	if t == nil || h != nil || !sel.HasFrames() {
		return check(ctx, p, opts)
	}
	timeout := s.engine.TimeoutFor(opts...)
	opts = s.budget(opts)
	var res schemas.AssertionResult
	err := s.nav.Within(ctx, sel, func(ctx context.Context, rest locator.Selector) error {
		var inner locator.Target = rest
		if index > 0 {
			inner = locator.At(rest, index)
		}
		res = check(ctx, p.On(inner), opts)
		return nil
	}, opts...)
	return settle(res, kind, p.String(), locator.Describe(t), expected, timeout, err)
}

// settle names the full selector and the caller's timeout on a result that
// ran inside frames, and fills in one whose frames could not be entered.
func settle(res schemas.AssertionResult, kind schemas.AssertionKind, subject, selector, expected string, timeout time.Duration, err error) schemas.AssertionResult {
	if res.Assertion == "" {
		res = schemas.AssertionResult{Assertion: kind, Expected: expected}
	}
	res.Subject = subject
	res.Selector = selector
	res.Timeout = timeout
	if err != nil {
		res.Passed = false
		res.Cause = errors.Join(res.Cause, err)
		res.Error = res.Cause.Error()
	}
	return res
}

// -- Scopes and windows --

// WithFrame runs body inside the frame matched by frame. opts bound the wait
// for the frame element.
func (s *Session) WithFrame(ctx context.Context, frame locator.Target, body func(ctx context.Context) error, opts ...wait.Option) error {
	return s.nav.WithFrame(ctx, frame, body, opts...)
}

// WithShadowRoot runs body with lookups scoped to host's shadow root.
func (s *Session) WithShadowRoot(ctx context.Context, host locator.Target, body func(ctx context.Context) error, opts ...wait.Option) error {
	return s.nav.WithShadowRoot(ctx, host, body, opts...)
}

// WithWindow runs body in window h and switches back.
func (s *Session) WithWindow(ctx context.Context, h driver.WindowHandle, body func(ctx context.Context) error) error {
	return s.nav.WithWindow(ctx, h, body)
}

// Windows lists the open windows.
func (s *Session) Windows(ctx context.Context) ([]driver.WindowHandle, error) {
	return s.nav.ListWindows(ctx)
}

// WaitForWindowCount waits until exactly n windows are open.
func (s *Session) WaitForWindowCount(ctx context.Context, n int, timeout time.Duration) ([]driver.WindowHandle, error) {
	return s.nav.WaitForWindowCount(ctx, n, timeout)
}

// CurrentWindow is the window lookups run in.
func (s *Session) CurrentWindow() driver.WindowHandle { return s.nav.CurrentWindow() }

// SwitchToWindow makes h current at its top-level document.
func (s *Session) SwitchToWindow(ctx context.Context, h driver.WindowHandle) error {
	return s.nav.SwitchToWindow(ctx, h)
}

// CloseWindow closes h.
func (s *Session) CloseWindow(ctx context.Context, h driver.WindowHandle) error {
	return s.nav.CloseWindow(ctx, h)
}
