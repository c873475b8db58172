package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/pkg/action"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/harness"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/verify"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

// ErrHalted is returned when a halting assertion fails.
var ErrHalted = errors.New("halted by failed assertion")

// execution is the state of one scenario run.
type execution struct {
	sess    *harness.Session
	baseURL string
	// timeout is the scenario-wide default; zero defers to the engine.
	timeout time.Duration
	logger  *zap.Logger
	failed  bool
}

// runSteps runs steps in order. Once one stops the scenario the rest are
// reported as skipped.
func (x *execution) runSteps(ctx context.Context, steps []schemas.Step) ([]schemas.StepReport, error) {
	reports := make([]schemas.StepReport, 0, len(steps))
	var stop error
	for i, st := range steps {
		if stop != nil {
			reports = append(reports, schemas.StepReport{Index: i, Name: st.Label(), Action: st.Action, Status: schemas.StatusSkipped})
			continue
		}
		rep, err := x.runStep(ctx, i, st)
		reports = append(reports, rep)
		stop = err
	}
	return reports, stop
}

func (x *execution) runStep(ctx context.Context, i int, st schemas.Step) (schemas.StepReport, error) {
	start := time.Now()
	rep := schemas.StepReport{Index: i, Name: st.Label(), Action: st.Action}
	log := x.logger.With(zap.Int("step", i), zap.String("action", string(st.Action)))

	if st.Optional {
		sel, err := Selector(st.Target)
		if err == nil && !x.sess.Exists(ctx, sel, st.Timeout) {
			log.Debug("Optional step skipped; target absent.", zap.Stringer("selector", sel))
			rep.Status = schemas.StatusSkipped
			rep.Elapsed = time.Since(start)
			return rep, nil
		}
	}

	err := x.do(ctx, st, &rep)
	rep.Elapsed = time.Since(start)

	switch {
	case err != nil:
		rep.Status = schemas.StatusFailed
		rep.Error = err.Error()
		rep.ErrorKind = string(failure.KindOf(err))
		x.failed = true
		log.Warn("Step failed.", zap.String("name", rep.Name), zap.Error(err))
		return rep, fmt.Errorf("step %d (%s): %w", i, rep.Name, err)
	case rep.Assertion != nil && !rep.Assertion.Passed:
		rep.Status = schemas.StatusFailed
		rep.Error = rep.Assertion.Error
		x.failed = true
		log.Warn("Assertion failed.",
			zap.String("name", rep.Name),
			zap.String("expected", rep.Assertion.Expected),
			zap.String("actual", rep.Assertion.Actual))
		if st.Halt {
			return rep, fmt.Errorf("step %d (%s): %w", i, rep.Name, ErrHalted)
		}
		return rep, nil
	default:
		rep.Status = schemas.StatusPassed
		log.Debug("Step passed.", zap.Duration("elapsed", rep.Elapsed))
		return rep, nil
	}
}

// stepTimeout is the step's own timeout, else the scenario's.
func (x *execution) stepTimeout(st schemas.Step) time.Duration {
	if st.Timeout > 0 {
		return st.Timeout
	}
	return x.timeout
}

func (x *execution) waitOpts(st schemas.Step) []wait.Option {
	if d := x.stepTimeout(st); d > 0 {
		return []wait.Option{wait.Timeout(d)}
	}
	return nil
}

func (x *execution) actionOpts(st schemas.Step) []action.Option {
	var opts []action.Option
	if d := x.stepTimeout(st); d > 0 {
		opts = append(opts, action.Timeout(d))
	}
	if st.Clear {
		opts = append(opts, action.ClearFirst())
	}
	return opts
}

func (x *execution) do(ctx context.Context, st schemas.Step, rep *schemas.StepReport) error {
	var target locator.Target
	if st.Target != nil {
		t, err := Target(st.Target)
		if err != nil {
			return err
		}
		target = t
	}
	record := func(res schemas.ActionResult, err error) error {
		rep.Result = &res
		return err
	}

	switch st.Action {
	case schemas.StepNavigate:
		u, err := x.resolve(st.URL)
		if err != nil {
			return err
		}
		return x.sess.Navigate(ctx, u)

	case schemas.StepClick:
		return record(x.sess.Click(ctx, target, x.actionOpts(st)...))
	case schemas.StepType:
		return record(x.sess.TypeText(ctx, target, st.Text, x.actionOpts(st)...))
	case schemas.StepClear:
		return record(x.sess.Clear(ctx, target, x.actionOpts(st)...))
	case schemas.StepSelect:
		return record(x.sess.SelectOption(ctx, target, choice(st.Option), x.actionOpts(st)...))
	case schemas.StepUpload:
		return record(x.sess.UploadFile(ctx, target, st.Files, x.actionOpts(st)...))

	case schemas.StepAssert:
		res, err := x.assert(ctx, st, target)
		if err != nil {
			return err
		}
		rep.Assertion = &res
		return nil

	case schemas.StepWaitVisible:
		_, err := x.sess.WaitVisible(ctx, target, x.waitOpts(st)...)
		return err
	case schemas.StepWaitAbsent:
		sel, _, _ := locator.Unpack(target)
		return x.sess.WaitAbsent(ctx, sel, x.waitOpts(st)...)
	case schemas.StepWaitURL:
		re, err := regexp.Compile(st.URL)
		if err != nil {
			return fmt.Errorf("invalid url pattern: %w", err)
		}
		_, err = x.sess.WaitURL(ctx, re, x.waitOpts(st)...)
		return err
	case schemas.StepWaitTitle:
		return x.sess.WaitTitle(ctx, st.Text, x.waitOpts(st)...)
	case schemas.StepWaitWindows:
		timeout := x.stepTimeout(st)
		if timeout <= 0 {
			timeout = x.sess.Engine().Options().Timeout
		}
		_, err := x.sess.WaitForWindowCount(ctx, st.Count, timeout)
		return err

	case schemas.StepFrame:
		return x.sess.WithFrame(ctx, target, x.body(st, rep), x.waitOpts(st)...)
	case schemas.StepShadow:
		return x.sess.WithShadowRoot(ctx, target, x.body(st, rep), x.waitOpts(st)...)
	case schemas.StepWindow:
		h, err := x.window(ctx, st.Window)
		if err != nil {
			return err
		}
		return x.sess.WithWindow(ctx, h, x.body(st, rep))
	case schemas.StepCloseWindow:
		h := x.sess.CurrentWindow()
		if st.Window != nil {
			var err error
			if h, err = x.window(ctx, st.Window); err != nil {
				return err
			}
		}
		return x.sess.CloseWindow(ctx, h)
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

// body runs nested steps inside a scoped block and records their reports.
func (x *execution) body(st schemas.Step, rep *schemas.StepReport) func(context.Context) error {
	return func(ctx context.Context) error {
		inner, err := x.runSteps(ctx, st.Steps)
		rep.Steps = inner
		return err
	}
}

func (x *execution) assert(ctx context.Context, st schemas.Step, target locator.Target) (schemas.AssertionResult, error) {
	a := st.Assert
	var opts []verify.Option
	if d := x.stepTimeout(st); d > 0 {
		opts = append(opts, verify.Timeout(d))
	}

	switch a.Kind {
	case schemas.AssertVisible:
		return x.sess.AssertVisible(ctx, target, opts...), nil
	case schemas.AssertCount:
		sel, _, _ := locator.Unpack(target)
		return x.sess.AssertCount(ctx, sel, a.Count, opts...), nil
	}

	var p verify.Probe
	switch a.Probe {
	case "text":
		p = verify.Text(target)
	case "value":
		p = verify.Value(target)
	case "attribute":
		p = verify.Attribute(target, a.Attribute)
	case "url":
		p = verify.URL()
	case "title":
		p = verify.Title()
	default:
		return schemas.AssertionResult{}, fmt.Errorf("unknown probe %q", a.Probe)
	}
	if a.Kind == schemas.AssertContains {
		return x.sess.AssertContains(ctx, p, a.Expected, opts...), nil
	}
	return x.sess.AssertEquals(ctx, p, a.Expected, opts...), nil
}

// window maps a window index onto the driver's current window order.
func (x *execution) window(ctx context.Context, index *int) (driver.WindowHandle, error) {
	hs, err := x.sess.Windows(ctx)
	if err != nil {
		return "", err
	}
	if *index >= len(hs) {
		return "", failure.New(failure.WindowClosed, "window",
			fmt.Errorf("window index %d out of range, %d open", *index, len(hs)))
	}
	return hs[*index], nil
}

func (x *execution) resolve(raw string) (string, error) {
	if x.baseURL == "" {
		return raw, nil
	}
	base, err := url.Parse(x.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func choice(o *schemas.OptionSpec) action.Choice {
	switch {
	case o.Value != nil:
		return action.ByValue(*o.Value)
	case o.Text != nil:
		return action.ByText(*o.Text)
	default:
		return action.ByIndex(*o.Index)
	}
}
