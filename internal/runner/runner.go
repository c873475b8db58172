// Package runner executes YAML scenarios against harness sessions and
// collects a report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/internal/observability"
	"github.com/xkilldash9x/scalpel-harness/pkg/harness"
)

const sessionCloseTimeout = 10 * time.Second

// errFailFast cancels the remaining scenarios after a failure.
var errFailFast = errors.New("scenario failed with fail-fast enabled")

// SessionFactory opens a session on a fresh driver. *browser.Manager
// implements it.
type SessionFactory interface {
	NewSession(ctx context.Context, logger *zap.Logger) (*harness.Session, error)
}

// Options controls a run.
type Options struct {
	// Concurrency is the number of scenarios run at once.
	Concurrency int
	FailFast    bool
	// BaseURL resolves relative navigate urls.
	BaseURL string
	// Driver names the backend in reports.
	Driver string
}

// Runner runs scenarios, each in its own session.
type Runner struct {
	sessions SessionFactory
	opts     Options
	logger   *zap.Logger
}

// New creates a runner.
func New(sessions SessionFactory, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{sessions: sessions, opts: opts, logger: logger.Named("runner")}
}

// Run executes scenarios concurrently. Reports keep the input order. The
// returned error is non-nil only when ctx ends; failed scenarios are
// recorded in the report.
func (r *Runner) Run(ctx context.Context, scenarios []schemas.Scenario) (schemas.RunReport, error) {
	report := schemas.RunReport{
		StartedAt: time.Now(),
		Scenarios: make([]schemas.ScenarioReport, len(scenarios)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, sc := range scenarios {
		g.Go(func() error {
			rep := r.RunScenario(gctx, sc)
			report.Scenarios[i] = rep
			if !rep.Passed && r.opts.FailFast {
				return errFailFast
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errFailFast) {
		return report, err
	}

	report.FinishedAt = time.Now()
	for _, s := range report.Scenarios {
		if s.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	r.logger.Info("Run complete.",
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, ctx.Err()
}

// RunScenario runs one scenario in a new session and always returns a
// report.
func (r *Runner) RunScenario(ctx context.Context, sc schemas.Scenario) schemas.ScenarioReport {
	rep := schemas.ScenarioReport{
		ID:        uuid.NewString(),
		Name:      sc.Name,
		File:      sc.File,
		Driver:    r.opts.Driver,
		StartedAt: time.Now(),
	}
	defer func() {
		rep.FinishedAt = time.Now()
		rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)
	}()

	if err := ctx.Err(); err != nil {
		rep.Error = fmt.Sprintf("not started: %v", err)
		return rep
	}
	if err := Validate(sc); err != nil {
		rep.Error = err.Error()
		return rep
	}

	log := observability.ForScenario(r.logger, sc.Name)
	log.Info("Scenario started.", zap.String("file", sc.File))

	sess, err := r.sessions.NewSession(ctx, log)
	if err != nil {
		rep.Error = fmt.Sprintf("failed to open session: %v", err)
		log.Error("Could not open a session.", zap.Error(err))
		return rep
	}
	defer func() {
		cctx, cancel := ctxutil.Cleanup(ctx, sessionCloseTimeout)
		defer cancel()
		if err := sess.Close(cctx); err != nil {
			log.Warn("Failed to close session.", zap.Error(err))
		}
	}()

	steps := sc.Steps
	if sc.URL != "" {
		open := schemas.Step{Name: "open", Action: schemas.StepNavigate, URL: sc.URL}
		steps = append([]schemas.Step{open}, steps...)
	}

	x := &execution{
		sess:    sess,
		baseURL: r.opts.BaseURL,
		timeout: sc.Timeout,
		logger:  log,
	}
	rep.Steps, err = x.runSteps(ctx, steps)
	rep.Passed = err == nil && !x.failed
	if err != nil {
		rep.Error = err.Error()
	}

	log.Info("Scenario finished.", zap.Bool("passed", rep.Passed), zap.Duration("elapsed", time.Since(rep.StartedAt)))
	return rep
}
