// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/internal/browser"
	"github.com/xkilldash9x/scalpel-harness/internal/config"
	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/internal/observability"
	"github.com/xkilldash9x/scalpel-harness/internal/runner"
)

const shutdownTimeout = 15 * time.Second

// ErrScenariosFailed is returned by run when any scenario failed.
var ErrScenariosFailed = errors.New("one or more scenarios failed")

type runFlags struct {
	driver      string
	concurrency int
	report      string
	headless    bool
	failFast    bool
	baseURL     string
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [scenario.yaml...]",
		Short: "Run scenarios against a browser",
		Long: `Run loads each scenario file, executes its steps in a fresh browser
session and prints a summary. With --report the full JSON report is written
to the given path, or to stdout for "-".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runScenarios(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.driver, "driver", "", "browser backend: cdp, playwright or static")
	flags.IntVar(&f.concurrency, "concurrency", 0, "scenarios to run in parallel")
	flags.StringVar(&f.report, "report", "", `write the JSON report to this path ("-" for stdout)`)
	flags.BoolVar(&f.headless, "headless", true, "run the browser without a window")
	flags.BoolVar(&f.failFast, "fail-fast", false, "stop after the first failed scenario")
	flags.StringVar(&f.baseURL, "base-url", "", "resolve relative scenario urls against this url")
	return cmd
}

// applyRunFlags overrides config values with flags the user actually set.
func applyRunFlags(cmd *cobra.Command, cfg config.Interface, f runFlags) {
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.SetBrowserDriver(f.driver)
	}
	if flags.Changed("concurrency") {
		cfg.SetRunnerConcurrency(f.concurrency)
	}
	if flags.Changed("report") {
		cfg.SetRunnerReportPath(f.report)
	}
	if flags.Changed("headless") {
		cfg.SetBrowserHeadless(f.headless)
	}
	if flags.Changed("fail-fast") {
		cfg.SetRunnerFailFast(f.failFast)
	}
	if c, ok := cfg.(*config.Config); ok && flags.Changed("base-url") {
		c.RunnerCfg.BaseURL = f.baseURL
	}
}

func runScenarios(ctx context.Context, out io.Writer, cfg *config.Config, paths []string) error {
	logger := observability.GetLogger()

	scenarios, err := runner.LoadFiles(paths)
	if err != nil {
		return err
	}

	manager := browser.NewManager(cfg, logger)
	defer func() {
		sctx, cancel := ctxutil.Cleanup(ctx, shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			logger.Warn("Browser manager shutdown reported an error.", zap.Error(err))
		}
	}()

	rc := cfg.Runner()
	r := runner.New(manager, runner.Options{
		Concurrency: rc.Concurrency,
		FailFast:    rc.FailFast,
		BaseURL:     rc.BaseURL,
		Driver:      cfg.Browser().Driver,
	}, logger)

	report, runErr := r.Run(ctx, scenarios)

	switch rc.ReportPath {
	case "":
		printSummary(out, report)
	case "-":
		if err := runner.WriteReport(out, report); err != nil {
			return err
		}
	default:
		if err := runner.SaveReport(rc.ReportPath, report); err != nil {
			return err
		}
		printSummary(out, report)
		fmt.Fprintf(out, "Report written to %s\n", rc.ReportPath)
	}

	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrScenariosFailed, report.Failed, len(report.Scenarios))
	}
	return nil
}

func printSummary(out io.Writer, report schemas.RunReport) {
	for _, sc := range report.Scenarios {
		status := "PASS"
		if !sc.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(out, "%s  %-40s %s\n", status, sc.Name, sc.Duration.Round(time.Millisecond))
		if sc.Error != "" {
			fmt.Fprintf(out, "      %s\n", sc.Error)
		}
		printFailedSteps(out, sc.Steps, "      ")
	}
	fmt.Fprintf(out, "\n%d passed, %d failed\n", report.Passed, report.Failed)
}

func printFailedSteps(out io.Writer, steps []schemas.StepReport, indent string) {
	for _, st := range steps {
		if st.Status == schemas.StatusFailed && len(st.Steps) == 0 {
			fmt.Fprintf(out, "%sstep %d %s: %s\n", indent, st.Index, st.Name, st.Error)
		}
		printFailedSteps(out, st.Steps, indent+"  ")
	}
}
