package runner_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/internal/browser"
	"github.com/xkilldash9x/scalpel-harness/internal/config"
	"github.com/xkilldash9x/scalpel-harness/internal/runner"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/harness"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

const shop = `<!DOCTYPE html>
<html><head><title>Shop</title></head><body>
  <form action="/search" method="get">
    <input id="q" name="q">
    <select id="size" name="size"><option value="s">Small</option><option value="l">Large</option></select>
    <button id="go">Search</button>
  </form>
  <a id="offer" href="/offer" target="_blank">Offer</a>
  <iframe id="frame" srcdoc="<input id='inner'><p id='hello'>Hi from frame</p>"></iframe>
  <my-card id="card"><template shadowrootmode="open"><b class="inner">Shadowed</b></template></my-card>
</body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, shop) })
	mux.HandleFunc("/offer", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Offer</title></head><body><p id="deal">50% off</p></body></html>`)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Results</title></head><body><p id="echo">%s/%s</p></body></html>`,
			r.URL.Query().Get("q"), r.URL.Query().Get("size"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T) *browser.Manager {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetBrowserDriver(config.DriverStatic)
	cfg.WaitCfg.DefaultTimeout = time.Second
	cfg.WaitCfg.SlowTimeout = time.Second
	cfg.WaitCfg.PollInterval = 20 * time.Millisecond
	cfg.WaitCfg.MinPollInterval = 10 * time.Millisecond
	m := browser.NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func decode(t *testing.T, doc string) []schemas.Scenario {
	t.Helper()
	scenarios, err := runner.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	return scenarios
}

func TestRun_FullScenario(t *testing.T) {
	srv := newServer(t)
	m := newManager(t)
	r := runner.New(m, runner.Options{Concurrency: 1, BaseURL: srv.URL, Driver: "static"}, zaptest.NewLogger(t))

	scenarios := decode(t, `
name: shop
url: /
steps:
  - action: frame
    target: id=frame
    steps:
      - action: type
        target: id=inner
        text: hello
      - action: assert
        target: id=inner
        assert: {kind: equals, probe: value, expected: hello}
  - action: assert
    target:
      chain:
        - {id: card, mode: shadow}
        - {css: .inner}
    assert: {kind: equals, probe: text, expected: Shadowed}
  - action: click
    target: id=missing-banner
    optional: true
  - action: click
    target: id=offer
  - action: wait_windows
    count: 2
  - action: window
    window: 1
    steps:
      - action: assert
        target: id=deal
        assert: {kind: contains, probe: text, expected: "50%"}
  - action: close_window
    window: 1
  - action: type
    target: id=q
    text: socks
  - action: select
    target: id=size
    option: {text: Large}
  - action: click
    target: id=go
  - action: wait_title
    text: Results
  - action: assert
    target: id=echo
    assert: {kind: equals, probe: text, expected: socks/l}
  - action: assert
    assert: {kind: contains, probe: url, expected: /search}
`)

	report, err := r.Run(context.Background(), scenarios)
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 1)

	sc := report.Scenarios[0]
	require.True(t, sc.Passed, "scenario error: %s, steps: %+v", sc.Error, sc.Steps)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, "static", sc.Driver)
	assert.NotEmpty(t, sc.ID)

	require.Len(t, sc.Steps, 14, "the implicit open step comes first")
	assert.Equal(t, "open", sc.Steps[0].Name)
	assert.Len(t, sc.Steps[1].Steps, 2, "frame body is reported nested")
	assert.Equal(t, schemas.StatusSkipped, sc.Steps[3].Status, "optional step with an absent target")
	require.NotNil(t, sc.Steps[4].Result)
	assert.True(t, sc.Steps[4].Result.Success)
	assert.Equal(t, 0, m.Active(), "sessions are closed after each scenario")
}

func TestRun_AssertionFailures(t *testing.T) {
	srv := newServer(t)
	r := runner.New(newManager(t), runner.Options{BaseURL: srv.URL}, zaptest.NewLogger(t))

	scenarios := decode(t, `
name: soft
url: /
timeout: 200ms
steps:
  - action: assert
    assert: {kind: equals, probe: title, expected: Nope}
  - action: wait_title
    text: Shop
---
name: hard
url: /
timeout: 200ms
steps:
  - action: assert
    assert: {kind: equals, probe: title, expected: Nope}
    halt: true
  - action: wait_title
    text: Shop
---
name: broken
url: /
timeout: 200ms
steps:
  - action: click
    target: id=nowhere
  - action: wait_title
    text: Shop
`)
	report, err := r.Run(context.Background(), scenarios)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Passed)
	assert.Equal(t, 3, report.Failed)

	statuses := func(sc schemas.ScenarioReport) []schemas.StepStatus {
		var out []schemas.StepStatus
		for _, s := range sc.Steps {
			out = append(out, s.Status)
		}
		return out
	}
	P, F, S := schemas.StatusPassed, schemas.StatusFailed, schemas.StatusSkipped

	soft, hard, broken := report.Scenarios[0], report.Scenarios[1], report.Scenarios[2]
	assert.Empty(t, cmp.Diff([]schemas.StepStatus{P, F, P}, statuses(soft)), "a failed assertion does not stop the scenario")
	assert.Empty(t, soft.Error)
	require.NotNil(t, soft.Steps[1].Assertion)
	assert.Equal(t, "Shop", soft.Steps[1].Assertion.Actual)

	assert.Empty(t, cmp.Diff([]schemas.StepStatus{P, F, S}, statuses(hard)), "halt stops the scenario")
	assert.Contains(t, hard.Error, runner.ErrHalted.Error())

	assert.Empty(t, cmp.Diff([]schemas.StepStatus{P, F, S}, statuses(broken)))
	assert.Equal(t, string(failure.NotFound), broken.Steps[1].ErrorKind)
}

func TestRun_FailFastSkipsRemaining(t *testing.T) {
	srv := newServer(t)
	r := runner.New(newManager(t), runner.Options{Concurrency: 1, FailFast: true, BaseURL: srv.URL}, zaptest.NewLogger(t))

	scenarios := decode(t, `
name: first
url: /
steps:
  - action: assert
    assert: {kind: equals, probe: title, expected: Nope}
    timeout: 100ms
---
name: second
url: /
steps:
  - action: wait_title
    text: Shop
`)
	report, err := r.Run(context.Background(), scenarios)
	require.NoError(t, err)
	assert.False(t, report.Scenarios[0].Passed)
	assert.False(t, report.Scenarios[1].Passed)
	assert.Contains(t, report.Scenarios[1].Error, "not started")
}

func TestRun_InvalidScenarioIsReported(t *testing.T) {
	r := runner.New(newManager(t), runner.Options{}, zaptest.NewLogger(t))
	report, err := r.Run(context.Background(), []schemas.Scenario{{Name: "empty"}})
	require.NoError(t, err)
	assert.Contains(t, report.Scenarios[0].Error, "scenario has no steps")
}

type failingFactory struct{}

func (failingFactory) NewSession(context.Context, *zap.Logger) (*harness.Session, error) {
	return nil, fmt.Errorf("no browser")
}

func TestRun_SessionFailure(t *testing.T) {
	r := runner.New(failingFactory{}, runner.Options{Concurrency: 4}, zaptest.NewLogger(t))
	report, err := r.Run(context.Background(), decode(t, "name: a\nsteps: [{action: wait_title, text: x}]\n"))
	require.NoError(t, err)
	assert.Contains(t, report.Scenarios[0].Error, "no browser")
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := runner.New(failingFactory{}, runner.Options{}, zaptest.NewLogger(t))
	_, err := r.Run(ctx, decode(t, "name: a\nsteps: [{action: wait_title, text: x}]\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReport_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := schemas.RunReport{
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Passed:     1,
		Scenarios: []schemas.ScenarioReport{{
			ID: "id-1", Name: "shop", Driver: "static", Passed: true,
			StartedAt: now, FinishedAt: now.Add(time.Second), Duration: time.Second,
			Steps: []schemas.StepReport{{
				Index: 0, Name: "click", Action: schemas.StepClick, Status: schemas.StatusPassed,
				Result: &schemas.ActionResult{Action: "click", Target: "id(go)", Success: true, Attempts: 1},
			}},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, runner.WriteReport(&buf, want))
	assert.Contains(t, buf.String(), `"status": "passed"`)

	got, err := runner.ReadReport(&buf)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got, cmpopts.EquateApproxTime(0)))

	path := filepath.Join(t.TempDir(), "reports", "run.json")
	require.NoError(t, runner.SaveReport(path, want))
}
