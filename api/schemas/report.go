package schemas

import "time"

// -- Report Schemas --

// StepStatus is the outcome of a step.
type StepStatus string

const (
	StatusPassed  StepStatus = "passed"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// StepReport is the outcome of one step, with nested reports for the body of
// frame, shadow and window steps.
type StepReport struct {
	Index     int              `json:"index"`
	Name      string           `json:"name"`
	Action    StepAction       `json:"action"`
	Status    StepStatus       `json:"status"`
	Elapsed   time.Duration    `json:"elapsed"`
	Result    *ActionResult    `json:"result,omitempty"`
	Assertion *AssertionResult `json:"assertion,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Steps     []StepReport     `json:"steps,omitempty"`
}

// ScenarioReport is the outcome of one scenario.
type ScenarioReport struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	File       string        `json:"file,omitempty"`
	Driver     string        `json:"driver"`
	Passed     bool          `json:"passed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Steps      []StepReport  `json:"steps"`
	Error      string        `json:"error,omitempty"`
}

// RunReport aggregates every scenario of one run.
type RunReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Scenarios  []ScenarioReport `json:"scenarios"`
}
