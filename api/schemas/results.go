package schemas

import (
	"errors"
	"fmt"
	"time"
)

// -- Action Results --

// ActionResult records one executed action. It is produced on success and
// on failure; on failure the diagnostic fields explain what the engine last
// saw.
type ActionResult struct {
	Action    string        `json:"action" yaml:"action"`
	Target    string        `json:"target" yaml:"target"`
	Success   bool          `json:"success" yaml:"success"`
	Attempts  int           `json:"attempts" yaml:"attempts"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	Condition string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	LastState string        `json:"last_state,omitempty" yaml:"last_state,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// -- Assertion Results --

// AssertionKind names a verification.
type AssertionKind string

const (
	AssertEquals   AssertionKind = "equals"
	AssertContains AssertionKind = "contains"
	AssertVisible  AssertionKind = "visible"
	AssertCount    AssertionKind = "count"
)

// ErrAssertionFailed is matched by every error from AssertionResult.Err.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionResult records one verification. Failed assertions are values,
// not errors; Err converts a failure for runners that escalate.
type AssertionResult struct {
	Assertion AssertionKind `json:"assertion" yaml:"assertion"`
	Subject   string        `json:"subject" yaml:"subject"`
	Selector  string        `json:"selector,omitempty" yaml:"selector,omitempty"`
	Expected  string        `json:"expected" yaml:"expected"`
	Actual    string        `json:"actual" yaml:"actual"`
	Passed    bool          `json:"passed" yaml:"passed"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`

	// Cause is the underlying wait failure, if any.
	Cause error `json:"-" yaml:"-"`
}

// Err returns nil for a passing assertion and otherwise an error describing
// the mismatch that wraps both ErrAssertionFailed and Cause.
func (r AssertionResult) Err() error {
	if r.Passed {
		return nil
	}
	msg := fmt.Sprintf("%s %s: expected %q, last actual %q after %s",
		r.Subject, r.Assertion, r.Expected, r.Actual, r.Elapsed.Round(time.Millisecond))
	if r.Cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrAssertionFailed, msg, r.Cause)
	}
	return fmt.Errorf("%w: %s", ErrAssertionFailed, msg)
}
