// Package failure is the typed error taxonomy surfaced to scenario runners.
//
// Every locator, wait, navigation and action failure is an *Error carrying
// enough context to diagnose it without a rerun: the selector, the condition
// waited on, how long the engine waited and the last state it observed.
// Kinds are themselves errors, so callers can branch with errors.Is:
//
//	if errors.Is(err, failure.Timeout) { ... }
package failure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	NotFound              Kind = "not_found"
	Timeout               Kind = "timeout"
	StaleElement          Kind = "stale_element"
	StaleFrame            Kind = "stale_frame"
	NotInteractable       Kind = "element_not_interactable"
	ShadowRootUnavailable Kind = "shadow_root_unavailable"
	WindowClosed          Kind = "window_closed"
	WrongContext          Kind = "wrong_context"
	InvalidSelector       Kind = "invalid_selector"
)

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a failure with diagnostic context. Zero-valued fields are omitted
// from the message.
type Error struct {
	Kind      Kind
	Op        string
	Selector  string
	Condition string
	Elapsed   time.Duration
	LastState string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Condition != "" {
		fmt.Fprintf(&b, " waiting for %s", e.Condition)
	}
	if e.Selector != "" {
		fmt.Fprintf(&b, " [selector %s]", e.Selector)
	}
	if e.Elapsed > 0 {
		fmt.Fprintf(&b, " after %s", e.Elapsed.Round(time.Millisecond))
	}
	if e.LastState != "" {
		fmt.Fprintf(&b, " (last state: %s)", e.LastState)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the failure's own Kind. Kinds of wrapped failures are reached
// through Unwrap, so an ElementNotInteractable wrapping a Timeout matches
// both.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds a failure of kind k for op.
func New(k Kind, op string, cause error) *Error {
	return &Error{Kind: k, Op: op, Err: cause}
}

// KindOf returns the kind of the outermost failure in err's chain, or "" if
// err carries none.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Diagnostics extracts the outermost failure's context for result records.
// Fields that the outer failure leaves empty are filled from wrapped ones.
func Diagnostics(err error) (selector, condition, lastState string, elapsed time.Duration) {
	for err != nil {
		var f *Error
		if !errors.As(err, &f) {
			return
		}
		if selector == "" {
			selector = f.Selector
		}
		if condition == "" {
			condition = f.Condition
		}
		if lastState == "" {
			lastState = f.LastState
		}
		if elapsed == 0 {
			elapsed = f.Elapsed
		}
		err = f.Err
	}
	return
}
