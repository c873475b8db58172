package wait

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
)

// StateNoMatch prefixes the observed state of an element condition whose
// target has no match.
const StateNoMatch = "no element matches"

// Readiness is the state an element must reach.
type Readiness int

const (
	// Presence: at least one match exists.
	Presence Readiness = iota
	// Visibility: present and displayed.
	Visibility
	// Clickability: displayed and enabled.
	Clickability
	// Editability: displayed, enabled and not read-only.
	Editability
)

func (r Readiness) String() string {
	switch r {
	case Presence:
		return "present"
	case Visibility:
		return "visible"
	case Clickability:
		return "clickable"
	case Editability:
		return "editable"
	}
	return fmt.Sprintf("readiness(%d)", int(r))
}

// Present waits for t to exist in scope.
func Present(res *locator.Resolver, scope locator.Scope, t locator.Target) Condition[locator.ElementHandle] {
	return Element(res, scope, t, Presence)
}

// Visible waits for t to exist and be displayed.
func Visible(res *locator.Resolver, scope locator.Scope, t locator.Target) Condition[locator.ElementHandle] {
	return Element(res, scope, t, Visibility)
}

// Clickable waits for t to be displayed and enabled.
func Clickable(res *locator.Resolver, scope locator.Scope, t locator.Target) Condition[locator.ElementHandle] {
	return Element(res, scope, t, Clickability)
}

// Editable waits for t to accept text input.
func Editable(res *locator.Resolver, scope locator.Scope, t locator.Target) Condition[locator.ElementHandle] {
	return Element(res, scope, t, Editability)
}

// Element waits for t to reach level and yields its handle.
//
// A Selector target is re-resolved on every poll, so re-rendered nodes are
// picked up. A handle target is checked as is: a handle from another
// context fails with WrongContext and a stale handle fails with StaleElement,
// both without further polling, so the caller decides whether to re-resolve.
func Element(res *locator.Resolver, scope locator.Scope, t locator.Target, level Readiness) Condition[locator.ElementHandle] {
	sel, index, h := locator.Unpack(t)
	desc := fmt.Sprintf("%s to be %s", locator.Describe(t), level)
	drv := res.Driver()

	poll := func(ctx context.Context) (Outcome[locator.ElementHandle], error) {
		var el locator.ElementHandle
		if h != nil {
			if h.Context != scope.Key {
				return Outcome[locator.ElementHandle]{}, Permanent(&failure.Error{
					Kind:     failure.WrongContext,
					Op:       "wait",
					Selector: h.String(),
					Err:      fmt.Errorf("handle belongs to context %q, current context is %q", h.Context, scope.Key),
				})
			}
			el = *h
		} else {
			found, ok, err := res.Resolve(ctx, sel, scope).Nth(index)
			if err != nil {
				if isFatalLookup(err) {
					return Outcome[locator.ElementHandle]{}, Permanent(err)
				}
				return Outcome[locator.ElementHandle]{}, err
			}
			if !ok {
				if index > 0 {
					return NotYet[locator.ElementHandle](fmt.Sprintf("%s at index %d", StateNoMatch, index)), nil
				}
				return NotYet[locator.ElementHandle](StateNoMatch), nil
			}
			el = found
		}

		state, ready, err := check(ctx, drv, el.Ref, level)
		if err != nil {
			if errors.Is(err, driver.ErrStaleElement) {
				if h != nil {
					return Outcome[locator.ElementHandle]{}, Permanent(failure.FromDriver("wait", h.String(), err))
				}
				return NotYet[locator.ElementHandle]("element went stale"), nil
			}
			if isFatalLookup(err) {
				return Outcome[locator.ElementHandle]{}, Permanent(failure.FromDriver("wait", sel.String(), err))
			}
			return Outcome[locator.ElementHandle]{}, err
		}
		if !ready {
			return NotYet[locator.ElementHandle](state), nil
		}
		return Ready(el), nil
	}
	return Condition[locator.ElementHandle]{Description: desc, Selector: locator.Describe(t), Poll: poll}
}

// isFatalLookup reports errors that polling cannot fix.
func isFatalLookup(err error) bool {
	return errors.Is(err, failure.InvalidSelector) ||
		errors.Is(err, driver.ErrInvalidSelector) ||
		errors.Is(err, driver.ErrNoSuchFrame) ||
		errors.Is(err, driver.ErrNoSuchWindow) ||
		errors.Is(err, failure.StaleFrame) ||
		errors.Is(err, failure.WindowClosed)
}

// check evaluates readiness beyond presence, returning the observed state
// when the element falls short.
func check(ctx context.Context, drv driver.Driver, el driver.ElementRef, level Readiness) (string, bool, error) {
	if level == Presence {
		return "", true, nil
	}
	displayed, err := drv.IsDisplayed(ctx, el)
	if err != nil {
		return "", false, err
	}
	if !displayed {
		return "present but not displayed", false, nil
	}
	if level == Visibility {
		return "", true, nil
	}
	enabled, err := drv.IsEnabled(ctx, el)
	if err != nil {
		return "", false, err
	}
	if !enabled {
		return "displayed but disabled", false, nil
	}
	if level == Clickability {
		return "", true, nil
	}
	_, readonly, err := drv.Attribute(ctx, el, "readonly")
	if err != nil {
		return "", false, err
	}
	if readonly {
		return "enabled but read-only", false, nil
	}
	return "", true, nil
}

// Absent waits until sel has no matches in scope.
func Absent(res *locator.Resolver, scope locator.Scope, sel locator.Selector) Condition[struct{}] {
	return Condition[struct{}]{
		Description: fmt.Sprintf("%s to be absent", sel),
		Selector:    sel.String(),
		Poll: func(ctx context.Context) (Outcome[struct{}], error) {
			n, err := res.Count(ctx, sel, scope)
			if err != nil {
				if isFatalLookup(err) {
					return Outcome[struct{}]{}, Permanent(err)
				}
				return Outcome[struct{}]{}, err
			}
			if n > 0 {
				return NotYet[struct{}](fmt.Sprintf("%d matches", n)), nil
			}
			return Ready(struct{}{}), nil
		},
	}
}

// URLMatches waits for the current URL to match re.
func URLMatches(drv driver.Driver, re *regexp.Regexp) Condition[string] {
	return Condition[string]{
		Description: fmt.Sprintf("url to match %q", re),
		Poll: func(ctx context.Context) (Outcome[string], error) {
			u, err := drv.CurrentURL(ctx)
			if err != nil {
				return Outcome[string]{}, err
			}
			if !re.MatchString(u) {
				return NotYet[string]("url is " + u), nil
			}
			return Ready(u), nil
		},
	}
}

// URLContains waits for the current URL to contain substr.
func URLContains(drv driver.Driver, substr string) Condition[string] {
	c := URLMatches(drv, regexp.MustCompile(regexp.QuoteMeta(substr)))
	c.Description = fmt.Sprintf("url to contain %q", substr)
	return c
}

// TitleIs waits for the page title to equal title after trimming.
func TitleIs(drv driver.Driver, title string) Condition[string] {
	return Condition[string]{
		Description: fmt.Sprintf("title to be %q", title),
		Poll: func(ctx context.Context) (Outcome[string], error) {
			got, err := drv.Title(ctx)
			if err != nil {
				return Outcome[string]{}, err
			}
			if strings.TrimSpace(got) != title {
				return NotYet[string](fmt.Sprintf("title is %q", got)), nil
			}
			return Ready(got), nil
		},
	}
}

// WindowCount waits until exactly n windows are open.
func WindowCount(drv driver.Driver, n int) Condition[[]driver.WindowHandle] {
	return Condition[[]driver.WindowHandle]{
		Description: fmt.Sprintf("%d open windows", n),
		Poll: func(ctx context.Context) (Outcome[[]driver.WindowHandle], error) {
			hs, err := drv.Windows(ctx)
			if err != nil {
				return Outcome[[]driver.WindowHandle]{}, err
			}
			if len(hs) != n {
				return NotYet[[]driver.WindowHandle](fmt.Sprintf("%d windows open", len(hs))), nil
			}
			return Ready(hs), nil
		},
	}
}
