package locator

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// Scope is where a lookup runs: the execution context it belongs to and the
// root node inside the driver's current frame (nil for the frame document).
type Scope struct {
	Key  string
	Root driver.ElementRef
}

// ElementHandle is a possibly-stale reference to a matched node. It remembers
// how it was found so the engine can re-resolve it once after a re-render.
type ElementHandle struct {
	Ref      driver.ElementRef
	Selector Selector
	Index    int
	Context  string
}

func (h ElementHandle) String() string {
	return fmt.Sprintf("%s[%d]", h.Selector, h.Index)
}

// Target is what actions and conditions operate on: a Selector (resolved on
// every attempt), a positional selector from At, or an ElementHandle (used as
// is, re-resolved once if stale).
type Target interface {
	target() (sel Selector, index int, handle *ElementHandle)
}

func (s Selector) target() (Selector, int, *ElementHandle) { return s, 0, nil }

func (h ElementHandle) target() (Selector, int, *ElementHandle) { return h.Selector, h.Index, &h }

type positional struct {
	sel   Selector
	index int
}

func (p positional) target() (Selector, int, *ElementHandle) { return p.sel, p.index, nil }

// At targets the index-th match of sel rather than the first.
func At(sel Selector, index int) Target { return positional{sel: sel, index: index} }

// Unpack returns the selector and match index behind t and, when t is a
// handle, the handle.
func Unpack(t Target) (Selector, int, *ElementHandle) {
	if t == nil {
		return Selector{}, 0, nil
	}
	return t.target()
}

// Describe renders a target for logs and failures.
func Describe(t Target) string {
	sel, index, h := Unpack(t)
	if h != nil {
		return h.String()
	}
	if index > 0 {
		return fmt.Sprintf("%s[%d]", sel, index)
	}
	return sel.String()
}
