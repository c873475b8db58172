package locator

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
)

// ErrConsumed is reported by Matches.Err after a second iteration.
var ErrConsumed = errors.New("match sequence already consumed")

// ErrFrameSegment is returned for composed selectors that cross a frame.
// Split them with SplitFrames and enter each frame through the navigator.
var ErrFrameSegment = errors.New("selector crosses a frame boundary")

// Resolver finds elements through a driver.
type Resolver struct {
	drv    driver.Driver
	logger *zap.Logger
}

// NewResolver creates a resolver bound to drv.
func NewResolver(drv driver.Driver, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{drv: drv, logger: logger.Named("resolver")}
}

// Driver returns the driver lookups run through.
func (r *Resolver) Driver() driver.Driver { return r.drv }

// Resolve returns the lazy match sequence of sel under scope. No driver call
// is made until the sequence is iterated.
func (r *Resolver) Resolve(ctx context.Context, sel Selector, scope Scope) *Matches {
	return &Matches{r: r, ctx: ctx, sel: sel, scope: scope}
}

// Count returns the number of current matches.
func (r *Resolver) Count(ctx context.Context, sel Selector, scope Scope) (int, error) {
	all, err := r.Resolve(ctx, sel, scope).Collect()
	return len(all), err
}

// Matches is a finite, single-use sequence of element handles.
type Matches struct {
	r        *Resolver
	ctx      context.Context
	sel      Selector
	scope    Scope
	consumed bool
	err      error
}

// All yields matches in document order, segment by segment. Iterating a
// second time yields nothing and sets Err to ErrConsumed.
func (m *Matches) All() iter.Seq2[int, ElementHandle] {
	return func(yield func(int, ElementHandle) bool) {
		if m.consumed {
			m.err = ErrConsumed
			return
		}
		m.consumed = true

		if err := m.sel.Validate(); err != nil {
			m.err = failure.FromDriver("resolve", m.sel.String(), err)
			return
		}
		if m.sel.HasFrames() {
			m.err = &failure.Error{Kind: failure.InvalidSelector, Op: "resolve", Selector: m.sel.String(), Err: ErrFrameSegment}
			return
		}

		index := 0
		segs := m.sel.Segments()
		// Nested matches of an inner segment reach the same leaf more than
		// once; each node is yielded a single time.
		var seen map[string]bool
		if len(segs) > 1 {
			seen = make(map[string]bool)
		}
		emit := func(ref driver.ElementRef) (bool, error) {
			if seen != nil {
				key, err := driver.NodeKey(m.ctx, m.r.drv, ref)
				if err != nil {
					return false, err
				}
				if seen[key] {
					return true, nil
				}
				seen[key] = true
			}
			h := ElementHandle{Ref: ref, Selector: m.sel, Index: index, Context: m.scope.Key}
			index++
			return yield(h.Index, h), nil
		}
		_, err := m.r.walk(m.ctx, segs, m.scope.Root, emit)
		if err != nil {
			m.err = failure.FromDriver("resolve", m.sel.String(), err)
		}
		m.r.logger.Debug("Resolved selector.", zap.Stringer("selector", m.sel), zap.Int("matches", index))
	}
}

// walk resolves segs[0] under root and recurses into each match. It returns
// false once emit asks to stop.
func (r *Resolver) walk(ctx context.Context, segs []Segment, root driver.ElementRef, emit func(driver.ElementRef) (bool, error)) (bool, error) {
	seg := segs[0]
	refs, err := r.drv.FindElements(ctx, root, seg.sel.by, seg.sel.query)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if len(segs) == 1 {
			more, err := emit(ref)
			if err != nil || !more {
				return false, err
			}
			continue
		}
		next := ref
		if seg.mode == Shadow {
			next, err = r.drv.ShadowRoot(ctx, ref)
			if err != nil {
				return false, fmt.Errorf("shadow host %s: %w", seg.sel, err)
			}
		}
		more, err := r.walk(ctx, segs[1:], next, emit)
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}

// Err returns the error that ended iteration, if any.
func (m *Matches) Err() error { return m.err }

// Collect drains the sequence.
func (m *Matches) Collect() ([]ElementHandle, error) {
	var out []ElementHandle
	for _, h := range m.All() {
		out = append(out, h)
	}
	return out, m.err
}

// First returns the first match, stopping the lookup there.
func (m *Matches) First() (ElementHandle, bool, error) {
	for _, h := range m.All() {
		return h, true, nil
	}
	return ElementHandle{}, false, m.err
}

// Nth returns the match at index i, if there are that many.
func (m *Matches) Nth(i int) (ElementHandle, bool, error) {
	for idx, h := range m.All() {
		if idx == i {
			return h, true, nil
		}
	}
	return ElementHandle{}, false, m.err
}
