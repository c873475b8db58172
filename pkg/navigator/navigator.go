// Package navigator tracks which frame, shadow root and window lookups run
// against, and guarantees scoped switches unwind.
//
// The navigator owns the execution context stack for one session. Every
// scoped call records the stack on entry and restores it on exit, on every
// path: normal return, error, panic (re-raised after the restore) and
// cancellation (the restore runs on a detached context with its own timeout).
package navigator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

// DefaultRestoreTimeout bounds how long unwinding a scoped switch may take.
const DefaultRestoreTimeout = 5 * time.Second

type entryKind int

const (
	frameEntry entryKind = iota
	shadowEntry
)

type entry struct {
	kind   entryKind
	target locator.Target
	// ref is the frame element for frame entries and the shadow root for
	// shadow entries.
	ref driver.ElementRef
	gen uint64
}

func (e entry) String() string {
	if e.kind == frameEntry {
		return "f" + strconv.FormatUint(e.gen, 10)
	}
	return "s" + strconv.FormatUint(e.gen, 10)
}

type snapshot struct {
	window driver.WindowHandle
	stack  []entry
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithRestoreTimeout bounds context restoration.
func WithRestoreTimeout(d time.Duration) Option {
	return func(n *Navigator) {
		if d > 0 {
			n.restoreTimeout = d
		}
	}
}

// Navigator is not safe for concurrent use. It belongs to one session.
type Navigator struct {
	drv            driver.Driver
	res            *locator.Resolver
	engine         *wait.Engine
	logger         *zap.Logger
	restoreTimeout time.Duration

	window driver.WindowHandle
	stack  []entry
	gen    uint64
	known  map[driver.WindowHandle]struct{}
	closed map[driver.WindowHandle]struct{}
}

// New creates a navigator over drv. Call Attach before use so the current
// window is known.
func New(drv driver.Driver, res *locator.Resolver, engine *wait.Engine, logger *zap.Logger, opts ...Option) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Navigator{
		drv:            drv,
		res:            res,
		engine:         engine,
		logger:         logger.Named("navigator"),
		restoreTimeout: DefaultRestoreTimeout,
		known:          make(map[driver.WindowHandle]struct{}),
		closed:         make(map[driver.WindowHandle]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach reads the driver's current window and open windows and resets the
// stack to the top-level document.
func (n *Navigator) Attach(ctx context.Context) error {
	cur, err := n.drv.CurrentWindow(ctx)
	if err != nil {
		return fmt.Errorf("read current window: %w", err)
	}
	if _, err := n.ListWindows(ctx); err != nil {
		return err
	}
	n.window = cur
	n.known[cur] = struct{}{}
	n.stack = nil
	return nil
}

// -- Context state --

// Depth is the number of frame and shadow entries on the stack.
func (n *Navigator) Depth() int { return len(n.stack) }

// CurrentWindow is the window lookups run in.
func (n *Navigator) CurrentWindow() driver.WindowHandle { return n.window }

// Key identifies the current execution context. It changes whenever the stack
// or window changes, and is what element handles are checked against.
func (n *Navigator) Key() string {
	var b strings.Builder
	b.WriteString(string(n.window))
	b.WriteByte('#')
	for i, e := range n.stack {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(e.String())
	}
	return b.String()
}

// Scope is the lookup scope for the current context: the innermost shadow
// root if the top entry is one, otherwise the current frame's document.
func (n *Navigator) Scope() locator.Scope {
	return locator.Scope{Key: n.Key(), Root: scopeRoot(n.stack)}
}

func scopeRoot(stack []entry) driver.ElementRef {
	if len(stack) == 0 {
		return nil
	}
	if top := stack[len(stack)-1]; top.kind == shadowEntry {
		return top.ref
	}
	return nil
}

func (n *Navigator) push(kind entryKind, target locator.Target, ref driver.ElementRef) {
	n.gen++
	n.stack = append(n.stack, entry{kind: kind, target: target, ref: ref, gen: n.gen})
}

func (n *Navigator) snapshot() snapshot {
	return snapshot{window: n.window, stack: slices.Clone(n.stack)}
}

// -- Scoped switches --

// WithFrame enters the frame element matched by frame, runs body and restores
// the previous context. Frames still loading are waited for through the
// engine with opts; a frame that detaches before the switch fails with
// StaleFrame.
func (n *Navigator) WithFrame(ctx context.Context, frame locator.Target, body func(ctx context.Context) error, opts ...wait.Option) error {
	snap := n.snapshot()
	if err := n.enterFrame(ctx, frame, opts); err != nil {
		return err
	}
	return n.scoped(ctx, snap, body)
}

// WithShadowRoot scopes lookups to the open shadow root of host while body
// runs.
func (n *Navigator) WithShadowRoot(ctx context.Context, host locator.Target, body func(ctx context.Context) error, opts ...wait.Option) error {
	snap := n.snapshot()
	if err := n.enterShadow(ctx, host, opts); err != nil {
		return err
	}
	return n.scoped(ctx, snap, body)
}

// WithWindow switches to window h at its top-level document, runs body and
// switches back to the previous window and context.
func (n *Navigator) WithWindow(ctx context.Context, h driver.WindowHandle, body func(ctx context.Context) error) error {
	snap := n.snapshot()
	if err := n.SwitchToWindow(ctx, h); err != nil {
		return err
	}
	return n.scoped(ctx, snap, body)
}

// Within runs body inside every frame that sel crosses, handing it the part of
// sel that lies inside the innermost frame. opts apply to each frame wait;
// pass wait.Until to bound them together.
func (n *Navigator) Within(ctx context.Context, sel locator.Selector, body func(ctx context.Context, rest locator.Selector) error, opts ...wait.Option) error {
	frames, rest := locator.SplitFrames(sel)
	var enter func(ctx context.Context, i int) error
	enter = func(ctx context.Context, i int) error {
		if i == len(frames) {
			return body(ctx, rest)
		}
		return n.WithFrame(ctx, frames[i], func(ctx context.Context) error {
			return enter(ctx, i+1)
		}, opts...)
	}
	return enter(ctx, 0)
}

func (n *Navigator) scoped(ctx context.Context, snap snapshot, body func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr := n.restore(ctx, snap); rerr != nil {
				n.logger.Error("Context restore failed while unwinding a panic.", zap.Error(rerr))
			}
			panic(r)
		}
		err = errors.Join(err, n.restore(ctx, snap))
	}()
	return body(ctx)
}

func (n *Navigator) enterFrame(ctx context.Context, frame locator.Target, opts []wait.Option) error {
	el, err := wait.For(ctx, n.engine, wait.Present(n.res, n.Scope(), frame), opts...)
	if err != nil {
		return lookupFailure("enter frame", frame, err)
	}
	if err := n.drv.SwitchToFrame(ctx, el.Ref); err != nil {
		if errors.Is(err, driver.ErrNoSuchFrame) || errors.Is(err, driver.ErrStaleElement) {
			return &failure.Error{Kind: failure.StaleFrame, Op: "enter frame", Selector: locator.Describe(frame), Err: err}
		}
		return fmt.Errorf("enter frame %s: %w", locator.Describe(frame), err)
	}
	n.push(frameEntry, frame, el.Ref)
	n.logger.Debug("Entered frame.", zap.String("selector", locator.Describe(frame)), zap.Int("depth", len(n.stack)))
	return nil
}

func (n *Navigator) enterShadow(ctx context.Context, host locator.Target, opts []wait.Option) error {
	el, err := wait.For(ctx, n.engine, wait.Present(n.res, n.Scope(), host), opts...)
	if err != nil {
		return lookupFailure("enter shadow root", host, err)
	}
	root, err := n.drv.ShadowRoot(ctx, el.Ref)
	if err != nil {
		return failure.FromDriver("enter shadow root", locator.Describe(host), err)
	}
	n.push(shadowEntry, host, root)
	n.logger.Debug("Entered shadow root.", zap.String("selector", locator.Describe(host)), zap.Int("depth", len(n.stack)))
	return nil
}

// lookupFailure turns a timed-out presence wait into NotFound.
func lookupFailure(op string, t locator.Target, err error) error {
	if errors.Is(err, failure.Timeout) {
		return &failure.Error{Kind: failure.NotFound, Op: op, Selector: locator.Describe(t), Err: err}
	}
	return err
}

// -- Restoration --

// restore returns to snap. The common case pops the entries pushed since
// snap, walking frames up with SwitchToParentFrame. If the stack was rewritten
// (the window changed inside the body) or a parent switch fails, the context
// is rebuilt from the window's top document. The stack always ends at snap's
// depth.
func (n *Navigator) restore(ctx context.Context, snap snapshot) error {
	if n.window == snap.window && isPrefix(snap.stack, n.stack) {
		if len(n.stack) == len(snap.stack) {
			return nil
		}
		popped := n.stack[len(snap.stack):]
		n.stack = snap.stack

		rctx, cancel := ctxutil.Cleanup(ctx, n.restoreTimeout)
		defer cancel()
		for _, e := range slices.Backward(popped) {
			if e.kind != frameEntry {
				continue
			}
			if err := n.drv.SwitchToParentFrame(rctx); err != nil {
				n.logger.Warn("Parent frame switch failed, rebuilding context.", zap.Error(err))
				return n.rebuild(rctx)
			}
		}
		return nil
	}

	rctx, cancel := ctxutil.Cleanup(ctx, n.restoreTimeout)
	defer cancel()
	if n.window != snap.window {
		if _, gone := n.closed[snap.window]; gone {
			n.stack = nil
			return &failure.Error{Kind: failure.WindowClosed, Op: "restore context", Err: fmt.Errorf("window %s was closed", snap.window)}
		}
		if err := n.drv.SwitchToWindow(rctx, snap.window); err != nil {
			n.stack = nil
			return n.windowFailure("restore context", snap.window, err)
		}
		n.window = snap.window
	}
	n.stack = snap.stack
	return n.rebuild(rctx)
}

func isPrefix(prefix, stack []entry) bool {
	if len(prefix) > len(stack) {
		return false
	}
	for i := range prefix {
		if prefix[i].gen != stack[i].gen {
			return false
		}
	}
	return true
}

// rebuild re-enters every entry on the stack from the top document. Entries
// keep their generation, so the context key is unchanged.
func (n *Navigator) rebuild(ctx context.Context) error {
	if err := n.drv.SwitchToDefaultContent(ctx); err != nil {
		return &failure.Error{Kind: failure.StaleFrame, Op: "restore context", Err: err}
	}
	for i := range n.stack {
		e := &n.stack[i]
		sel, index, _ := locator.Unpack(e.target)
		scope := locator.Scope{Key: n.Key(), Root: scopeRoot(n.stack[:i])}
		el, ok, err := n.res.Resolve(ctx, sel, scope).Nth(index)
		if err == nil && !ok {
			err = fmt.Errorf("%s no longer matches", locator.Describe(e.target))
		}
		if err == nil {
			switch e.kind {
			case frameEntry:
				err = n.drv.SwitchToFrame(ctx, el.Ref)
				e.ref = el.Ref
			case shadowEntry:
				e.ref, err = n.drv.ShadowRoot(ctx, el.Ref)
			}
		}
		if err != nil {
			n.stack = n.stack[:i]
			return &failure.Error{Kind: failure.StaleFrame, Op: "restore context", Selector: locator.Describe(e.target), Err: err}
		}
	}
	n.logger.Debug("Rebuilt execution context.", zap.Int("depth", len(n.stack)))
	return nil
}
