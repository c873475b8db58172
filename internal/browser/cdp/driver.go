// internal/browser/cdp/driver.go

// Package cdp adapts chromedp to driver.Driver. Elements are Runtime remote
// objects held in one object group; every lookup and read runs a shared
// helper function against them with Runtime.callFunctionOn.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

const (
	objectGroup              = "scalpel-harness"
	defaultNavigationTimeout = 30 * time.Second
	closeTimeout             = 10 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config selects how the browser is reached.
type Config struct {
	// RemoteURL attaches to a running browser's DevTools websocket instead of
	// launching one.
	RemoteURL         string
	Headless          bool
	Args              []string
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
}

// AllocatorOptions translates cfg into exec allocator options. Args take
// the form "flag" or "flag=value", with or without leading dashes.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		if key, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// tab is one page target. frames holds the iframe elements entered from the
// top document, innermost last.
type tab struct {
	handle driver.WindowHandle
	ctx    context.Context
	cancel context.CancelFunc
	frames []runtime.RemoteObjectID
}

// Driver controls one Chromium instance (or one remote browser connection).
// It is not safe for concurrent use.
type Driver struct {
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	closeOnce   sync.Once

	tabs    map[driver.WindowHandle]*tab
	order   []driver.WindowHandle
	current *tab
}

var (
	_ driver.Driver     = (*Driver)(nil)
	_ driver.Identifier = (*Driver)(nil)
)

// New starts (or attaches to) a browser and its first tab. The browser lives
// until Close; ctx only bounds startup.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	d := &Driver{
		cfg:    cfg,
		logger: logger.Named("cdp"),
		tabs:   make(map[driver.WindowHandle]*tab),
	}

	// The allocator outlives the caller's context.
	root := ctxutil.Detach(ctx)
	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(root, cfg.RemoteURL)
	} else {
		allocCtx, d.allocCancel = chromedp.NewExecAllocator(root, AllocatorOptions(cfg)...)
	}
	d.browserCtx, d.browserStop = chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and must not carry a deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(d.browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			d.shutdown()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		d.shutdown()
		return nil, fmt.Errorf("browser startup canceled: %w", ctx.Err())
	}

	c := chromedp.FromContext(d.browserCtx)
	first := &tab{handle: driver.WindowHandle(c.Target.TargetID), ctx: d.browserCtx}
	d.tabs[first.handle] = first
	d.order = append(d.order, first.handle)
	d.current = first

	d.logger.Info("Browser started.", zap.Bool("remote", cfg.RemoteURL != ""), zap.String("window", string(first.handle)))
	return d, nil
}

// Close detaches every tab and stops the browser. It is idempotent.
func (d *Driver) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		for _, t := range d.tabs {
			if t.cancel != nil {
				t.cancel()
			}
		}
		cctx, cancel := ctxutil.Cleanup(ctx, closeTimeout)
		defer cancel()
		bctx, stop := ctxutil.Combine(d.browserCtx, cctx)
		defer stop()
		if cerr := chromedp.Cancel(bctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("failed to close browser: %w", cerr)
		}
		d.shutdown()
		d.logger.Info("Browser closed.")
	})
	return err
}

func (d *Driver) shutdown() {
	if d.browserStop != nil {
		d.browserStop()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
}

// -- Execution --

func (d *Driver) currentTab() (*tab, error) {
	if d.current == nil {
		return nil, fmt.Errorf("%w: current window was closed", driver.ErrNoSuchWindow)
	}
	return d.current, nil
}

// do runs fn against the current tab under the caller's deadline.
func (d *Driver) do(ctx context.Context, fn func(ctx context.Context, t *tab) error) error {
	t, err := d.currentTab()
	if err != nil {
		return err
	}
	return d.doOn(ctx, t, fn)
}

func (d *Driver) doOn(ctx context.Context, t *tab, fn func(ctx context.Context, t *tab) error) error {
	combined, cancel := ctxutil.Combine(t.ctx, ctx)
	defer cancel()
	err := chromedp.Run(combined, chromedp.ActionFunc(func(ctx context.Context) error {
		return fn(ctx, t)
	}))
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return classify(err)
}

// callFunction invokes the named helper with this bound to obj. Arguments
// that are element refs travel as remote objects, everything else as JSON.
func callFunction(ctx context.Context, method string, obj runtime.RemoteObjectID, byValue bool, args ...any) (*runtime.RemoteObject, error) {
	return callDeclaration(ctx, shim.Method(method), obj, byValue, args...)
}

func callDeclaration(ctx context.Context, decl string, obj runtime.RemoteObjectID, byValue bool, args ...any) (*runtime.RemoteObject, error) {
	callArgs, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	res, exc, err := runtime.CallFunctionOn(decl).
		WithObjectID(obj).
		WithArguments(callArgs).
		WithReturnByValue(byValue).
		WithAwaitPromise(true).
		WithObjectGroup(objectGroup).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	return res, nil
}

func encodeArgs(args []any) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for i, a := range args {
		if ref, ok := a.(driver.ElementRef); ok {
			id, err := objectOf(ref)
			if err != nil {
				return nil, err
			}
			out = append(out, &runtime.CallArgument{ObjectID: id})
			continue
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode script argument %d: %w", i, err)
		}
		out = append(out, &runtime.CallArgument{Value: raw})
	}
	return out, nil
}

// classify maps protocol and script errors onto driver sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		driver.ErrStaleElement, driver.ErrNoSuchFrame, driver.ErrNoSuchWindow,
		driver.ErrNoShadowRoot, driver.ErrInvalidSelector, driver.ErrUnsupported,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	msg := err.Error()
	switch {
	case shim.IsStale(msg):
		return fmt.Errorf("%w: %s", driver.ErrStaleElement, msg)
	case shim.IsInvalidSelector(msg):
		return fmt.Errorf("%w: %s", driver.ErrInvalidSelector, msg)
	case strings.Contains(strings.ToLower(msg), "no such frame"):
		return fmt.Errorf("%w: %s", driver.ErrNoSuchFrame, msg)
	case strings.Contains(strings.ToLower(msg), "no target with given id"):
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, msg)
	}
	return err
}
