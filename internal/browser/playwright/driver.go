// internal/browser/playwright/driver.go

// Package playwright adapts a playwright-go browser context to
// driver.Driver. Elements are JSHandles driven by the same helper functions
// the CDP backend injects; windows are the context's pages.
package playwright

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	// actionTimeout bounds Playwright's own actionability checks; the wait
	// engine has already established readiness when an action runs.
	actionTimeout = 5 * time.Second
)

const executeFunction = `([body, args]) => new Function(body).apply(window, args)`

// Config holds per-context options.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

type elementRef struct {
	id string
	h  playwright.JSHandle
}

func (r elementRef) RefID() string { return r.id }

// Driver owns one BrowserContext. It is not safe for concurrent use.
type Driver struct {
	cfg    Config
	logger *zap.Logger
	bctx   playwright.BrowserContext

	pages   map[driver.WindowHandle]playwright.Page
	handles map[playwright.Page]driver.WindowHandle
	order   []driver.WindowHandle
	current driver.WindowHandle
	frames  []playwright.Frame

	nextRef   int
	closeOnce sync.Once
}

var (
	_ driver.Driver     = (*Driver)(nil)
	_ driver.Identifier = (*Driver)(nil)
)

// New opens a fresh browser context with one blank page on browser.
func New(browser playwright.Browser, cfg Config, logger *zap.Logger) (*Driver, error) {
	if browser == nil {
		return nil, errors.New("playwright browser is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	opts := playwright.BrowserNewContextOptions{}
	if cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(cfg.UserAgent)
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	d := &Driver{
		cfg:     cfg,
		logger:  logger.Named("playwright"),
		bctx:    bctx,
		pages:   make(map[driver.WindowHandle]playwright.Page),
		handles: make(map[playwright.Page]driver.WindowHandle),
	}
	d.current = d.track(page)
	return d, nil
}

// Close closes the browser context and every page in it.
func (d *Driver) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		if cerr := d.bctx.Close(); cerr != nil && !errors.Is(cerr, playwright.ErrTargetClosed) {
			err = fmt.Errorf("failed to close browser context: %w", cerr)
		}
		d.current = ""
		d.logger.Debug("Browser context closed.")
	})
	return err
}

// -- Pages and frames --

func (d *Driver) track(p playwright.Page) driver.WindowHandle {
	if h, ok := d.handles[p]; ok {
		return h
	}
	h := driver.WindowHandle(uuid.NewString())
	d.pages[h] = p
	d.handles[p] = h
	d.order = append(d.order, h)
	return h
}

func (d *Driver) page() (playwright.Page, error) {
	p, ok := d.pages[d.current]
	if !ok || p.IsClosed() {
		return nil, fmt.Errorf("%w: current window was closed", driver.ErrNoSuchWindow)
	}
	return p, nil
}

// frame returns the current frame.
func (d *Driver) frame() (playwright.Frame, error) {
	p, err := d.page()
	if err != nil {
		return nil, err
	}
	if len(d.frames) == 0 {
		return p.MainFrame(), nil
	}
	f := d.frames[len(d.frames)-1]
	if f.IsDetached() {
		return nil, fmt.Errorf("%w: frame was detached", driver.ErrNoSuchFrame)
	}
	return f, nil
}

func (d *Driver) ref(h playwright.JSHandle) elementRef {
	d.nextRef++
	return elementRef{id: "handle-" + strconv.Itoa(d.nextRef), h: h}
}

func handleOf(ref driver.ElementRef) (playwright.JSHandle, error) {
	r, ok := ref.(elementRef)
	if !ok || r.h == nil {
		return nil, fmt.Errorf("%w: reference %v was not produced by this driver", driver.ErrStaleElement, ref)
	}
	return r.h, nil
}

// call runs a helper against el and returns its JSON value.
func (d *Driver) call(ctx context.Context, method string, el driver.ElementRef, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := handleOf(el)
	if err != nil {
		return nil, err
	}
	v, err := h.Evaluate(shim.Function(method), args)
	return v, classify(err)
}

// classify maps Playwright errors onto driver sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case shim.IsStale(msg):
		return fmt.Errorf("%w: %s", driver.ErrStaleElement, msg)
	case shim.IsInvalidSelector(msg):
		return fmt.Errorf("%w: %s", driver.ErrInvalidSelector, msg)
	case strings.Contains(strings.ToLower(msg), "no such frame"):
		return fmt.Errorf("%w: %s", driver.ErrNoSuchFrame, msg)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, msg)
	}
	return err
}

func timeoutMS(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// -- Page --

func (d *Driver) Navigate(ctx context.Context, url string) error {
	p, err := d.page()
	if err != nil {
		return err
	}
	d.frames = nil
	if _, err := p.Goto(url, playwright.PageGotoOptions{Timeout: timeoutMS(ctx, d.cfg.NavigationTimeout)}); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, classify(err))
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	p, err := d.page()
	if err != nil {
		return "", err
	}
	return p.URL(), nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	p, err := d.page()
	if err != nil {
		return "", err
	}
	title, err := p.Title()
	return title, classify(err)
}

// -- Lookup --

func (d *Driver) FindElements(ctx context.Context, scope driver.ElementRef, by driver.Strategy, query string) ([]driver.ElementRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var root playwright.JSHandle
	if scope == nil {
		f, err := d.frame()
		if err != nil {
			return nil, err
		}
		if root, err = f.EvaluateHandle("document"); err != nil {
			return nil, classify(err)
		}
		defer func() { _ = root.Dispose() }()
	} else {
		var err error
		if root, err = handleOf(scope); err != nil {
			return nil, err
		}
	}

	arr, err := root.EvaluateHandle(shim.Function("find"), []any{string(by), query})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = arr.Dispose() }()
	props, err := arr.GetProperties()
	if err != nil {
		return nil, classify(err)
	}

	type item struct {
		index int
		h     playwright.JSHandle
	}
	items := make([]item, 0, len(props))
	for name, h := range props {
		i, err := strconv.Atoi(name)
		if err != nil {
			_ = h.Dispose()
			continue
		}
		items = append(items, item{index: i, h: h})
	}
	slices.SortFunc(items, func(a, b item) int { return a.index - b.index })
	refs := make([]driver.ElementRef, len(items))
	for i, it := range items {
		refs[i] = d.ref(it.h)
	}
	return refs, nil
}

func (d *Driver) ShadowRoot(ctx context.Context, host driver.ElementRef) (driver.ElementRef, error) {
	h, err := handleOf(host)
	if err != nil {
		return nil, err
	}
	root, err := h.EvaluateHandle(shim.Function("shadowRoot"), []any{})
	if err != nil {
		return nil, classify(err)
	}
	if v, err := root.JSONValue(); err == nil && v == nil {
		_ = root.Dispose()
		return nil, driver.ErrNoShadowRoot
	}
	return d.ref(root), nil
}

// -- Reads --

func (d *Driver) Attribute(ctx context.Context, el driver.ElementRef, name string) (string, bool, error) {
	v, err := d.call(ctx, "attribute", el, name)
	if err != nil || v == nil {
		return "", false, err
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (d *Driver) text(ctx context.Context, method string, el driver.ElementRef) (string, error) {
	v, err := d.call(ctx, method, el)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (d *Driver) flag(ctx context.Context, method string, el driver.ElementRef) (bool, error) {
	v, err := d.call(ctx, method, el)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// NodeKey returns a key shared by every handle to the same node.
func (d *Driver) NodeKey(ctx context.Context, el driver.ElementRef) (string, error) {
	return d.text(ctx, "nodeKey", el)
}

func (d *Driver) Text(ctx context.Context, el driver.ElementRef) (string, error) {
	return d.text(ctx, "text", el)
}

func (d *Driver) Value(ctx context.Context, el driver.ElementRef) (string, error) {
	return d.text(ctx, "value", el)
}

func (d *Driver) TagName(ctx context.Context, el driver.ElementRef) (string, error) {
	return d.text(ctx, "tag", el)
}

func (d *Driver) IsDisplayed(ctx context.Context, el driver.ElementRef) (bool, error) {
	return d.flag(ctx, "displayed", el)
}

func (d *Driver) IsEnabled(ctx context.Context, el driver.ElementRef) (bool, error) {
	return d.flag(ctx, "enabled", el)
}

func (d *Driver) IsSelected(ctx context.Context, el driver.ElementRef) (bool, error) {
	return d.flag(ctx, "selected", el)
}

// -- Input --

func (d *Driver) Click(ctx context.Context, el driver.ElementRef) error {
	h, err := handleOf(el)
	if err != nil {
		return err
	}
	eh := h.AsElement()
	if eh == nil {
		return fmt.Errorf("%w: handle is not an element", driver.ErrStaleElement)
	}
	return classify(eh.Click(playwright.ElementHandleClickOptions{Timeout: timeoutMS(ctx, actionTimeout)}))
}

func (d *Driver) SendKeys(ctx context.Context, el driver.ElementRef, text string) error {
	if _, err := d.call(ctx, "focus", el); err != nil {
		return err
	}
	p, err := d.page()
	if err != nil {
		return err
	}
	return classify(p.Keyboard().Type(text))
}

func (d *Driver) Clear(ctx context.Context, el driver.ElementRef) error {
	_, err := d.call(ctx, "clear", el)
	return err
}

func (d *Driver) SetSelected(ctx context.Context, option driver.ElementRef, selected bool) error {
	_, err := d.call(ctx, "setSelected", option, selected)
	return err
}

// SetFiles reads each file and hands its bytes to the page, so it works
// with remote browsers that cannot see the local filesystem.
func (d *Driver) SetFiles(ctx context.Context, el driver.ElementRef, paths []string) error {
	files := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read upload %q: %w", p, err)
		}
		files = append(files, map[string]any{
			"name": filepath.Base(p),
			"data": base64.StdEncoding.EncodeToString(data),
		})
	}
	_, err := d.call(ctx, "upload", el, files)
	return err
}

func (d *Driver) ScrollIntoView(ctx context.Context, el driver.ElementRef) error {
	_, err := d.call(ctx, "scroll", el)
	return err
}

func (d *Driver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := d.frame()
	if err != nil {
		return nil, err
	}
	pass := make([]any, len(args))
	for i, a := range args {
		if ref, ok := a.(driver.ElementRef); ok {
			if pass[i], err = handleOf(ref); err != nil {
				return nil, err
			}
			continue
		}
		pass[i] = a
	}
	v, err := f.Evaluate(executeFunction, []any{script, pass})
	if err != nil {
		return nil, fmt.Errorf("script failed: %w", classify(err))
	}
	return v, nil
}

// -- Windows --

// Windows syncs with the context's open pages; new pages get fresh handles.
func (d *Driver) Windows(ctx context.Context) ([]driver.WindowHandle, error) {
	for _, p := range d.bctx.Pages() {
		if !p.IsClosed() {
			d.track(p)
		}
	}
	d.order = slices.DeleteFunc(d.order, func(h driver.WindowHandle) bool {
		p := d.pages[h]
		if !p.IsClosed() {
			return false
		}
		delete(d.pages, h)
		delete(d.handles, p)
		return true
	})
	return slices.Clone(d.order), nil
}

func (d *Driver) CurrentWindow(ctx context.Context) (driver.WindowHandle, error) {
	if _, err := d.page(); err != nil {
		return "", err
	}
	return d.current, nil
}

func (d *Driver) SwitchToWindow(ctx context.Context, h driver.WindowHandle) error {
	if _, err := d.Windows(ctx); err != nil {
		return err
	}
	p, ok := d.pages[h]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	if err := p.BringToFront(); err != nil {
		d.logger.Debug("Failed to bring page to front.", zap.String("window", string(h)), zap.Error(err))
	}
	d.current = h
	d.frames = nil
	return nil
}

func (d *Driver) CloseWindow(ctx context.Context, h driver.WindowHandle) error {
	if _, err := d.Windows(ctx); err != nil {
		return err
	}
	p, ok := d.pages[h]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	if err := p.Close(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("failed to close window %s: %w", h, err)
	}
	_, err := d.Windows(ctx)
	if h == d.current {
		d.current = ""
		d.frames = nil
	}
	return err
}

// -- Frames --

func (d *Driver) SwitchToFrame(ctx context.Context, frame driver.ElementRef) error {
	h, err := handleOf(frame)
	if err != nil {
		return err
	}
	eh := h.AsElement()
	if eh == nil {
		return fmt.Errorf("%w: handle is not an element", driver.ErrNoSuchFrame)
	}
	f, err := eh.ContentFrame()
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrNoSuchFrame, classify(err))
	}
	if f == nil {
		return fmt.Errorf("%w: element has no content frame", driver.ErrNoSuchFrame)
	}
	d.frames = append(d.frames, f)
	return nil
}

func (d *Driver) SwitchToParentFrame(ctx context.Context) error {
	if len(d.frames) > 0 {
		d.frames = d.frames[:len(d.frames)-1]
	}
	return nil
}

func (d *Driver) SwitchToDefaultContent(ctx context.Context) error {
	d.frames = nil
	return nil
}
