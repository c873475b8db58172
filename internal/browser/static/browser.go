// internal/browser/static/browser.go

// Package static is a pure-Go browser backend: pages are fetched over HTTP
// and parsed into an x/net/html tree that lookups, reads and input operate
// on. There is no script engine and no layout; visibility comes from the
// hidden attribute and inline styles. Tests drive dynamic behaviour through
// Mutate and OnClick.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

const (
	maxRedirects   = 10
	maxFrameDepth  = 4
	defaultTimeout = 30 * time.Second
	blankPage      = "<html><head></head><body></body></html>"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("static browser is closed")

// Config tunes a Browser.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Client is used for page loads when set. Its redirect policy is replaced
	// so redirects are followed by the browser itself.
	Client *http.Client
}

type window struct {
	handle driver.WindowHandle
	top    *document
	// path holds the frame elements entered from top, outermost first.
	path []*html.Node
}

// Browser implements driver.Driver. It is safe for concurrent use so that
// test hooks may mutate pages while a session polls.
type Browser struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	windows map[driver.WindowHandle]*window
	order   []driver.WindowHandle
	current driver.WindowHandle
	nextID  int
	hooks   []clickHook
	closed  bool
}

var _ driver.Driver = (*Browser)(nil)

// New opens a browser with one blank window.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultTimeout
	}

	client := &http.Client{}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}
	if client.Timeout == 0 {
		client.Timeout = cfg.NavigationTimeout
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("static"),
		ctx:     ctx,
		cancel:  cancel,
		windows: make(map[driver.WindowHandle]*window),
	}
	blank, err := b.parse(strings.NewReader(blankPage), &url.URL{Scheme: "about", Opaque: "blank"})
	if err != nil {
		cancel()
		return nil, err
	}
	b.current = b.openWindow(blank)
	return b, nil
}

// Close releases idle connections. Further calls fail with ErrClosed.
func (b *Browser) Close(context.Context) error {
	b.closeOnce.Do(func() {
		b.logger.Debug("Closing static browser.")
		b.cancel()
		b.client.CloseIdleConnections()
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	})
	return nil
}

func (b *Browser) openWindow(top *document) driver.WindowHandle {
	h := driver.WindowHandle(uuid.NewString())
	w := &window{handle: h, top: top}
	top.win = w
	b.windows[h] = w
	b.order = append(b.order, h)
	return h
}

// lock acquires the browser and returns the current window.
func (b *Browser) lock() (*window, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := b.windows[b.current]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: current window %s was closed", driver.ErrNoSuchWindow, b.current)
	}
	return w, nil
}

// currentDoc walks w's frame path. A frame element that left its document,
// or one whose content never loaded, ends the walk with ErrNoSuchFrame.
func (w *window) currentDoc() (*document, error) {
	doc := w.top
	for _, el := range w.path {
		if !doc.contains(el) {
			return nil, fmt.Errorf("%w: frame element was removed", driver.ErrNoSuchFrame)
		}
		child := doc.frames[el]
		if child == nil {
			return nil, fmt.Errorf("%w: frame content is not loaded", driver.ErrNoSuchFrame)
		}
		doc = child
	}
	return doc, nil
}

// -- Page --

// Navigate loads rawURL into the current window's top-level document.
func (b *Browser) Navigate(ctx context.Context, rawURL string) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	target, err := w.top.resolve(rawURL)
	if err != nil {
		return fmt.Errorf("failed to resolve URL '%s': %w", rawURL, err)
	}
	b.logger.Debug("Navigating.", zap.String("url", target.String()))
	req, err := b.newRequest(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return err
	}
	doc, err := b.load(ctx, req, 0)
	if err != nil {
		return err
	}
	b.replace(w.top, doc)
	return nil
}

func (b *Browser) CurrentURL(context.Context) (string, error) {
	w, err := b.lock()
	if err != nil {
		return "", err
	}
	defer b.mu.Unlock()
	return w.top.url.String(), nil
}

func (b *Browser) Title(context.Context) (string, error) {
	w, err := b.lock()
	if err != nil {
		return "", err
	}
	defer b.mu.Unlock()
	return w.top.title(), nil
}

// ExecuteScript is unsupported: there is no script engine.
func (b *Browser) ExecuteScript(context.Context, string, ...any) (any, error) {
	return nil, driver.ErrUnsupported
}

// -- Loading --

func (b *Browser) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader, referer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for '%s': %w", u, err)
	}
	if b.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", b.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return req, nil
}

// load executes req, following redirects, and parses the final response
// together with its frames.
func (b *Browser) load(ctx context.Context, req *http.Request, depth int) (*document, error) {
	ctx, cancel := ctxutil.Combine(b.ctx, ctx)
	defer cancel()

	current := req.WithContext(ctx)
	for range maxRedirects {
		b.logger.Debug("Executing request.", zap.String("method", current.Method), zap.String("url", current.URL.String()))
		resp, err := b.client.Do(current)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			next, err := b.redirect(ctx, resp, current)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to handle redirect: %w", err)
			}
			current = next
			continue
		}
		doc, err := b.process(resp)
		if err != nil {
			return nil, err
		}
		b.loadFrames(ctx, doc, depth)
		return doc, nil
	}
	return nil, fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
}

func (b *Browser) redirect(ctx context.Context, resp *http.Response, orig *http.Request) (*http.Request, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, errors.New("redirect response missing Location header")
	}
	next, err := orig.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect Location '%s': %w", location, err)
	}

	method := orig.Method
	var body io.Reader
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if method != http.MethodHead {
			method = http.MethodGet
		}
	default:
		if orig.GetBody != nil {
			rc, err := orig.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to get body for redirect reuse: %w", err)
			}
			body = rc
		}
	}
	req, err := b.newRequest(ctx, method, next, body, orig.URL.String())
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", orig.Header.Get("Content-Type"))
	}
	return req, nil
}

func (b *Browser) process(resp *http.Response) (*document, error) {
	defer resp.Body.Close()
	u := resp.Request.URL
	if resp.StatusCode >= 400 {
		b.logger.Warn("Request resulted in error status code.", zap.Int("status", resp.StatusCode), zap.String("url", u.String()))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "text/html") {
		b.logger.Debug("Response is not HTML, loading a blank document.", zap.String("content_type", ct))
		return b.parse(strings.NewReader(blankPage), u)
	}
	doc, err := b.parse(resp.Body, u)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML response from '%s': %w", u, err)
	}
	return doc, nil
}

func (b *Browser) parse(r io.Reader, u *url.URL) (*document, error) {
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, err
	}
	return &document{root: root, url: u, frames: make(map[*html.Node]*document), ids: make(map[*html.Node]string)}, nil
}

// loadFrames loads the content of every iframe in doc. A frame that fails to
// load stays empty and cannot be entered.
func (b *Browser) loadFrames(ctx context.Context, doc *document, depth int) {
	if depth >= maxFrameDepth {
		return
	}
	for _, el := range doc.elements(doc.root) {
		if el.Data != "iframe" && el.Data != "frame" {
			continue
		}
		child, err := b.loadFrame(ctx, doc, el, depth+1)
		if err != nil {
			b.logger.Debug("Frame failed to load.", zap.String("src", attr(el, "src")), zap.Error(err))
			continue
		}
		child.parent = doc
		child.frameEl = el
		doc.frames[el] = child
	}
}

func (b *Browser) loadFrame(ctx context.Context, parent *document, el *html.Node, depth int) (*document, error) {
	if srcdoc, ok := attrOK(el, "srcdoc"); ok {
		doc, err := b.parse(strings.NewReader(srcdoc), &url.URL{Scheme: "about", Opaque: "srcdoc"})
		if err != nil {
			return nil, err
		}
		doc.base = parent.url
		b.loadFrames(ctx, doc, depth)
		return doc, nil
	}
	src := strings.TrimSpace(attr(el, "src"))
	if src == "" || src == "about:blank" {
		return b.parse(strings.NewReader(blankPage), &url.URL{Scheme: "about", Opaque: "blank"})
	}
	u, err := parent.resolve(src)
	if err != nil {
		return nil, err
	}
	req, err := b.newRequest(ctx, http.MethodGet, u, nil, parent.url.String())
	if err != nil {
		return nil, err
	}
	return b.load(ctx, req, depth)
}

// replace swaps old for doc in its window, or in its parent frame.
func (b *Browser) replace(old, doc *document) {
	if old.parent == nil {
		w := old.win
		doc.win = w
		w.top = doc
		w.path = nil
		return
	}
	doc.parent = old.parent
	doc.frameEl = old.frameEl
	doc.win = old.win
	old.parent.frames[old.frameEl] = doc
}

// -- Windows --

func (b *Browser) Windows(context.Context) ([]driver.WindowHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return slices.Clone(b.order), nil
}

func (b *Browser) CurrentWindow(context.Context) (driver.WindowHandle, error) {
	w, err := b.lock()
	if err != nil {
		return "", err
	}
	defer b.mu.Unlock()
	return w.handle, nil
}

// SwitchToWindow makes h current at its top-level document.
func (b *Browser) SwitchToWindow(_ context.Context, h driver.WindowHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	w, ok := b.windows[h]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	w.path = nil
	b.current = h
	return nil
}

// CloseWindow closes h. Closing the current window leaves no current window
// until the caller switches.
func (b *Browser) CloseWindow(_ context.Context, h driver.WindowHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.windows[h]; !ok {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	delete(b.windows, h)
	b.order = slices.DeleteFunc(b.order, func(o driver.WindowHandle) bool { return o == h })
	b.logger.Debug("Window closed.", zap.String("window", string(h)), zap.Int("remaining", len(b.order)))
	return nil
}

// -- Frames --

func (b *Browser) SwitchToFrame(_ context.Context, frame driver.ElementRef) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	doc, err := w.currentDoc()
	if err != nil {
		return err
	}
	el, err := doc.element(frame)
	if err != nil {
		return err
	}
	if el.Data != "iframe" && el.Data != "frame" {
		return fmt.Errorf("%w: <%s> is not a frame", driver.ErrNoSuchFrame, el.Data)
	}
	if doc.frames[el] == nil {
		return fmt.Errorf("%w: frame content is not loaded", driver.ErrNoSuchFrame)
	}
	w.path = append(w.path, el)
	return nil
}

func (b *Browser) SwitchToParentFrame(context.Context) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	if len(w.path) > 0 {
		w.path = w.path[:len(w.path)-1]
	}
	return nil
}

func (b *Browser) SwitchToDefaultContent(context.Context) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	w.path = nil
	return nil
}
