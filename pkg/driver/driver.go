// Package driver defines the browser-control capability the harness consumes.
// Backends (CDP, Playwright, the pure-Go static browser) adapt a concrete
// protocol client to this interface; the engine never talks to a protocol
// directly.
package driver

import (
	"context"
	"errors"
)

// Sentinel errors returned by backends. The engine maps them onto typed
// failures, so backends should wrap rather than replace them.
var (
	ErrStaleElement    = errors.New("element is stale or detached from the document")
	ErrNoSuchFrame     = errors.New("no such frame")
	ErrNoSuchWindow    = errors.New("no such window")
	ErrNoShadowRoot    = errors.New("element has no open shadow root")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrUnsupported     = errors.New("operation not supported by this driver")
)

// Strategy names how a raw lookup query is interpreted.
type Strategy string

const (
	ByID              Strategy = "id"
	ByName            Strategy = "name"
	ByCSS             Strategy = "css"
	ByXPath           Strategy = "xpath"
	ByLinkText        Strategy = "link text"
	ByPartialLinkText Strategy = "partial link text"
	ByTag             Strategy = "tag"
)

// ElementRef is a backend specific reference to a DOM node or shadow root.
// It is only meaningful to the driver that produced it and only while the
// driver's current frame is the one it was found in.
type ElementRef interface {
	// RefID identifies the node within its backend. Two refs to the same
	// node found by separate lookups may carry different ids.
	RefID() string
}

// Identifier is implemented by drivers whose RefIDs are not stable across
// lookups. NodeKey returns a key that is equal for every ref to the same
// node in the current frame.
type Identifier interface {
	NodeKey(ctx context.Context, el ElementRef) (string, error)
}

// NodeKey returns a per-node identity for el, falling back to RefID when d
// keeps refs stable.
func NodeKey(ctx context.Context, d Driver, el ElementRef) (string, error) {
	if id, ok := d.(Identifier); ok {
		return id.NodeKey(ctx, el)
	}
	return el.RefID(), nil
}

// WindowHandle identifies a browser window or tab.
type WindowHandle string

// Driver is the minimal browser-control surface. Implementations are not
// required to be safe for concurrent use; a driver belongs to one session.
type Driver interface {
	// Page.
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// FindElements runs a lookup rooted at scope. A nil scope means the
	// document of the current frame. Elements inside shadow trees are not
	// returned unless scope is that shadow root (or a node inside it).
	FindElements(ctx context.Context, scope ElementRef, by Strategy, query string) ([]ElementRef, error)
	// ShadowRoot returns host's open shadow root, or ErrNoShadowRoot.
	ShadowRoot(ctx context.Context, host ElementRef) (ElementRef, error)

	// Reads.
	Attribute(ctx context.Context, el ElementRef, name string) (value string, ok bool, err error)
	Text(ctx context.Context, el ElementRef) (string, error)
	Value(ctx context.Context, el ElementRef) (string, error)
	TagName(ctx context.Context, el ElementRef) (string, error)
	IsDisplayed(ctx context.Context, el ElementRef) (bool, error)
	IsEnabled(ctx context.Context, el ElementRef) (bool, error)
	IsSelected(ctx context.Context, el ElementRef) (bool, error)

	// Input.
	Click(ctx context.Context, el ElementRef) error
	SendKeys(ctx context.Context, el ElementRef, text string) error
	Clear(ctx context.Context, el ElementRef) error
	SetSelected(ctx context.Context, option ElementRef, selected bool) error
	SetFiles(ctx context.Context, el ElementRef, paths []string) error
	ScrollIntoView(ctx context.Context, el ElementRef) error
	// ExecuteScript evaluates a function body in the current frame. Element
	// refs in args are passed through as nodes. Drivers without a script
	// engine return ErrUnsupported.
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)

	// Windows.
	Windows(ctx context.Context) ([]WindowHandle, error)
	CurrentWindow(ctx context.Context) (WindowHandle, error)
	SwitchToWindow(ctx context.Context, h WindowHandle) error
	CloseWindow(ctx context.Context, h WindowHandle) error

	// Frames.
	SwitchToFrame(ctx context.Context, frame ElementRef) error
	SwitchToParentFrame(ctx context.Context) error
	SwitchToDefaultContent(ctx context.Context) error

	Close(ctx context.Context) error
}
