package cdp

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// executeDeclaration compiles body in the realm of the frame that owns this,
// so scripts see the current frame's globals.
const executeDeclaration = `function(body, ...args) {
	const w = this.defaultView || window;
	return new w.Function(body).apply(w, args);
}`

type elementRef struct {
	id runtime.RemoteObjectID
}

func (r elementRef) RefID() string { return string(r.id) }

func objectOf(ref driver.ElementRef) (runtime.RemoteObjectID, error) {
	r, ok := ref.(elementRef)
	if !ok || r.id == "" {
		return "", fmt.Errorf("%w: reference %v was not produced by this driver", driver.ErrStaleElement, ref)
	}
	return r.id, nil
}

// -- Page --

func (d *Driver) Navigate(ctx context.Context, url string) error {
	t, err := d.currentTab()
	if err != nil {
		return err
	}
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	err = d.doOn(navCtx, t, func(ctx context.Context, t *tab) error {
		// Refs into the old document are dead once it unloads.
		if err := runtime.ReleaseObjectGroup(objectGroup).Do(ctx); err != nil {
			d.logger.Debug("Failed to release object group.", zap.Error(err))
		}
		t.frames = nil
		return chromedp.Navigate(url).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := d.do(ctx, func(ctx context.Context, _ *tab) error {
		return chromedp.Location(&u).Do(ctx)
	})
	return u, err
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var title string
	err := d.do(ctx, func(ctx context.Context, _ *tab) error {
		return chromedp.Title(&title).Do(ctx)
	})
	return title, err
}

// root returns the document of the current frame.
func (d *Driver) root(ctx context.Context, t *tab) (runtime.RemoteObjectID, error) {
	if len(t.frames) == 0 {
		res, exc, err := runtime.Evaluate("document").WithObjectGroup(objectGroup).Do(ctx)
		if err != nil {
			return "", err
		}
		if exc != nil {
			return "", exc
		}
		return res.ObjectID, nil
	}
	res, err := callFunction(ctx, "contentDocument", t.frames[len(t.frames)-1], false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrNoSuchFrame, err)
	}
	return res.ObjectID, nil
}

// scopeObject resolves scope, defaulting to the current frame's document.
func (d *Driver) scopeObject(ctx context.Context, t *tab, scope driver.ElementRef) (runtime.RemoteObjectID, error) {
	if scope == nil {
		return d.root(ctx, t)
	}
	return objectOf(scope)
}

// -- Lookup --

func (d *Driver) FindElements(ctx context.Context, scope driver.ElementRef, by driver.Strategy, query string) ([]driver.ElementRef, error) {
	var refs []driver.ElementRef
	err := d.do(ctx, func(ctx context.Context, t *tab) error {
		obj, err := d.scopeObject(ctx, t, scope)
		if err != nil {
			return err
		}
		arr, err := callFunction(ctx, "find", obj, false, string(by), query)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.ReleaseObject(arr.ObjectID).Do(ctx) }()
		refs, err = arrayItems(ctx, arr.ObjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// arrayItems returns the elements of a remote array in index order.
func arrayItems(ctx context.Context, arr runtime.RemoteObjectID) ([]driver.ElementRef, error) {
	props, _, _, exc, err := runtime.GetProperties(arr).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	type item struct {
		index int
		id    runtime.RemoteObjectID
	}
	items := make([]item, 0, len(props))
	for _, p := range props {
		i, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		items = append(items, item{index: i, id: p.Value.ObjectID})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].index < items[b].index })
	refs := make([]driver.ElementRef, len(items))
	for i, it := range items {
		refs[i] = elementRef{id: it.id}
	}
	return refs, nil
}

func (d *Driver) ShadowRoot(ctx context.Context, host driver.ElementRef) (driver.ElementRef, error) {
	id, err := objectOf(host)
	if err != nil {
		return nil, err
	}
	var root driver.ElementRef
	err = d.do(ctx, func(ctx context.Context, _ *tab) error {
		res, err := callFunction(ctx, "shadowRoot", id, false)
		if err != nil {
			return err
		}
		if res.ObjectID == "" {
			return driver.ErrNoShadowRoot
		}
		root = elementRef{id: res.ObjectID}
		return nil
	})
	return root, err
}

// NodeKey returns a key that survives separate lookups of the same node.
// Remote object ids differ per lookup.
func (d *Driver) NodeKey(ctx context.Context, el driver.ElementRef) (string, error) {
	return read[string](ctx, d, "nodeKey", el)
}

// -- Reads --

// read calls a helper on el and decodes its by-value result into T.
func read[T any](ctx context.Context, d *Driver, method string, el driver.ElementRef, args ...any) (T, error) {
	var out T
	id, err := objectOf(el)
	if err != nil {
		return out, err
	}
	err = d.do(ctx, func(ctx context.Context, _ *tab) error {
		res, err := callFunction(ctx, method, id, true, args...)
		if err != nil {
			return err
		}
		return decode(res, &out)
	})
	return out, err
}

func decode(res *runtime.RemoteObject, out any) error {
	if res == nil || res.Type == runtime.TypeUndefined || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func (d *Driver) Attribute(ctx context.Context, el driver.ElementRef, name string) (string, bool, error) {
	v, err := read[*string](ctx, d, "attribute", el, name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (d *Driver) Text(ctx context.Context, el driver.ElementRef) (string, error) {
	return read[string](ctx, d, "text", el)
}

func (d *Driver) Value(ctx context.Context, el driver.ElementRef) (string, error) {
	return read[string](ctx, d, "value", el)
}

func (d *Driver) TagName(ctx context.Context, el driver.ElementRef) (string, error) {
	return read[string](ctx, d, "tag", el)
}

func (d *Driver) IsDisplayed(ctx context.Context, el driver.ElementRef) (bool, error) {
	return read[bool](ctx, d, "displayed", el)
}

func (d *Driver) IsEnabled(ctx context.Context, el driver.ElementRef) (bool, error) {
	return read[bool](ctx, d, "enabled", el)
}

func (d *Driver) IsSelected(ctx context.Context, el driver.ElementRef) (bool, error) {
	return read[bool](ctx, d, "selected", el)
}

// -- Input --

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Click presses and releases the left button at the element's centre, in
// top-level viewport coordinates.
func (d *Driver) Click(ctx context.Context, el driver.ElementRef) error {
	id, err := objectOf(el)
	if err != nil {
		return err
	}
	return d.do(ctx, func(ctx context.Context, _ *tab) error {
		res, err := callFunction(ctx, "center", id, true)
		if err != nil {
			return err
		}
		var p point
		if err := decode(res, &p); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, p.X, p.Y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, p.X, p.Y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx)
	})
}

// SendKeys focuses el, moves the caret to the end and types text.
func (d *Driver) SendKeys(ctx context.Context, el driver.ElementRef, text string) error {
	id, err := objectOf(el)
	if err != nil {
		return err
	}
	return d.do(ctx, func(ctx context.Context, _ *tab) error {
		if _, err := callFunction(ctx, "focus", id, true); err != nil {
			return err
		}
		return chromedp.KeyEvent(text).Do(ctx)
	})
}

func (d *Driver) Clear(ctx context.Context, el driver.ElementRef) error {
	_, err := read[any](ctx, d, "clear", el)
	return err
}

func (d *Driver) SetSelected(ctx context.Context, option driver.ElementRef, selected bool) error {
	_, err := read[any](ctx, d, "setSelected", option, selected)
	return err
}

func (d *Driver) SetFiles(ctx context.Context, el driver.ElementRef, paths []string) error {
	id, err := objectOf(el)
	if err != nil {
		return err
	}
	abs := make([]string, len(paths))
	for i, p := range paths {
		if abs[i], err = filepath.Abs(p); err != nil {
			return fmt.Errorf("failed to resolve upload path %q: %w", p, err)
		}
	}
	return d.do(ctx, func(ctx context.Context, _ *tab) error {
		return dom.SetFileInputFiles(abs).WithObjectID(id).Do(ctx)
	})
}

func (d *Driver) ScrollIntoView(ctx context.Context, el driver.ElementRef) error {
	_, err := read[any](ctx, d, "scroll", el)
	return err
}

// ExecuteScript runs script as a function body in the current frame and
// returns its JSON-decoded result.
func (d *Driver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	var out any
	err := d.do(ctx, func(ctx context.Context, t *tab) error {
		doc, err := d.root(ctx, t)
		if err != nil {
			return err
		}
		res, err := callDeclaration(ctx, executeDeclaration, doc, true, append([]any{script}, args...)...)
		if err != nil {
			return err
		}
		return decode(res, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("script failed: %w", err)
	}
	return out, nil
}
