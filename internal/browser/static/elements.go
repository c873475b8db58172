package static

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// withElement runs fn on the node behind ref in the current frame, holding
// the browser lock.
func (b *Browser) withElement(ref driver.ElementRef, fn func(doc *document, n *html.Node) error) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	doc, err := w.currentDoc()
	if err != nil {
		return err
	}
	n, err := doc.element(ref)
	if err != nil {
		return err
	}
	return fn(doc, n)
}

// -- Lookup --

func (b *Browser) FindElements(_ context.Context, scope driver.ElementRef, by driver.Strategy, query string) ([]driver.ElementRef, error) {
	w, err := b.lock()
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	doc, err := w.currentDoc()
	if err != nil {
		return nil, err
	}
	root, err := doc.scope(scope)
	if err != nil {
		return nil, err
	}
	nodes, err := doc.find(root, by, query)
	if err != nil {
		return nil, err
	}
	refs := make([]driver.ElementRef, len(nodes))
	for i, n := range nodes {
		refs[i] = b.ref(doc, n, false)
	}
	return refs, nil
}

func (b *Browser) ShadowRoot(_ context.Context, host driver.ElementRef) (driver.ElementRef, error) {
	var root driver.ElementRef
	err := b.withElement(host, func(doc *document, n *html.Node) error {
		t := shadowTemplate(n)
		if t == nil {
			return driver.ErrNoShadowRoot
		}
		root = b.ref(doc, t, true)
		return nil
	})
	return root, err
}

// -- Reads --

// Attribute reads the attribute. Values of textareas and selects, which live
// in child nodes, are read through "value".
func (b *Browser) Attribute(_ context.Context, ref driver.ElementRef, name string) (value string, ok bool, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		if name == "value" && (n.Data == "textarea" || n.Data == "select") {
			value, ok = valueOf(n), true
			return nil
		}
		value, ok = attrOK(n, strings.ToLower(name))
		return nil
	})
	return value, ok, err
}

func (b *Browser) Text(_ context.Context, ref driver.ElementRef) (s string, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		s = text(n)
		return nil
	})
	return s, err
}

func (b *Browser) Value(_ context.Context, ref driver.ElementRef) (s string, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		s = valueOf(n)
		return nil
	})
	return s, err
}

func valueOf(n *html.Node) string {
	switch n.Data {
	case "textarea":
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return b.String()
	case "select":
		opts := options(n)
		for _, o := range opts {
			if _, ok := attrOK(o, "selected"); ok {
				return valueOf(o)
			}
		}
		if len(opts) > 0 && !isMultiple(n) {
			return valueOf(opts[0])
		}
		return ""
	case "option":
		if v, ok := attrOK(n, "value"); ok {
			return v
		}
		return text(n)
	}
	return attr(n, "value")
}

func (b *Browser) TagName(_ context.Context, ref driver.ElementRef) (s string, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		s = n.Data
		return nil
	})
	return s, err
}

func (b *Browser) IsDisplayed(_ context.Context, ref driver.ElementRef) (ok bool, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		ok = displayed(n)
		return nil
	})
	return ok, err
}

func (b *Browser) IsEnabled(_ context.Context, ref driver.ElementRef) (ok bool, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		ok = enabled(n)
		return nil
	})
	return ok, err
}

func (b *Browser) IsSelected(_ context.Context, ref driver.ElementRef) (ok bool, err error) {
	err = b.withElement(ref, func(_ *document, n *html.Node) error {
		if n.Data == "option" {
			_, ok = attrOK(n, "selected")
		} else {
			_, ok = attrOK(n, "checked")
		}
		return nil
	})
	return ok, err
}

// -- Input --

// Click runs matching OnClick hooks, then the element's default action:
// link navigation (target=_blank opens a window), form submission, checkbox
// and radio toggling, option selection.
func (b *Browser) Click(ctx context.Context, ref driver.ElementRef) error {
	return b.withElement(ref, func(doc *document, n *html.Node) error {
		b.runHooks(doc, n)
		if !doc.contains(n) {
			return nil
		}
		return b.activate(ctx, doc, n)
	})
}

func (b *Browser) activate(ctx context.Context, doc *document, n *html.Node) error {
	if a := closestSelf(n, "a"); a != nil {
		href := strings.TrimSpace(attr(a, "href"))
		if href != "" && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return b.follow(ctx, doc, href, attr(a, "target"))
		}
	}

	typ := strings.ToLower(attr(n, "type"))
	switch n.Data {
	case "button":
		if typ == "submit" || typ == "" {
			if form := closest(n, "form"); form != nil {
				return b.submit(ctx, doc, form)
			}
		}
	case "input":
		switch typ {
		case "submit", "image":
			if form := closest(n, "form"); form != nil {
				return b.submit(ctx, doc, form)
			}
		case "checkbox":
			if _, ok := attrOK(n, "checked"); ok {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "checked")
			}
		case "radio":
			checkRadio(doc, n)
		}
	case "option":
		selectOption(n, true)
	case "label":
		if id := attr(n, "for"); id != "" {
			if nodes, _ := doc.find(doc.root, driver.ByID, id); len(nodes) > 0 {
				return b.activate(ctx, doc, nodes[0])
			}
		}
	}
	return nil
}

func closestSelf(n *html.Node, tag string) *html.Node {
	if n.Data == tag {
		return n
	}
	return closest(n, tag)
}

// follow navigates the document a link lives in, or opens a window.
func (b *Browser) follow(ctx context.Context, doc *document, href, target string) error {
	u, err := doc.resolve(href)
	if err != nil {
		return fmt.Errorf("failed to resolve link '%s': %w", href, err)
	}
	if strings.HasPrefix(href, "#") {
		doc.url = u
		return nil
	}
	req, err := b.newRequest(ctx, http.MethodGet, u, nil, doc.url.String())
	if err != nil {
		return err
	}
	next, err := b.load(ctx, req, 0)
	if err != nil {
		return err
	}
	if strings.EqualFold(target, "_blank") {
		h := b.openWindow(next)
		b.logger.Debug("Link opened a new window.", zap.String("window", string(h)), zap.String("url", u.String()))
		return nil
	}
	if strings.EqualFold(target, "_top") {
		doc = doc.win.top
	}
	b.replace(doc, next)
	return nil
}

// submit serializes form and loads the response in form's document.
func (b *Browser) submit(ctx context.Context, doc *document, form *html.Node) error {
	method := strings.ToUpper(attr(form, "method"))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	target := doc.url
	if action := strings.TrimSpace(attr(form, "action")); action != "" {
		u, err := doc.resolve(action)
		if err != nil {
			return fmt.Errorf("failed to determine form submission URL: %w", err)
		}
		target = u
	}
	data := serialize(doc, form)

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = b.newRequest(ctx, method, target, strings.NewReader(data.Encode()), doc.url.String())
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u := *target
		u.RawQuery = data.Encode()
		req, err = b.newRequest(ctx, method, &u, nil, doc.url.String())
		if err != nil {
			return err
		}
	}
	next, err := b.load(ctx, req, 0)
	if err != nil {
		return err
	}
	b.replace(doc, next)
	return nil
}

func serialize(doc *document, form *html.Node) url.Values {
	data := url.Values{}
	for _, n := range doc.elements(form) {
		name := attr(n, "name")
		if name == "" || !enabled(n) {
			continue
		}
		switch n.Data {
		case "input":
			switch strings.ToLower(attr(n, "type")) {
			case "checkbox", "radio":
				if _, ok := attrOK(n, "checked"); ok {
					v, ok := attrOK(n, "value")
					if !ok {
						v = "on"
					}
					data.Add(name, v)
				}
			case "submit", "button", "image", "reset", "file":
			default:
				data.Add(name, attr(n, "value"))
			}
		case "textarea":
			data.Add(name, valueOf(n))
		case "select":
			for _, o := range options(n) {
				if _, ok := attrOK(o, "selected"); ok {
					data.Add(name, valueOf(o))
				}
			}
		}
	}
	return data
}

func checkRadio(doc *document, n *html.Node) {
	name := attr(n, "name")
	if name != "" {
		root := closest(n, "form")
		if root == nil {
			root = doc.root
		}
		for _, r := range doc.elements(root) {
			if r.Data == "input" && strings.EqualFold(attr(r, "type"), "radio") && attr(r, "name") == name {
				removeAttr(r, "checked")
			}
		}
	}
	setAttr(n, "checked", "checked")
}

func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.Data == "option" {
				out = append(out, c)
				continue
			}
			if c.Data == "optgroup" {
				walk(c)
			}
		}
	}
	walk(sel)
	return out
}

func isMultiple(sel *html.Node) bool {
	_, ok := attrOK(sel, "multiple")
	return ok
}

// selectOption sets an option's selectedness. A single select keeps at most
// one option selected.
func selectOption(opt *html.Node, selected bool) {
	if !selected {
		removeAttr(opt, "selected")
		return
	}
	if sel := closest(opt, "select"); sel != nil && !isMultiple(sel) {
		for _, o := range options(sel) {
			removeAttr(o, "selected")
		}
	}
	setAttr(opt, "selected", "selected")
}

var textInputs = map[string]bool{
	"": true, "text": true, "search": true, "email": true, "password": true,
	"tel": true, "url": true, "number": true, "date": true, "time": true,
	"datetime-local": true, "month": true, "week": true,
}

func editable(n *html.Node) bool {
	switch n.Data {
	case "textarea":
		return true
	case "input":
		return textInputs[strings.ToLower(attr(n, "type"))]
	}
	return false
}

// SendKeys appends text to an input's or textarea's value.
func (b *Browser) SendKeys(_ context.Context, ref driver.ElementRef, s string) error {
	return b.withElement(ref, func(_ *document, n *html.Node) error {
		if !editable(n) {
			return fmt.Errorf("static: cannot type into <%s>", n.Data)
		}
		if n.Data == "textarea" {
			setText(n, valueOf(n)+s)
			return nil
		}
		setAttr(n, "value", attr(n, "value")+s)
		return nil
	})
}

func (b *Browser) Clear(_ context.Context, ref driver.ElementRef) error {
	return b.withElement(ref, func(_ *document, n *html.Node) error {
		if !editable(n) {
			return fmt.Errorf("static: cannot clear <%s>", n.Data)
		}
		if n.Data == "textarea" {
			setText(n, "")
			return nil
		}
		setAttr(n, "value", "")
		return nil
	})
}

func (b *Browser) SetSelected(_ context.Context, ref driver.ElementRef, selected bool) error {
	return b.withElement(ref, func(_ *document, n *html.Node) error {
		if n.Data != "option" {
			return fmt.Errorf("static: <%s> is not an option", n.Data)
		}
		selectOption(n, selected)
		return nil
	})
}

// SetFiles records the chosen files the way browsers expose them: the value
// is the first file under a fake path.
func (b *Browser) SetFiles(_ context.Context, ref driver.ElementRef, paths []string) error {
	return b.withElement(ref, func(_ *document, n *html.Node) error {
		if n.Data != "input" || !strings.EqualFold(attr(n, "type"), "file") {
			return fmt.Errorf("static: <%s> is not a file input", n.Data)
		}
		if len(paths) == 0 {
			removeAttr(n, "value")
			return nil
		}
		setAttr(n, "value", `C:\fakepath\`+filepath.Base(paths[0]))
		return nil
	})
}

// ScrollIntoView only validates the reference; there is no layout.
func (b *Browser) ScrollIntoView(_ context.Context, ref driver.ElementRef) error {
	return b.withElement(ref, func(*document, *html.Node) error { return nil })
}
