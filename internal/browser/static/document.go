package static

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// document is one parsed page: a window's top-level document or the content
// of a frame.
type document struct {
	root *html.Node
	url  *url.URL
	// base resolves relative URLs for srcdoc frames.
	base    *url.URL
	frames  map[*html.Node]*document
	parent  *document
	frameEl *html.Node
	win     *window
	// ref ids of nodes seen in this document; dropped with it.
	ids map[*html.Node]string
}

// elementRef points at an element, or at a shadow root when shadow is set
// (n is then the declarative template).
type elementRef struct {
	id     string
	n      *html.Node
	doc    *document
	shadow bool
}

func (e *elementRef) RefID() string { return e.id }

func (b *Browser) ref(doc *document, n *html.Node, shadow bool) *elementRef {
	id, ok := doc.ids[n]
	if !ok {
		b.nextID++
		id = fmt.Sprintf("node-%d", b.nextID)
		doc.ids[n] = id
	}
	return &elementRef{id: id, n: n, doc: doc, shadow: shadow}
}

func (d *document) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	base := d.url
	if d.base != nil {
		base = d.base
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if base == nil || base.Scheme == "about" {
		return nil, fmt.Errorf("cannot resolve relative URL '%s' without a base URL", raw)
	}
	return base.ResolveReference(ref), nil
}

func (d *document) title() string {
	if n := htmlquery.FindOne(d.root, "//title"); n != nil {
		return strings.TrimSpace(htmlquery.InnerText(n))
	}
	return ""
}

// contains reports whether n is still attached to d.
func (d *document) contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// element validates a ref against d and returns its node. Refs from another
// document or detached from this one are stale.
func (d *document) element(ref driver.ElementRef) (*html.Node, error) {
	e, ok := ref.(*elementRef)
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: foreign element reference", driver.ErrStaleElement)
	}
	if e.doc != d || !d.contains(e.n) {
		return nil, driver.ErrStaleElement
	}
	if e.shadow {
		return nil, fmt.Errorf("%w: reference is a shadow root, not an element", driver.ErrStaleElement)
	}
	return e.n, nil
}

// scope returns the node a lookup is rooted at.
func (d *document) scope(ref driver.ElementRef) (*html.Node, error) {
	if ref == nil {
		return d.root, nil
	}
	e, ok := ref.(*elementRef)
	if !ok || e == nil || e.doc != d || !d.contains(e.n) {
		return nil, driver.ErrStaleElement
	}
	return e.n, nil
}

// elements lists the elements below root in document order. Shadow trees and
// inert template content are not entered.
func (d *document) elements(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.Data == "template" {
				continue
			}
			out = append(out, c)
			walk(c)
		}
	}
	walk(root)
	return out
}

// find runs one lookup below root.
func (d *document) find(root *html.Node, by driver.Strategy, query string) ([]*html.Node, error) {
	candidates := d.elements(root)
	keep := func(pred func(*html.Node) bool) []*html.Node {
		var out []*html.Node
		for _, n := range candidates {
			if pred(n) {
				out = append(out, n)
			}
		}
		return out
	}

	switch by {
	case driver.ByID:
		return keep(func(n *html.Node) bool { return attr(n, "id") == query }), nil
	case driver.ByName:
		return keep(func(n *html.Node) bool { return attr(n, "name") == query }), nil
	case driver.ByTag:
		tag := strings.ToLower(query)
		return keep(func(n *html.Node) bool { return n.Data == tag }), nil
	case driver.ByCSS:
		sel, err := cascadia.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidSelector, err)
		}
		return keep(sel.Match), nil
	case driver.ByXPath:
		matched, err := htmlquery.QueryAll(root, query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidSelector, err)
		}
		return keep(func(n *html.Node) bool { return slices.Contains(matched, n) }), nil
	case driver.ByLinkText:
		return keep(func(n *html.Node) bool { return n.Data == "a" && linkText(n) == query }), nil
	case driver.ByPartialLinkText:
		return keep(func(n *html.Node) bool { return n.Data == "a" && strings.Contains(linkText(n), query) }), nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", driver.ErrInvalidSelector, by)
}

// shadowTemplate returns host's declarative open shadow root.
func shadowTemplate(host *html.Node) *html.Node {
	for c := host.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "template" {
			if strings.EqualFold(attr(c, "shadowrootmode"), "open") {
				return c
			}
		}
	}
	return nil
}

func isShadowRoot(n *html.Node) bool {
	return n.Data == "template" && n.Parent != nil && shadowTemplate(n.Parent) == n
}

// -- Rendering rules --

var neverRendered = map[string]bool{
	"head": true, "script": true, "style": true, "title": true, "meta": true,
	"link": true, "template": true, "noscript": true,
}

func hiddenByStyle(n *html.Node) bool {
	style := strings.ToLower(strings.ReplaceAll(attr(n, "style"), " ", ""))
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// displayed applies the hidden attribute, inline display and visibility, and
// non-rendered elements up to the document. Shadow roots are transparent.
func displayed(n *html.Node) bool {
	if n.Data == "option" || n.Data == "optgroup" {
		if sel := closest(n, "select"); sel != nil {
			return displayed(sel)
		}
	}
	if n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if isShadowRoot(p) {
			continue
		}
		if neverRendered[p.Data] {
			return false
		}
		if _, ok := attrOK(p, "hidden"); ok || hiddenByStyle(p) {
			return false
		}
	}
	return true
}

var disableable = map[string]bool{
	"button": true, "input": true, "select": true, "textarea": true,
	"option": true, "optgroup": true, "fieldset": true,
}

func enabled(n *html.Node) bool {
	if !disableable[n.Data] {
		return true
	}
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if p != n && p.Data != "fieldset" && p.Data != "select" && p.Data != "optgroup" {
			continue
		}
		if _, ok := attrOK(p, "disabled"); ok {
			return false
		}
	}
	return true
}

// text is the rendered text of n with whitespace collapsed.
func text(n *html.Node) string {
	if n.Type == html.ElementNode && !displayed(n) {
		return ""
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				b.WriteString(c.Data)
			case html.ElementNode:
				if neverRendered[c.Data] && !isShadowRoot(c) {
					continue
				}
				if _, ok := attrOK(c, "hidden"); ok || hiddenByStyle(c) {
					continue
				}
				if c.Data == "br" {
					b.WriteByte('\n')
				}
				walk(c)
			}
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func linkText(a *html.Node) string {
	return strings.Join(strings.Fields(htmlquery.InnerText(a)), " ")
}

// -- Node helpers --

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func removeAttr(n *html.Node, key string) {
	n.Attr = slices.DeleteFunc(n.Attr, func(a html.Attribute) bool { return a.Key == key })
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func closest(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

func setText(n *html.Node, s string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
}
