package static

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// ClickFunc reacts to a click. doc is the document the clicked element lives
// in. Hooks run under the browser lock: mutate doc directly and never call
// back into the Browser synchronously; schedule later changes with Mutate.
type ClickFunc func(doc *goquery.Document, clicked *goquery.Selection)

type clickHook struct {
	css   string
	match cascadia.Selector
	fn    ClickFunc
}

// OnClick registers fn for clicks on elements matching css, in any window or
// frame. Hooks run before the element's default action.
func (b *Browser) OnClick(css string, fn ClickFunc) error {
	sel, err := cascadia.Compile(css)
	if err != nil {
		return fmt.Errorf("invalid hook selector %q: %w", css, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, clickHook{css: css, match: sel, fn: fn})
	return nil
}

func (b *Browser) runHooks(doc *document, n *html.Node) {
	for _, h := range b.hooks {
		if !h.match.Match(n) {
			continue
		}
		b.logger.Debug("Running click hook.", zap.String("selector", h.css))
		page := goquery.NewDocumentFromNode(doc.root)
		h.fn(page, page.FindNodes(n))
	}
}

// Mutate edits the current window's top-level document.
func (b *Browser) Mutate(fn func(doc *goquery.Document)) error {
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	fn(goquery.NewDocumentFromNode(w.top.root))
	return nil
}

// MutateFrame edits the document of the first frame in the current window's
// top-level document matching css.
func (b *Browser) MutateFrame(css string, fn func(doc *goquery.Document)) error {
	sel, err := cascadia.Compile(css)
	if err != nil {
		return fmt.Errorf("invalid frame selector %q: %w", css, err)
	}
	w, err := b.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	for el, doc := range w.top.frames {
		if sel.Match(el) && w.top.contains(el) {
			fn(goquery.NewDocumentFromNode(doc.root))
			return nil
		}
	}
	return fmt.Errorf("no loaded frame matches %q", css)
}
