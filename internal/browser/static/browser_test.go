package static_test

import (
	"context"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/static"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

func one(t *testing.T, b *static.Browser, scope driver.ElementRef, by driver.Strategy, q string) driver.ElementRef {
	t.Helper()
	refs, err := b.FindElements(context.Background(), scope, by, q)
	require.NoError(t, err)
	require.Len(t, refs, 1, "%s %q", by, q)
	return refs[0]
}

func TestNavigate(t *testing.T) {
	b, srv := openShop(t)
	ctx := context.Background()

	title, err := b.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Shop", title)

	require.NoError(t, b.Navigate(ctx, srv.URL+"/redirect"))
	u, err := b.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/next", u)

	require.NoError(t, b.Navigate(ctx, "/popup"), "relative URLs resolve against the page")
	title, _ = b.Title(ctx)
	assert.Equal(t, "Offer", title)
}

func TestFindElements_Strategies(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()

	cases := []struct {
		by    driver.Strategy
		query string
		want  int
	}{
		{driver.ByID, "title", 1},
		{driver.ByName, "q", 1},
		{driver.ByTag, "OPTION", 3},
		{driver.ByCSS, "form input[type=checkbox]", 1},
		{driver.ByXPath, "//select/option[@value]", 2},
		{driver.ByLinkText, "Next page", 1},
		{driver.ByLinkText, "Next", 0},
		{driver.ByPartialLinkText, "offer", 1},
		{driver.ByPartialLinkText, "Offer", 0},
		{driver.ByID, "missing", 0},
	}
	for _, tc := range cases {
		refs, err := b.FindElements(ctx, nil, tc.by, tc.query)
		require.NoError(t, err, "%s %q", tc.by, tc.query)
		assert.Len(t, refs, tc.want, "%s %q", tc.by, tc.query)
	}

	_, err := b.FindElements(ctx, nil, driver.ByCSS, "div[")
	assert.ErrorIs(t, err, driver.ErrInvalidSelector)
	_, err = b.FindElements(ctx, nil, driver.ByXPath, "//div[")
	assert.ErrorIs(t, err, driver.ErrInvalidSelector)
}

func TestFindElements_ScopedToElement(t *testing.T) {
	b, _ := openShop(t)
	sel := one(t, b, nil, driver.ByID, "colors")

	refs, err := b.FindElements(context.Background(), sel, driver.ByTag, "option")
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	a, err := b.FindElements(context.Background(), sel, driver.ByTag, "option")
	require.NoError(t, err)
	assert.Equal(t, refs[0].RefID(), a[0].RefID(), "the same node keeps its id")
}

func TestShadowRoot(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()

	refs, err := b.FindElements(ctx, nil, driver.ByCSS, ".inner")
	require.NoError(t, err)
	assert.Empty(t, refs, "shadow content is not visible from the document")

	root, err := b.ShadowRoot(ctx, one(t, b, nil, driver.ByID, "card"))
	require.NoError(t, err)
	inner := one(t, b, root, driver.ByCSS, ".inner")
	text, err := b.Text(ctx, inner)
	require.NoError(t, err)
	assert.Equal(t, "Shadowed", text)
	shown, err := b.IsDisplayed(ctx, inner)
	require.NoError(t, err)
	assert.True(t, shown)

	_, err = b.ShadowRoot(ctx, one(t, b, nil, driver.ByID, "title"))
	assert.ErrorIs(t, err, driver.ErrNoShadowRoot)
}

func TestVisibilityAndState(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()

	for id, want := range map[string]bool{"title": true, "hidden": false, "styled": false, "q": true} {
		shown, err := b.IsDisplayed(ctx, one(t, b, nil, driver.ByID, id))
		require.NoError(t, err)
		assert.Equal(t, want, shown, id)
	}
	for id, want := range map[string]bool{"off": false, "in-fieldset": false, "send": true} {
		on, err := b.IsEnabled(ctx, one(t, b, nil, driver.ByID, id))
		require.NoError(t, err)
		assert.Equal(t, want, on, id)
	}

	text, err := b.Text(ctx, one(t, b, nil, driver.ByID, "hidden"))
	require.NoError(t, err)
	assert.Empty(t, text, "hidden elements have no rendered text")
}

func TestFrames(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	status := one(t, b, nil, driver.ByID, "status")

	require.NoError(t, b.SwitchToFrame(ctx, one(t, b, nil, driver.ByID, "frame")))
	greeting := one(t, b, nil, driver.ByID, "greeting")
	text, err := b.Text(ctx, greeting)
	require.NoError(t, err)
	assert.Equal(t, "Hi from frame", text)

	_, err = b.Text(ctx, status)
	assert.ErrorIs(t, err, driver.ErrStaleElement, "top-level refs do not work inside a frame")

	require.NoError(t, b.SwitchToParentFrame(ctx))
	require.NoError(t, b.SwitchToFrame(ctx, one(t, b, nil, driver.ByID, "remote")))
	require.NoError(t, b.SwitchToFrame(ctx, one(t, b, nil, driver.ByID, "nested")))
	one(t, b, nil, driver.ByID, "deep")

	require.NoError(t, b.SwitchToDefaultContent(ctx))
	_, err = b.Text(ctx, status)
	assert.NoError(t, err)

	err = b.SwitchToFrame(ctx, status)
	assert.ErrorIs(t, err, driver.ErrNoSuchFrame)
}

func TestFrames_RemovedWhileInside(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	frame := one(t, b, nil, driver.ByID, "frame")
	require.NoError(t, b.SwitchToFrame(ctx, frame))

	require.NoError(t, b.Mutate(func(doc *goquery.Document) { doc.Find("#frame").Remove() }))
	_, err := b.FindElements(ctx, nil, driver.ByID, "inner")
	assert.ErrorIs(t, err, driver.ErrNoSuchFrame)

	require.NoError(t, b.SwitchToDefaultContent(ctx))
	assert.ErrorIs(t, b.SwitchToFrame(ctx, frame), driver.ErrStaleElement)
}

func TestStaleAfterMutation(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	status := one(t, b, nil, driver.ByID, "status")

	require.NoError(t, b.Mutate(func(doc *goquery.Document) {
		doc.Find("#status").ReplaceWithHtml(`<span id="status">Fresh</span>`)
	}))
	_, err := b.Text(ctx, status)
	assert.ErrorIs(t, err, driver.ErrStaleElement)

	text, err := b.Text(ctx, one(t, b, nil, driver.ByID, "status"))
	require.NoError(t, err)
	assert.Equal(t, "Fresh", text)
}

func TestFormSubmission(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()

	q := one(t, b, nil, driver.ByID, "q")
	require.NoError(t, b.SendKeys(ctx, q, "hel"))
	require.NoError(t, b.SendKeys(ctx, q, "lo"))
	v, err := b.Value(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	note := one(t, b, nil, driver.ByID, "note")
	require.NoError(t, b.Clear(ctx, note))
	require.NoError(t, b.SendKeys(ctx, note, "fragile"))
	v, _, err = b.Attribute(ctx, note, "value")
	require.NoError(t, err)
	assert.Equal(t, "fragile", v)

	require.NoError(t, b.Click(ctx, one(t, b, nil, driver.ByID, "agree")))
	opts, err := b.FindElements(ctx, nil, driver.ByTag, "option")
	require.NoError(t, err)
	require.NoError(t, b.SetSelected(ctx, opts[0], true))
	require.NoError(t, b.SetSelected(ctx, opts[2], true))
	sel, err := b.IsSelected(ctx, opts[2])
	require.NoError(t, err)
	assert.True(t, sel)

	require.NoError(t, b.SetFiles(ctx, one(t, b, nil, driver.ByID, "avatar"), []string{"/tmp/me.png"}))
	assert.Error(t, b.SendKeys(ctx, one(t, b, nil, driver.ByID, "avatar"), "x"))

	require.NoError(t, b.Click(ctx, one(t, b, nil, driver.ByID, "send")))
	echo, err := b.Text(ctx, one(t, b, nil, driver.ByID, "echo"))
	require.NoError(t, err)
	assert.Equal(t, "POST agree=on&colors=r&colors=Blue&note=fragile&q=hello", echo)
}

func TestSingleSelectKeepsOneOption(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	require.NoError(t, b.Mutate(func(doc *goquery.Document) { doc.Find("#colors").RemoveAttr("multiple") }))

	opts, err := b.FindElements(ctx, nil, driver.ByTag, "option")
	require.NoError(t, err)
	require.NoError(t, b.SetSelected(ctx, opts[0], true))
	require.NoError(t, b.SetSelected(ctx, opts[1], true))

	first, _ := b.IsSelected(ctx, opts[0])
	assert.False(t, first)
	v, err := b.Value(ctx, one(t, b, nil, driver.ByID, "colors"))
	require.NoError(t, err)
	assert.Equal(t, "g", v)
}

func TestWindows(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	main, err := b.CurrentWindow(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Click(ctx, one(t, b, nil, driver.ByID, "offer")))
	hs, err := b.Windows(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, main, hs[0])
	cur, _ := b.CurrentWindow(ctx)
	assert.Equal(t, main, cur, "opening a window does not switch to it")

	require.NoError(t, b.SwitchToWindow(ctx, hs[1]))
	title, _ := b.Title(ctx)
	assert.Equal(t, "Offer", title)

	require.NoError(t, b.CloseWindow(ctx, hs[1]))
	_, err = b.Title(ctx)
	assert.ErrorIs(t, err, driver.ErrNoSuchWindow)
	assert.ErrorIs(t, b.SwitchToWindow(ctx, hs[1]), driver.ErrNoSuchWindow)
	require.NoError(t, b.SwitchToWindow(ctx, main))
	hs, _ = b.Windows(ctx)
	assert.Equal(t, []driver.WindowHandle{main}, hs)
}

func TestClickHooks(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()
	require.NoError(t, b.OnClick("#load", func(doc *goquery.Document, clicked *goquery.Selection) {
		clicked.SetAttr("disabled", "")
		doc.Find("#status").SetText("Loading")
	}))
	assert.Error(t, b.OnClick("[", nil))

	require.NoError(t, b.Click(ctx, one(t, b, nil, driver.ByID, "load")))
	text, _ := b.Text(ctx, one(t, b, nil, driver.ByID, "status"))
	assert.Equal(t, "Loading", text)
	on, _ := b.IsEnabled(ctx, one(t, b, nil, driver.ByID, "load"))
	assert.False(t, on)
}

func TestUnsupportedAndClosed(t *testing.T) {
	b, _ := openShop(t)
	ctx := context.Background()

	_, err := b.ExecuteScript(ctx, "return 1")
	assert.ErrorIs(t, err, driver.ErrUnsupported)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
	_, err = b.FindElements(ctx, nil, driver.ByID, "title")
	assert.ErrorIs(t, err, static.ErrClosed)
}
