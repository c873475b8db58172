package cdp

import (
	"context"
	"fmt"
	"slices"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/internal/ctxutil"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// -- Windows --

// onBrowser runs fn with the browser-level executor.
func (d *Driver) onBrowser(ctx context.Context, fn func(ctx context.Context) error) error {
	combined, cancel := ctxutil.Combine(d.browserCtx, ctx)
	defer cancel()
	c := chromedp.FromContext(d.browserCtx)
	if c == nil || c.Browser == nil {
		return fmt.Errorf("%w: browser is not running", driver.ErrNoSuchWindow)
	}
	return classify(fn(cdp.WithExecutor(combined, c.Browser)))
}

// Windows lists page targets. Known handles keep their order; new targets
// are appended as they are discovered.
func (d *Driver) Windows(ctx context.Context) ([]driver.WindowHandle, error) {
	var infos []*target.Info
	err := d.onBrowser(ctx, func(ctx context.Context) error {
		var err error
		infos, err = target.GetTargets().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}

	live := make(map[driver.WindowHandle]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		h := driver.WindowHandle(info.TargetID)
		live[h] = true
		if !slices.Contains(d.order, h) {
			d.order = append(d.order, h)
			d.logger.Debug("Discovered window.", zap.String("window", string(h)), zap.String("url", info.URL))
		}
	}
	d.order = slices.DeleteFunc(d.order, func(h driver.WindowHandle) bool {
		if live[h] {
			return false
		}
		d.forget(h)
		return true
	})
	return slices.Clone(d.order), nil
}

func (d *Driver) CurrentWindow(ctx context.Context) (driver.WindowHandle, error) {
	t, err := d.currentTab()
	if err != nil {
		return "", err
	}
	return t.handle, nil
}

// SwitchToWindow attaches to h if needed and makes it current at its top
// document.
func (d *Driver) SwitchToWindow(ctx context.Context, h driver.WindowHandle) error {
	handles, err := d.Windows(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(handles, h) {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	t, ok := d.tabs[h]
	if !ok {
		tctx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(h)))
		// Attaching binds the session to tctx, so it runs without the
		// caller's deadline.
		if err := chromedp.Run(tctx); err != nil {
			cancel()
			return classify(fmt.Errorf("failed to attach to window %s: %w", h, err))
		}
		t = &tab{handle: h, ctx: tctx, cancel: cancel}
		d.tabs[h] = t
	}
	if err := d.onBrowser(ctx, func(ctx context.Context) error {
		return target.ActivateTarget(target.ID(h)).Do(ctx)
	}); err != nil {
		d.logger.Debug("Failed to activate window.", zap.String("window", string(h)), zap.Error(err))
	}
	t.frames = nil
	d.current = t
	return nil
}

// CloseWindow closes h. Closing the current window leaves no window current
// until the caller switches.
func (d *Driver) CloseWindow(ctx context.Context, h driver.WindowHandle) error {
	if _, err := d.Windows(ctx); err != nil {
		return err
	}
	if !slices.Contains(d.order, h) {
		return fmt.Errorf("%w: %s", driver.ErrNoSuchWindow, h)
	}
	err := d.onBrowser(ctx, func(ctx context.Context) error {
		return target.CloseTarget(target.ID(h)).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to close window %s: %w", h, err)
	}
	d.order = slices.DeleteFunc(d.order, func(o driver.WindowHandle) bool { return o == h })
	d.forget(h)
	return nil
}

// forget drops local state for a closed target.
func (d *Driver) forget(h driver.WindowHandle) {
	t, ok := d.tabs[h]
	if !ok {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(d.tabs, h)
	if d.current == t {
		d.current = nil
	}
}

// -- Frames --

// SwitchToFrame enters frame, an iframe or frame element of the current
// document whose content is reachable from this page.
func (d *Driver) SwitchToFrame(ctx context.Context, frame driver.ElementRef) error {
	id, err := objectOf(frame)
	if err != nil {
		return err
	}
	return d.do(ctx, func(ctx context.Context, t *tab) error {
		if _, err := callFunction(ctx, "contentDocument", id, false); err != nil {
			return err
		}
		t.frames = append(t.frames, id)
		return nil
	})
}

func (d *Driver) SwitchToParentFrame(ctx context.Context) error {
	t, err := d.currentTab()
	if err != nil {
		return err
	}
	if len(t.frames) > 0 {
		t.frames = t.frames[:len(t.frames)-1]
	}
	return nil
}

func (d *Driver) SwitchToDefaultContent(ctx context.Context) error {
	t, err := d.currentTab()
	if err != nil {
		return err
	}
	t.frames = nil
	return nil
}
