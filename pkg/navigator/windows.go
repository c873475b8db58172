package navigator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

// ListWindows returns the open windows and refreshes the known set. Handles
// that were known and are now missing are marked closed.
func (n *Navigator) ListWindows(ctx context.Context) ([]driver.WindowHandle, error) {
	hs, err := n.drv.Windows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	n.observe(hs)
	return hs, nil
}

// WaitForWindowCount waits until exactly count windows are open.
func (n *Navigator) WaitForWindowCount(ctx context.Context, count int, timeout time.Duration) ([]driver.WindowHandle, error) {
	hs, err := wait.For(ctx, n.engine, wait.WindowCount(n.drv, count), wait.Timeout(timeout))
	if err != nil {
		return nil, err
	}
	n.observe(hs)
	return hs, nil
}

// SwitchToWindow makes h current with the stack reset to its top document.
// A handle known to be closed fails with WindowClosed without a driver call.
func (n *Navigator) SwitchToWindow(ctx context.Context, h driver.WindowHandle) error {
	if _, gone := n.closed[h]; gone {
		return closedFailure("switch window", h)
	}
	if err := n.drv.SwitchToWindow(ctx, h); err != nil {
		return n.windowFailure("switch window", h, err)
	}
	n.window = h
	n.known[h] = struct{}{}
	n.stack = nil
	n.logger.Debug("Switched window.", zap.String("window", string(h)))
	return nil
}

// CloseWindow closes h and drops it from the known set. Closing the current
// window moves the navigator to the first remaining window, if any.
func (n *Navigator) CloseWindow(ctx context.Context, h driver.WindowHandle) error {
	if _, gone := n.closed[h]; gone {
		return closedFailure("close window", h)
	}
	if err := n.drv.CloseWindow(ctx, h); err != nil {
		return n.windowFailure("close window", h, err)
	}
	n.markClosed(h)
	n.logger.Debug("Closed window.", zap.String("window", string(h)))
	if h != n.window {
		return nil
	}

	n.window = ""
	n.stack = nil
	remaining, err := n.ListWindows(ctx)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}
	return n.SwitchToWindow(ctx, remaining[0])
}

// IsClosed reports whether h is known to be closed.
func (n *Navigator) IsClosed(h driver.WindowHandle) bool {
	_, gone := n.closed[h]
	return gone
}

func (n *Navigator) observe(hs []driver.WindowHandle) {
	open := make(map[driver.WindowHandle]struct{}, len(hs))
	for _, h := range hs {
		open[h] = struct{}{}
	}
	for h := range n.known {
		if _, ok := open[h]; !ok {
			n.markClosed(h)
		}
	}
	for h := range open {
		n.known[h] = struct{}{}
		delete(n.closed, h)
	}
}

func (n *Navigator) markClosed(h driver.WindowHandle) {
	delete(n.known, h)
	n.closed[h] = struct{}{}
}

func (n *Navigator) windowFailure(op string, h driver.WindowHandle, err error) error {
	if errors.Is(err, driver.ErrNoSuchWindow) {
		n.markClosed(h)
		return &failure.Error{Kind: failure.WindowClosed, Op: op, Err: fmt.Errorf("window %s: %w", h, err)}
	}
	return fmt.Errorf("%s %s: %w", op, h, err)
}

func closedFailure(op string, h driver.WindowHandle) error {
	return &failure.Error{Kind: failure.WindowClosed, Op: op, Err: fmt.Errorf("window %s was closed", h)}
}
