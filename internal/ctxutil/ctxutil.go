// Package ctxutil holds the context plumbing shared by the navigator and the
// browser backends.
package ctxutil

import (
	"context"
	"time"
)

// Combine returns a context derived from primary (values, deadline and
// cancellation) that is also canceled when secondary ends.
//
// Backends use it to run an operation on a long-lived browser context
// (primary, which carries the protocol connection) under a caller's deadline
// (secondary).
func Combine(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// Detach returns a context carrying ctx's values but none of its deadline or
// cancellation.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Cleanup returns a detached context bounded by timeout. Restores and
// teardown use it so they still run after the caller's context has ended.
func Cleanup(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), timeout)
}
