// Package appctx provides context helpers for work that outlives a
// request.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that keeps the parent's values but not its
// cancellation, for teardown that must finish after the caller gives
// up. The result is bounded by timeout and cancelled when stop closes;
// a nil stop channel leaves only the timeout.
func Detached(parent context.Context, stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}
