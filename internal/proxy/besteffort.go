package proxy

import (
	"context"
	"log/slog"
	"time"
)

// bestEffort runs fn under its own deadline and swallows every failure.
// The caller learns only whether the operation completed in time; a branch
// that outlives the deadline keeps running until its context expires but its
// result is discarded. The deadline is detached from the request context so
// a cancelled request cannot abort an in-flight cache write. Used for cache
// reads/writes and stats updates, which must never fail or stall a request.
func (g *Gateway) bestEffort(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) bool {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
		cancel()
	}()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			g.log.Warn("best-effort operation failed",
				slog.String("op", op),
				slog.String("error", err.Error()))
			if g.metrics != nil {
				g.metrics.RecordCacheOp(op, "error")
			}
			return false
		}
		return true

	case <-opCtx.Done():
		// Completion can race the deadline; prefer the result when both
		// channels are ready.
		select {
		case err := <-done:
			if err == nil {
				return true
			}
			g.log.Warn("best-effort operation failed",
				slog.String("op", op),
				slog.String("error", err.Error()))
			if g.metrics != nil {
				g.metrics.RecordCacheOp(op, "error")
			}
		default:
			g.log.Warn("best-effort operation timed out",
				slog.String("op", op),
				slog.Duration("timeout", timeout))
			if g.metrics != nil {
				g.metrics.RecordCacheOp(op, "timeout")
			}
		}
		return false
	}
}
