package runctx

import (
	"context"

	"kadoa-realtime/internal/logging"
)

func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", logging.Field("error", ctx.Err()))
		var zero T
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return v, ok
	}
}

// SendOrDrop never blocks. When out is full the oldest queued value is
// discarded to make room; it reports whether anything was dropped.
func SendOrDrop[T any](out chan T, value T) (dropped bool) {
	for {
		select {
		case out <- value:
			return dropped
		default:
		}
		select {
		case <-out:
			dropped = true
		default:
		}
	}
}
