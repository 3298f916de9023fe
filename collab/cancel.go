package collab

import (
	"context"
)

// AnyContext merges `sources` into one context that is done as soon as the first
// source is done. The cause of the merged context is the cause of that source.
// With zero sources the merged context is done only when the returned cancel is called.
//
// The returned cancel releases the source watchers and must always be called.
func AnyContext(sources ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())

	stops := make([]func() bool, 0, len(sources))
	for _, source := range sources {
		if source == nil {
			continue
		}
		if source.Err() != nil {
			cancel(context.Cause(source))
			break
		}
		stop := context.AfterFunc(source, func() {
			cancel(context.Cause(source))
		})
		stops = append(stops, stop)
	}

	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel(context.Canceled)
	}
}
