package collab

import (
	"context"
	"fmt"
	"time"
)

type WaitSettings struct {
	// zero waits without a timeout
	Timeout time.Duration
	// also wait for local changes to be acknowledged
	DrainLocalChanges bool
}

func DefaultWaitSettings() *WaitSettings {
	return &WaitSettings{
		Timeout:           5 * time.Second,
		DrainLocalChanges: true,
	}
}

func WaitForSync(ctx context.Context, provider Provider) error {
	return WaitForSyncWithSettings(ctx, provider, DefaultWaitSettings())
}

// WaitForSyncWithSettings blocks until the provider is synced and, when
// draining, has no unacknowledged local changes.
//
// Errors:
//   - ErrSyncTimeout when the timeout elapses
//   - the cause of `ctx` when `ctx` is done
//   - ErrConnectionClosed or ErrConnectionError when the provider reports either first
func WaitForSyncWithSettings(ctx context.Context, provider Provider, settings *WaitSettings) error {
	ready := func() bool {
		if !provider.Synced() {
			return false
		}
		return !settings.DrainLocalChanges || !provider.HasLocalChanges()
	}

	if ready() {
		return nil
	}

	sources := []context.Context{}
	if ctx != nil {
		sources = append(sources, ctx)
	}
	if 0 < settings.Timeout {
		timeoutCtx, timeoutCancel := context.WithTimeoutCause(context.Background(), settings.Timeout, ErrSyncTimeout)
		defer timeoutCancel()
		sources = append(sources, timeoutCtx)
	}
	waitCtx, waitCancel := AnyContext(sources...)
	defer waitCancel()

	if waitCtx.Err() != nil {
		return context.Cause(waitCtx)
	}

	result := make(chan error, 1)
	settle := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	check := func() {
		if ready() {
			settle(nil)
		}
	}

	unsubscribes := []func(){}
	unsubscribes = append(unsubscribes, provider.OnSync(func(synced bool) {
		check()
	}))
	if settings.DrainLocalChanges {
		unsubscribes = append(unsubscribes, provider.OnLocalChanges(func(hasLocalChanges bool) {
			check()
		}))
	}
	unsubscribes = append(unsubscribes, provider.OnConnectionClose(func(err error) {
		settle(wrapConnectionError(ErrConnectionClosed, err))
	}))
	unsubscribes = append(unsubscribes, provider.OnConnectionError(func(err error) {
		settle(wrapConnectionError(ErrConnectionError, err))
	}))
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	// the state may have changed between the first check and the subscriptions
	check()

	select {
	case err := <-result:
		return err
	default:
	}

	select {
	case err := <-result:
		return err
	case <-waitCtx.Done():
		return context.Cause(waitCtx)
	}
}

func wrapConnectionError(sentinel error, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
