package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAnyContextNoSources(t *testing.T) {
	ctx, cancel := AnyContext()

	select {
	case <-ctx.Done():
		t.Fatal("merged context with no sources must not fire")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-ctx.Done()
	assert.Equal(t, context.Cause(ctx), context.Canceled)
}

func TestAnyContextFirstSourceWins(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	a, cancelA := context.WithCancelCause(context.Background())
	b, cancelB := context.WithCancelCause(context.Background())
	defer cancelA(nil)
	defer cancelB(nil)

	ctx, cancel := AnyContext(a, b)
	defer cancel()

	cancelB(errB)
	<-ctx.Done()
	cancelA(errA)

	assert.Equal(t, context.Cause(ctx), errB)
}

func TestAnyContextAlreadyDone(t *testing.T) {
	errDone := errors.New("done")

	a, cancelA := context.WithCancelCause(context.Background())
	cancelA(errDone)

	ctx, cancel := AnyContext(context.Background(), a)
	defer cancel()

	assert.NotEqual(t, ctx.Err(), nil)
	assert.Equal(t, context.Cause(ctx), errDone)
}

func TestAnyContextTimeoutCause(t *testing.T) {
	timeoutCtx, timeoutCancel := context.WithTimeoutCause(context.Background(), 10*time.Millisecond, ErrSyncTimeout)
	defer timeoutCancel()

	ctx, cancel := AnyContext(context.Background(), timeoutCtx)
	defer cancel()

	<-ctx.Done()
	assert.Equal(t, errors.Is(context.Cause(ctx), ErrSyncTimeout), true)
}
