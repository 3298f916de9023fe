package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitAsync(ctx context.Context, provider Provider, settings *WaitSettings) chan error {
	result := make(chan error, 1)
	go func() {
		result <- WaitForSyncWithSettings(ctx, provider, settings)
	}()
	return result
}

// waits until the wait has registered its listeners
func awaitListeners(t *testing.T, provider *fakeProvider, count int) {
	deadline := time.Now().Add(time.Second)
	for provider.ListenerCount() != count {
		if deadline.Before(time.Now()) {
			t.Fatalf("expected %d listeners, found %d", count, provider.ListenerCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaitForSyncAlreadyReady(t *testing.T) {
	provider := newFakeProvider()
	provider.synced = true

	err := WaitForSync(context.Background(), provider)
	assert.Equal(t, err, nil)
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncDrainsLocalChanges(t *testing.T) {
	provider := newFakeProvider()

	result := waitAsync(context.Background(), provider, DefaultWaitSettings())
	awaitListeners(t, provider, 4)

	provider.SetLocalChanges(true)
	provider.SetSynced(true)
	select {
	case err := <-result:
		t.Fatalf("resolved with pending local changes: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	provider.SetLocalChanges(false)
	select {
	case err := <-result:
		assert.Equal(t, err, nil)
	case <-time.After(time.Second):
		t.Fatal("wait did not resolve")
	}
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncWithoutDrain(t *testing.T) {
	provider := newFakeProvider()
	provider.hasLocalChanges = true

	result := waitAsync(context.Background(), provider, &WaitSettings{
		Timeout:           time.Second,
		DrainLocalChanges: false,
	})
	// no local changes listener
	awaitListeners(t, provider, 3)

	provider.SetSynced(true)
	select {
	case err := <-result:
		assert.Equal(t, err, nil)
	case <-time.After(time.Second):
		t.Fatal("wait did not resolve")
	}
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncAlreadyCancelled(t *testing.T) {
	provider := newFakeProvider()

	errAborted := errors.New("aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errAborted)

	err := WaitForSync(ctx, provider)
	assert.Equal(t, err, errAborted)
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncCancelled(t *testing.T) {
	provider := newFakeProvider()

	ctx, cancel := context.WithCancel(context.Background())
	result := waitAsync(ctx, provider, DefaultWaitSettings())
	awaitListeners(t, provider, 4)

	cancel()
	select {
	case err := <-result:
		assert.Equal(t, errors.Is(err, context.Canceled), true)
	case <-time.After(time.Second):
		t.Fatal("wait did not end")
	}
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncConnectionError(t *testing.T) {
	provider := newFakeProvider()

	result := waitAsync(context.Background(), provider, DefaultWaitSettings())
	awaitListeners(t, provider, 4)

	errDial := errors.New("dial")
	provider.Error(errDial)
	select {
	case err := <-result:
		assert.Equal(t, errors.Is(err, ErrConnectionError), true)
		assert.Equal(t, errors.Is(err, errDial), true)
	case <-time.After(time.Second):
		t.Fatal("wait did not end")
	}
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncConnectionClose(t *testing.T) {
	provider := newFakeProvider()

	result := waitAsync(context.Background(), provider, DefaultWaitSettings())
	awaitListeners(t, provider, 4)

	provider.Close(nil)
	select {
	case err := <-result:
		assert.Equal(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("wait did not end")
	}
}

func TestWaitForSyncTimeout(t *testing.T) {
	provider := newFakeProvider()

	startTime := time.Now()
	err := WaitForSyncWithSettings(context.Background(), provider, &WaitSettings{
		Timeout:           20 * time.Millisecond,
		DrainLocalChanges: true,
	})
	assert.Equal(t, err, ErrSyncTimeout)
	assert.Equal(t, 20*time.Millisecond <= time.Since(startTime), true)
	assert.Equal(t, provider.ListenerCount(), 0)
}

func TestWaitForSyncSettledOnce(t *testing.T) {
	provider := newFakeProvider()

	result := waitAsync(context.Background(), provider, DefaultWaitSettings())
	awaitListeners(t, provider, 4)

	provider.SetSynced(true)
	err := <-result
	assert.Equal(t, err, nil)

	// later events after the wait has settled are ignored
	provider.Error(errors.New("late"))
	provider.Close(nil)
	assert.Equal(t, provider.ListenerCount(), 0)
}
