package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEvent(t *testing.T) {
	event := NewEvent()
	assert.Equal(t, event.IsSet(), false)
	assert.Equal(t, event.WaitForSet(10*time.Millisecond), false)

	go func() {
		time.Sleep(10 * time.Millisecond)
		event.Set()
	}()
	assert.Equal(t, event.WaitForSet(-1), true)
	assert.Equal(t, event.IsSet(), true)

	// idempotent
	event.Set()
	assert.Equal(t, event.IsSet(), true)
}

func TestEventParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	event := NewEventWithContext(ctx)
	assert.Equal(t, event.IsSet(), false)

	cancel()
	assert.Equal(t, event.WaitForSet(time.Second), true)
}
