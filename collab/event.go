package collab

import (
	"context"
	"os"
	"os/signal"
	"time"
)

// Event is a one-shot flag backed by a context.
// It is set by `Set`, when the parent context ends, or on a registered signal.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEvent() *Event {
	return NewEventWithContext(context.Background())
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

// done once the event is set
func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

// a negative timeout waits forever
func (self *Event) WaitForSet(timeout time.Duration) bool {
	if timeout < 0 {
		<-self.ctx.Done()
		return true
	}
	select {
	case <-self.ctx.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// sets the event on the first of `signals`. Returns a func that stops listening.
func (self *Event) SetOnSignals(signals ...os.Signal) func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			self.Set()
		case <-self.ctx.Done():
		}
	}()
	return func() {
		signal.Stop(c)
	}
}
