package collab

import (
	"context"
	"sync"
)

// a single in-flight or settled result shared by every waiter
type future[R any] struct {
	done   chan struct{}
	result R
	err    error
}

func newFuture[R any]() *future[R] {
	return &future[R]{
		done: make(chan struct{}),
	}
}

func (self *future[R]) resolve(result R, err error) {
	self.result = result
	self.err = err
	close(self.done)
}

// a waiter that gives up does not affect the shared work or other waiters
func (self *future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-self.done:
		return self.result, self.err
	case <-ctx.Done():
		var empty R
		return empty, context.Cause(ctx)
	}
}

// coalesceMap holds at most one in-flight future per key.
// Failed futures are always evicted so the next call starts fresh.
// Successful futures are kept only when `keepOnSuccess` is set.
type coalesceMap[R any] struct {
	keepOnSuccess bool

	mutex   sync.Mutex
	futures map[string]*future[R]
}

func newCoalesceMap[R any](keepOnSuccess bool) *coalesceMap[R] {
	return &coalesceMap[R]{
		keepOnSuccess: keepOnSuccess,
		futures:       map[string]*future[R]{},
	}
}

// returns the existing future for `key`, or starts `run` in a new goroutine
func (self *coalesceMap[R]) Do(key string, run func() (R, error)) *future[R] {
	self.mutex.Lock()
	if f, ok := self.futures[key]; ok {
		self.mutex.Unlock()
		return f
	}
	f := newFuture[R]()
	self.futures[key] = f
	self.mutex.Unlock()

	go func() {
		var result R
		var err error
		if r := HandleError(func() {
			result, err = run()
		}); r != nil {
			var empty R
			result = empty
			err = panicError(r)
		}

		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			if err != nil || !self.keepOnSuccess {
				// the entry may have been evicted and replaced while running
				if self.futures[key] == f {
					delete(self.futures, key)
				}
			}
		}()

		f.resolve(result, err)
	}()
	return f
}

func (self *coalesceMap[R]) Evict(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.futures, key)
}

func (self *coalesceMap[R]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.futures)
}
