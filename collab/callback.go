package collab

import (
	"sync"
)

// makes a copy of the list on update, so `Get` can be iterated outside the lock
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := make([]int, len(self.callbackIds), len(self.callbackIds)+1)
	copy(nextCallbackIds, self.callbackIds)
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

// removing an id that is not present is a no-op
func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, id := range self.callbackIds {
		if id == callbackId {
			nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
			nextCallbacks := make([]T, 0, len(self.callbacks)-1)
			nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
			nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
			self.callbackIds = nextCallbackIds
			self.callbacks = nextCallbacks
			return
		}
	}
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbackIds = nil
	self.callbacks = nil
}

// registers `callback` and returns an idempotent unsubscribe
func (self *CallbackList[T]) Subscribe(callback T) func() {
	callbackId := self.Add(callback)
	var once sync.Once
	return func() {
		once.Do(func() {
			self.Remove(callbackId)
		})
	}
}
