package collab

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on read. Callbacks are keyed so callers can
// unsubscribe with the returned remove function.
type callbackList[T any] struct {
	stateLock sync.Mutex

	nextCallbackId int
	callbacks      map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.callbacks, callbackId)
	}
}

// in registration order
func (self *callbackList[T]) get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	out := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}
