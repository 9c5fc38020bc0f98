package beacon

import "sync"

type array[T any] struct {
	items []T
	lock  sync.RWMutex
}

func newArray[T any]() *array[T] {
	return &array[T]{
		items: make([]T, 0),
	}
}

func (a *array[T]) push(item T) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.items = append(a.items, item)
}

func (a *array[T]) forEach(fn func(T)) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	for _, item := range a.items {
		fn(item)
	}
}
