package bus

import (
	"slices"
	"sync"
)

// Listeners is an ordered list of typed observers. The zero value is ready to use.
//
// Notify dispatches over a snapshot of the list, so an observer may dispose
// itself (or others) while being notified. A panicking observer does not stop
// delivery to the rest; the recovered value is passed to OnPanic when set.
type Listeners[T any] struct {
	OnPanic func(recovered any)

	mu   sync.Mutex
	next int
	fns  []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns its disposer. Calling the disposer more than once is harmless.
func (l *Listeners[T]) Subscribe(fn func(T)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.fns = slices.DeleteFunc(l.fns, func(x listener[T]) bool { return x.id == id })
			l.mu.Unlock()
		})
	}
}

// Notify calls every registered observer with v.
func (l *Listeners[T]) Notify(v T) {
	l.mu.Lock()
	snapshot := slices.Clone(l.fns)
	l.mu.Unlock()

	for _, x := range snapshot {
		l.dispatch(x.fn, v)
	}
}

// Len returns the number of registered observers.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) dispatch(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && l.OnPanic != nil {
			l.OnPanic(r)
		}
	}()
	fn(v)
}
