package reactive

import "sync"

type subscriber[T any] struct {
	c         chan T
	container *Observable[T]
	once      sync.Once
}

// Cancel removes observable from container.
// To cancel observable, call this method.
// Not calling this method may result in memory leak.
// Calling it more than once is safe.
func (o *subscriber[T]) Cancel() {
	o.once.Do(func() {
		o.container.delete(o)
		close(o.c)
	})
}

// Channel returns channel that can be used to read from observable.
func (o *subscriber[T]) Channel() <-chan T {
	return o.c
}

// Observable creates a container for subscribers.
// This works in single producer multiple consumer pattern.
// Publishing never blocks, a value is dropped for the subscriber whose buffer is full.
type Observable[T any] struct {
	mux         sync.RWMutex
	subscribers map[*subscriber[T]]struct{}
	size        int
	onDrop      func()
}

// New creates Observable container that holds channels for all subscribers.
// size is the buffer size of each channel.
func New[T any](size int) *Observable[T] {
	if size < 1 {
		size = 1
	}
	return &Observable[T]{
		mux:         sync.RWMutex{},
		subscribers: make(map[*subscriber[T]]struct{}),
		size:        size,
	}
}

// OnDrop sets the callback called each time a value is dropped for a slow subscriber.
func (o *Observable[T]) OnDrop(f func()) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.onDrop = f
}

// Subscribe subscribes to the container.
func (o *Observable[T]) Subscribe() *subscriber[T] {
	obs := &subscriber[T]{
		c:         make(chan T, o.size),
		container: o,
	}
	o.mux.Lock()
	defer o.mux.Unlock()
	o.subscribers[obs] = struct{}{}
	return obs
}

// Publish publishes value to all subscribers and returns the number of subscribers that received it.
func (o *Observable[T]) Publish(v T) int {
	o.mux.RLock()
	defer o.mux.RUnlock()
	var delivered int
	for c := range o.subscribers {
		select {
		case c.c <- v:
			delivered++
		default:
			if o.onDrop != nil {
				o.onDrop()
			}
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (o *Observable[T]) Len() int {
	o.mux.RLock()
	defer o.mux.RUnlock()
	return len(o.subscribers)
}

func (o *Observable[T]) delete(c *subscriber[T]) {
	o.mux.Lock()
	defer o.mux.Unlock()
	delete(o.subscribers, c)
}
