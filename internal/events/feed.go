// Package events provides an ordered in-process fan-out used by the capture
// pipeline, the connection client and the collaborators.
package events

import "sync"

// Feed delivers published values to every subscriber in publish order on a
// single dispatch goroutine. Publish never blocks on slow subscribers.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[int]func(T)
	nextID  int
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	stopped chan struct{}
}

// NewFeed starts the dispatch goroutine. Call Close to stop it.
func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		subs:    make(map[int]func(T)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go f.run()
	return f
}

// Subscribe registers fn and returns a function that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish queues v for delivery. Values published after Close are dropped.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is already queued and stops the dispatcher.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.stopped
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	<-f.stopped
}

func (f *Feed[T]) run() {
	defer close(f.stopped)
	for {
		select {
		case <-f.wake:
			f.deliver()
		case <-f.done:
			f.deliver()
			return
		}
	}
}

func (f *Feed[T]) deliver() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		batch := f.queue
		f.queue = nil
		subs := make([]func(T), 0, len(f.subs))
		for id := 0; id < f.nextID; id++ {
			if fn, ok := f.subs[id]; ok {
				subs = append(subs, fn)
			}
		}
		f.mu.Unlock()

		for _, v := range batch {
			for _, fn := range subs {
				fn(v)
			}
		}
	}
}
