// Package pubsub provides the two small publish/subscribe primitives used
// by protocol connections: a broadcast Topic without replay and a Latest
// value that replays the most recent publication to new subscribers.
//
// Subscribers are invoked synchronously on the publishing goroutine, in
// subscription order, so publication order is preserved for every
// subscriber.
package pubsub

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Topic broadcasts values to the subscribers present at publication time.
type Topic[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	return func() { t.remove(id) }
}

func (t *Topic[T]) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Topic[T]) snapshot() []subscriber[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]subscriber[T](nil), t.subs...)
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	for _, s := range t.snapshot() {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Latest is a Topic that remembers its last value. A new subscriber is
// called immediately with that value, if one was published, and then with
// every later publication. Callbacks run under the value lock and must not
// call back into the same Latest.
type Latest[T any] struct {
	mu    sync.Mutex
	topic Topic[T]
	value T
	set   bool
}

// Subscribe registers fn, replaying the latest value first.
func (l *Latest[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		fn(l.value)
	}
	return l.topic.Subscribe(fn)
}

// Publish stores v and delivers it to every subscriber.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = v
	l.set = true
	l.topic.Publish(v)
}

// Value returns the latest value and whether one was published.
func (l *Latest[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.set
}
