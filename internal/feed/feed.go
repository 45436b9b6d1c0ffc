// Package feed is a small typed publish/subscribe channel. Owners inject a
// Feed into the components that publish and hand Subscriptions to readers;
// every subscriber must Unsubscribe when it is done.
package feed

import "sync"

type Feed[T any] struct {
	mu     sync.Mutex // protects subs, nextID and closed.
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

type Subscription[T any] struct {
	c         chan T
	f         *Feed[T]
	unsubOnce sync.Once
	id        uint64
	keepLast  bool
}

// Recv returns the delivery channel. It is closed on Unsubscribe or Feed.Close.
func (s *Subscription[T]) Recv() <-chan T {
	return s.c
}

func (s *Subscription[T]) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.f.mu.Lock()
		defer s.f.mu.Unlock()
		if _, ok := s.f.subs[s.id]; ok {
			delete(s.f.subs, s.id)
			close(s.c)
		}
	})
}

func New[T any]() *Feed[T] {
	return &Feed[T]{
		subs: make(map[uint64]*Subscription[T]),
	}
}

func (f *Feed[T]) subscribe(keepLast bool) *Subscription[T] {
	ch := make(chan T, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &Subscription[T]{
		c:        ch,
		f:        f,
		id:       f.nextID,
		keepLast: keepLast,
	}
	if f.closed {
		close(ch)
		return s
	}
	f.nextID++
	f.subs[s.id] = s
	return s
}

// Subscribe returns a subscription that skips a value when its buffer is full.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	return f.subscribe(false)
}

// SubscribeKeepLast returns a subscription that drops the oldest buffered value
// so the most recent one is always available.
func (f *Feed[T]) SubscribeKeepLast() *Subscription[T] {
	return f.subscribe(true)
}

// Send broadcasts v to all subscribers without blocking.
func (f *Feed[T]) Send(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub.c <- v:
		default:
			if sub.keepLast {
				select {
				case <-sub.c:
				default:
				}
				sub.c <- v
			}
		}
	}
}

// Close closes every subscription; later subscriptions are born closed.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		close(sub.c)
		delete(f.subs, id)
	}
}

// Len reports the number of live subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
