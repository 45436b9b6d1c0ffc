package cache

import (
	"sync"

	"github.com/devblac/wrapper-sync/internal/feed"
)

// observers fans out value changes per key.
type observers struct {
	mu     sync.Mutex
	feeds  map[string]*feed.Feed[[]byte]
	closed bool
}

func newObservers() *observers {
	return &observers{feeds: map[string]*feed.Feed[[]byte]{}}
}

func (o *observers) subscribe(key string) *feed.Subscription[[]byte] {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.feeds[key]
	if !ok {
		f = feed.New[[]byte]()
		if o.closed {
			f.Close()
		}
		o.feeds[key] = f
	}
	return f.SubscribeKeepLast()
}

func (o *observers) publish(key string, value []byte) {
	o.mu.Lock()
	f, ok := o.feeds[key]
	o.mu.Unlock()
	if ok {
		f.Send(value)
	}
}

func (o *observers) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, f := range o.feeds {
		f.Close()
	}
}
