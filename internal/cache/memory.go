package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/devblac/wrapper-sync/internal/feed"
)

// MemoryStore keeps entries in process memory. Used by tests and `run --ephemeral`.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	obs    *observers
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}, obs: newObservers()}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	m.obs.publish(key, append([]byte(nil), value...))
	return nil
}

func (m *MemoryStore) Observe(key string) *feed.Subscription[[]byte] {
	return m.obs.subscribe(key)
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.obs.close()
	return nil
}
