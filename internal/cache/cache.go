// Package cache persists per-app values keyed by "<contractAddress>.<logicalKey>".
//
// Values are opaque bytes at the Store level; Client layers a Codec on top so
// callers can read and write typed values and sync checkpoints. There is no
// expiry: a value lives until it is overwritten. Concurrent writers are last
// write wins.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/wrapper-sync/internal/feed"
)

const (
	// StateKey holds the latest folded state, refreshed after every event.
	StateKey = "state"
	// CheckpointKey holds the {block, state} pair written at the synced marker.
	CheckpointKey = "CACHED_STATE_KEY"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("cache closed")

// Store is the raw key/value contract every backend satisfies.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Observe pushes the new value every time key changes. Callers must Unsubscribe.
	Observe(key string) *feed.Subscription[[]byte]
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key composes the cache key for an app address and a logical key.
func Key(address, logical string) string {
	return address + "." + logical
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (address, logical string, ok bool) {
	i := strings.Index(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Checkpoint records that every event up to and including Block is folded into State.
type Checkpoint[S any] struct {
	Block uint64 `json:"block" cbor:"block"`
	State S      `json:"state" cbor:"state"`
}

// Client reads and writes typed values through a Codec.
type Client struct {
	store Store
	codec Codec
}

// NewClient wraps store; a nil codec means JSON.
func NewClient(store Store, codec Codec) *Client {
	if codec == nil {
		codec = JSON
	}
	return &Client{store: store, codec: codec}
}

// Store returns the underlying raw store.
func (c *Client) Store() Store { return c.store }

// Codec returns the value codec.
func (c *Client) Codec() Codec { return c.codec }

// GetValue decodes the value at key into out. It reports false when the key is absent.
func (c *Client) GetValue(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := c.codec.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetValue encodes v and stores it at key.
func (c *Client) SetValue(ctx context.Context, key string, v any) error {
	raw, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, raw)
}

// LoadCheckpoint reads the sync checkpoint for address.
func LoadCheckpoint[S any](ctx context.Context, c *Client, address string) (Checkpoint[S], bool, error) {
	var cp Checkpoint[S]
	ok, err := c.GetValue(ctx, Key(address, CheckpointKey), &cp)
	if err != nil || !ok {
		return Checkpoint[S]{}, false, err
	}
	return cp, true, nil
}

// SaveCheckpoint writes the sync checkpoint for address.
func SaveCheckpoint[S any](ctx context.Context, c *Client, address string, cp Checkpoint[S]) error {
	return c.SetValue(ctx, Key(address, CheckpointKey), cp)
}
