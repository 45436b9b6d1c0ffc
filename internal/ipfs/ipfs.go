// Package ipfs gives the same dag get/put and cat operations over the
// hosted IPFS providers an organization can register: Pinata, Infura and
// Temporal. Provider credentials live in the cache under the provider name.
package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/wrapper-sync/internal/cache"
)

// Provider names as registered by the organization's storage app.
const (
	Pinata   = "pinata"
	Infura   = "infura"
	Temporal = "temporal"
)

// ErrUnknownProvider is returned by Open for unsupported provider names.
var ErrUnknownProvider = errors.New("unknown ipfs provider")

// Store is the uniform content API.
type Store interface {
	DagGet(ctx context.Context, cid string) (json.RawMessage, error)
	// DagPut stores v as JSON and returns its content id.
	DagPut(ctx context.Context, v any) (string, error)
	Cat(ctx context.Context, cid string) ([]byte, error)
}

// Credentials are opaque to this package: key/secret for Pinata,
// username/password for Temporal, optional basic auth for Infura.
type Credentials struct {
	Key    string `json:"providerKey"`
	Secret string `json:"providerSecret"`
}

// Endpoints override the provider's public URLs. Empty fields keep the defaults.
type Endpoints struct {
	API     string
	Gateway string
}

// Open connects to provider, authenticating when the provider requires it.
func Open(ctx context.Context, provider string, ep Endpoints, creds Credentials) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case Pinata:
		return openPinata(ctx, ep, creds)
	case Infura:
		return openInfura(ep, creds), nil
	case Temporal:
		return openTemporal(ctx, ep, creds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// SaveCredentials stores creds for provider in the cache.
func SaveCredentials(ctx context.Context, c *cache.Client, provider string, creds Credentials) error {
	return c.SetValue(ctx, strings.ToLower(provider), creds)
}

// LoadCredentials reads the cached credentials for provider.
func LoadCredentials(ctx context.Context, c *cache.Client, provider string) (Credentials, bool, error) {
	var creds Credentials
	ok, err := c.GetValue(ctx, strings.ToLower(provider), &creds)
	return creds, ok, err
}

// Watch opens provider with the cached credentials and reopens it every time
// they change, calling fn with each result until ctx ends.
func Watch(ctx context.Context, c *cache.Client, provider string, ep Endpoints, fn func(Store, error)) {
	sub := c.Store().Observe(strings.ToLower(provider))
	defer sub.Unsubscribe()

	creds, _, err := LoadCredentials(ctx, c, provider)
	if err != nil {
		fn(nil, err)
	} else {
		fn(Open(ctx, provider, ep, creds))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Recv():
			if !ok {
				return
			}
			var next Credentials
			if err := c.Codec().Unmarshal(raw, &next); err != nil {
				fn(nil, fmt.Errorf("decode credentials: %w", err))
				continue
			}
			fn(Open(ctx, provider, ep, next))
		}
	}
}
