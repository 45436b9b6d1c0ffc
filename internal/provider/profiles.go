package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Profile is the public identity attached to an address.
type Profile struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Image       string         `json:"image,omitempty"`
}

// ProfileStore is the identity provider consulted by consumers of app
// state. Reducers never call it.
type ProfileStore interface {
	GetProfile(ctx context.Context, identifier string) (Profile, error)
	// OnUpdate registers fn for profile changes and returns its cancel func.
	OnUpdate(fn func(Profile)) (cancel func())
}
