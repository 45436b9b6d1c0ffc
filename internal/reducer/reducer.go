// Package reducer defines the contract between the sync engine and per-app
// state reducers.
package reducer

import (
	"context"

	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EtherToken is the placeholder address used for the native token.
var EtherToken = common.Address{}

// Network identifies the chain the organization lives on.
type Network struct {
	ID   int64  `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
}

// Settings is passed with every event.
type Settings struct {
	EthToken common.Address
	Network  Network
}

// Input is one fold step.
type Input[S any] struct {
	State    S
	Event    chain.Event
	Settings Settings
}

// Reducer folds events into an app state of type S. Reduce must not mutate
// in.State; it returns the replacement state. Unknown events return the
// state unchanged.
type Reducer[S any] interface {
	InitialState() S
	Reduce(ctx context.Context, api API, in Input[S]) (S, error)
}

// Initializer is implemented by reducers that derive their starting state
// from chain reads when no checkpoint exists.
type Initializer[S any] interface {
	Init(ctx context.Context, api API, state S, settings Settings) (S, error)
}

// API is what app code may reach while folding.
type API interface {
	// Address is the app's proxy address.
	Address() common.Address
	// Call runs a bound contract method.
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	// Cache stores value under the app's key namespace.
	Cache(ctx context.Context, key string, value any) error
	// GetCache decodes the app's cached value at key into out.
	GetCache(ctx context.Context, key string, out any) (bool, error)
	// External binds another contract.
	External(address common.Address, a *abi.ABI) (*contract.MethodTable, error)
	// CurrentApp describes the app being folded.
	CurrentApp(ctx context.Context) (org.Info, error)
	// InstalledApps describes every app in the organization.
	InstalledApps(ctx context.Context) ([]org.Info, error)
}
