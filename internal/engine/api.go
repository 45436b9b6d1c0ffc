package engine

import (
	"context"
	"errors"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrAppNotInstalled is returned by CurrentApp when the organization does not list the app.
var ErrAppNotInstalled = errors.New("app not installed")

// appAPI is the reducer.API of one engine. Cache keys are namespaced by the app address.
type appAPI struct {
	address   common.Address
	methods   *contract.MethodTable
	transport chain.Transport
	runtime   contract.Runtime
	cache     *cache.Client
	installed func(ctx context.Context) ([]org.Info, error)
}

var _ reducer.API = (*appAPI)(nil)

func (a *appAPI) Address() common.Address { return a.address }

func (a *appAPI) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	return a.methods.Call(ctx, method, args...)
}

func (a *appAPI) Cache(ctx context.Context, key string, value any) error {
	return a.cache.SetValue(ctx, cache.Key(a.address.Hex(), key), value)
}

func (a *appAPI) GetCache(ctx context.Context, key string, out any) (bool, error) {
	return a.cache.GetValue(ctx, cache.Key(a.address.Hex(), key), out)
}

func (a *appAPI) External(address common.Address, contractABI *abi.ABI) (*contract.MethodTable, error) {
	return contract.External(contractABI, address, a.transport, a.runtime)
}

func (a *appAPI) InstalledApps(ctx context.Context) ([]org.Info, error) {
	if a.installed == nil {
		return nil, nil
	}
	return a.installed(ctx)
}

func (a *appAPI) CurrentApp(ctx context.Context) (org.Info, error) {
	apps, err := a.InstalledApps(ctx)
	if err != nil {
		return org.Info{}, err
	}
	info, ok := org.Find(apps, a.address)
	if !ok {
		return org.Info{}, ErrAppNotInstalled
	}
	return info, nil
}
