package ipfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// StorageAppName is the registry key of the organization's storage app.
const StorageAppName = "storage"

const storageABIJSON = `[
	{"type":"function","name":"getStorageProvider","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"provider","type":"string"},{"name":"uri","type":"string"}]},
	{"type":"function","name":"registerStorageProvider","stateMutability":"nonpayable",
	 "inputs":[{"name":"provider","type":"string"},{"name":"uri","type":"string"}],"outputs":[]}
]`

var (
	storageABIOnce sync.Once
	storageABI     abi.ABI
)

// StorageABI returns the ABI of the storage app's provider registry.
func StorageABI() *abi.ABI {
	storageABIOnce.Do(func() {
		var err error
		storageABI, err = abi.JSON(strings.NewReader(storageABIJSON))
		if err != nil {
			panic(fmt.Sprintf("storage abi: %v", err))
		}
	})
	return &storageABI
}

// ErrNoStorageApp is returned when the organization has no storage app installed.
var ErrNoStorageApp = errors.New("no storage app installed")

// ConnState is the progress of connecting to the organization's provider.
type ConnState int

const (
	NoStorageApp ConnState = iota
	Connecting
	Found
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case NoStorageApp:
		return "no-storage-app"
	case Connecting:
		return "connecting"
	case Found:
		return "found"
	case Connected:
		return "success"
	case Failed:
		return "failure"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Connection is one step of Discover. Store is set once Connected.
type Connection struct {
	State    ConnState
	Provider string
	URI      string
	Store    Store
	Err      error
}

// BindStorage binds the storage app installed in apps.
func BindStorage(apps []org.App, caller contract.Caller, rt contract.Runtime) (*contract.MethodTable, error) {
	addr, ok := org.ResolveAddress(apps, StorageAppName, "")
	if !ok {
		return nil, ErrNoStorageApp
	}
	return contract.Bind(StorageABI(), addr, caller, rt)
}

// StorageProvider reads the provider name and uri registered on chain.
func StorageProvider(ctx context.Context, storage *contract.MethodTable) (provider, uri string, err error) {
	out, err := storage.Call(ctx, "getStorageProvider")
	if err != nil {
		return "", "", err
	}
	if len(out) != 2 {
		return "", "", fmt.Errorf("getStorageProvider: want 2 values, got %d", len(out))
	}
	provider, ok1 := out[0].(string)
	uri, ok2 := out[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("getStorageProvider: unexpected types %T, %T", out[0], out[1])
	}
	return provider, uri, nil
}

// RegisterProvider caches creds for provider and registers it with the storage app.
func RegisterProvider(ctx context.Context, c *cache.Client, storage *contract.MethodTable, provider, uri string, creds Credentials) error {
	if err := SaveCredentials(ctx, c, provider, creds); err != nil {
		return err
	}
	if _, err := storage.Call(ctx, "registerStorageProvider", provider, uri); err != nil {
		return fmt.Errorf("register %s: %w", provider, err)
	}
	return nil
}

// Discover finds the provider registered by the storage app in apps and keeps
// a store open for it, reopening on credential changes. Every state change is
// passed to fn. It returns when ctx ends or discovery fails.
func Discover(ctx context.Context, apps []org.App, caller contract.Caller, rt contract.Runtime, c *cache.Client, ep Endpoints, fn func(Connection)) {
	storage, err := BindStorage(apps, caller, rt)
	if errors.Is(err, ErrNoStorageApp) {
		fn(Connection{State: NoStorageApp})
		return
	}
	fn(Connection{State: Connecting})
	if err != nil {
		fn(Connection{State: Failed, Err: err})
		return
	}

	provider, uri, err := StorageProvider(ctx, storage)
	if err != nil {
		fn(Connection{State: Failed, Err: err})
		return
	}
	fn(Connection{State: Found, Provider: provider, URI: uri})

	Watch(ctx, c, provider, ep, func(st Store, err error) {
		if err != nil {
			fn(Connection{State: Failed, Provider: provider, URI: uri, Err: err})
			return
		}
		fn(Connection{State: Connected, Provider: provider, URI: uri, Store: st})
	})
}
