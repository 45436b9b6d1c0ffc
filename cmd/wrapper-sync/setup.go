package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/config"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/ipfs"
	"github.com/devblac/wrapper-sync/internal/logging"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/provider"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/devblac/wrapper-sync/internal/wallet"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger prefers LOG_LEVEL over the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" && cfg != nil {
		level = cfg.Global.LogLevel
	}
	return logging.NewWithLevel(level)
}

// openCache opens the configured backend, or memory when ephemeral is set.
func openCache(ctx context.Context, cfg *config.Config, ephemeral bool) (*cache.Client, error) {
	codec, err := cache.CodecByName(cfg.Global.Cache.Codec)
	if err != nil {
		return nil, err
	}
	backend := cfg.Global.Cache.Backend
	if ephemeral {
		backend = "memory"
	}

	var store cache.Store
	switch backend {
	case "memory":
		store = cache.NewMemoryStore()
	case "redis":
		c := cfg.Global.Cache
		store, err = cache.OpenRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	default:
		store, err = cache.OpenSQLite(cfg.Global.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", backend, err)
	}
	return cache.NewClient(store, codec), nil
}

func dialChain(ctx context.Context, cfg *config.Config) (*chain.RPCClient, error) {
	return chain.NewRPCClient(ctx, cfg.Chain.RPCURL, cfg.Chain.RPS, cfg.Chain.Burst)
}

// buildRuntime returns the signing runtime, or a read-only one without a wallet section.
func buildRuntime(cfg *config.Config, rpc *chain.RPCClient, log *slog.Logger) (contract.Runtime, error) {
	if cfg.Wallet == nil {
		return wallet.ReadOnly{}, nil
	}
	var fwd common.Address
	if cfg.Wallet.Forwarder != "" {
		fwd = common.HexToAddress(cfg.Wallet.Forwarder)
	}
	rt, err := wallet.NewRuntime(rpc.Eth(), wallet.Config{
		PrivateKey: cfg.Wallet.PrivateKey,
		ChainID:    big.NewInt(cfg.Wallet.ChainID),
		Forwarder:  fwd,
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	return rt, nil
}

func settings(cfg *config.Config) reducer.Settings {
	return reducer.Settings{EthToken: reducer.EtherToken, Network: cfg.Global.Network}
}

// appABI resolves the ABI for the configured app: its abi_path, or the
// ABI of the registered app with the same name. The storage app has a
// built-in provider registry ABI.
func appABI(cfg *config.Config, app config.AppConfig) (*abi.ABI, error) {
	if app.ABIPath != "" {
		return chain.LoadABI(app.ABIPath)
	}
	key := org.NormalizeName(app.Name)
	if key == ipfs.StorageAppName {
		return ipfs.StorageABI(), nil
	}
	for _, spec := range provider.DefaultApps() {
		if spec.Name == key || (spec.AppID != "" && spec.AppID == app.AppID) {
			return spec.ABI, nil
		}
	}
	return nil, fmt.Errorf("app %s: no abi_path and no built-in abi", app.Name)
}

// lookupApp returns the configured app called name.
func lookupApp(cfg *config.Config, name string) (config.AppConfig, common.Address, error) {
	app, ok := cfg.App(name)
	if !ok {
		return config.AppConfig{}, common.Address{}, fmt.Errorf("app %q is not configured", name)
	}
	return app, common.HexToAddress(app.ProxyAddress), nil
}
