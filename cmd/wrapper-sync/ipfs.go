package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/config"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/ipfs"
	"github.com/spf13/cobra"
)

var (
	flagIPFSKey    string
	flagIPFSSecret string
)

func init() {
	ipfsLoginCmd.Flags().StringVar(&flagIPFSKey, "key", "", "Provider key or username")
	ipfsLoginCmd.Flags().StringVar(&flagIPFSSecret, "secret", "", "Provider secret or password")
	ipfsRegisterCmd.Flags().StringVar(&flagIPFSKey, "key", "", "Provider key or username")
	ipfsRegisterCmd.Flags().StringVar(&flagIPFSSecret, "secret", "", "Provider secret or password")
	ipfsCmd.AddCommand(ipfsLoginCmd, ipfsGetCmd, ipfsCatCmd, ipfsPutCmd, ipfsProviderCmd, ipfsRegisterCmd)
}

var ipfsCmd = &cobra.Command{
	Use:   "ipfs",
	Short: "Store and read content through the configured IPFS provider",
}

var ipfsLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save provider credentials to the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIPFSCache(cmd, func(ctx context.Context, cfg *config.Config, cc *cache.Client) error {
			creds := ipfs.Credentials{Key: flagIPFSKey, Secret: flagIPFSSecret}
			if _, err := ipfs.Open(ctx, cfg.IPFS.Provider, ipfsEndpoints(cfg), creds); err != nil {
				return fmt.Errorf("credentials rejected: %w", err)
			}
			if err := ipfs.SaveCredentials(ctx, cc, cfg.IPFS.Provider, creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s credentials\n", cfg.IPFS.Provider)
			return nil
		})
	},
}

var ipfsGetCmd = &cobra.Command{
	Use:   "get <cid>",
	Short: "Print a DAG node as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIPFSStore(cmd, func(ctx context.Context, st ipfs.Store) error {
			node, err := st.DagGet(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), node)
		})
	},
}

var ipfsCatCmd = &cobra.Command{
	Use:   "cat <cid>",
	Short: "Print raw content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIPFSStore(cmd, func(ctx context.Context, st ipfs.Store) error {
			data, err := st.Cat(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var ipfsPutCmd = &cobra.Command{
	Use:   "put <file.json>",
	Short: "Store a JSON document and print its content id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%s is not json: %w", args[0], err)
		}
		return withIPFSStore(cmd, func(ctx context.Context, st ipfs.Store) error {
			cid, err := st.DagPut(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid)
			return nil
		})
	},
}

var ipfsProviderCmd = &cobra.Command{
	Use:   "provider",
	Short: "Print the provider registered by the organization's storage app",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorageApp(cmd, func(ctx context.Context, _ *cache.Client, storage *contract.MethodTable) error {
			provider, uri, err := ipfs.StorageProvider(ctx, storage)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", provider, uri)
			return nil
		})
	},
}

var ipfsRegisterCmd = &cobra.Command{
	Use:   "register <provider> <uri>",
	Short: "Register a provider with the storage app and cache its credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, uri := args[0], args[1]
		creds := ipfs.Credentials{Key: flagIPFSKey, Secret: flagIPFSSecret}
		return withStorageApp(cmd, func(ctx context.Context, cc *cache.Client, storage *contract.MethodTable) error {
			if _, err := ipfs.Open(ctx, provider, ipfs.Endpoints{}, creds); err != nil {
				return fmt.Errorf("credentials rejected: %w", err)
			}
			if err := ipfs.RegisterProvider(ctx, cc, storage, provider, uri, creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", provider)
			return nil
		})
	},
}

// withStorageApp binds the storage app among the configured apps.
func withStorageApp(cmd *cobra.Command, fn func(context.Context, *cache.Client, *contract.MethodTable) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	cc, err := openCache(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cc.Store().Close()

	rpc, err := dialChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer rpc.Close()
	rt, err := buildRuntime(cfg, rpc, log)
	if err != nil {
		return err
	}

	storage, err := ipfs.BindStorage(cfg.InstalledApps(), rpc, rt)
	if err != nil {
		return err
	}
	return fn(ctx, cc, storage)
}

func withIPFSCache(cmd *cobra.Command, fn func(context.Context, *config.Config, *cache.Client) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IPFS == nil {
		return errors.New("no ipfs section in config")
	}
	cc, err := openCache(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cc.Store().Close()
	return fn(ctx, cfg, cc)
}

func withIPFSStore(cmd *cobra.Command, fn func(context.Context, ipfs.Store) error) error {
	return withIPFSCache(cmd, func(ctx context.Context, cfg *config.Config, cc *cache.Client) error {
		if err := seedCredentials(ctx, cc, cfg); err != nil {
			return err
		}
		creds, _, err := ipfs.LoadCredentials(ctx, cc, cfg.IPFS.Provider)
		if err != nil {
			return err
		}
		st, err := ipfs.Open(ctx, cfg.IPFS.Provider, ipfsEndpoints(cfg), creds)
		if err != nil {
			return err
		}
		return fn(ctx, st)
	})
}

// seedCredentials writes credentials from the config into the cache when
// set, so they take precedence over earlier logins.
func seedCredentials(ctx context.Context, cc *cache.Client, cfg *config.Config) error {
	if cfg.IPFS.Key == "" && cfg.IPFS.Secret == "" {
		return nil
	}
	return ipfs.SaveCredentials(ctx, cc, cfg.IPFS.Provider, ipfs.Credentials{
		Key:    cfg.IPFS.Key,
		Secret: cfg.IPFS.Secret,
	})
}

func ipfsEndpoints(cfg *config.Config) ipfs.Endpoints {
	return ipfs.Endpoints{API: cfg.IPFS.URI, Gateway: cfg.IPFS.Gateway}
}
