package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/devblac/wrapper-sync/internal/engine"
	"github.com/devblac/wrapper-sync/internal/health"
	"github.com/devblac/wrapper-sync/internal/ipfs"
	"github.com/devblac/wrapper-sync/internal/metrics"
	"github.com/devblac/wrapper-sync/internal/provider"
	"github.com/spf13/cobra"
)

var (
	flagEphemeral bool
	flagHealth    string
	flagMetrics   string
)

func init() {
	runCmd.Flags().BoolVar(&flagEphemeral, "ephemeral", false, "Keep state in memory only")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync every configured app until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		cc, err := openCache(ctx, cfg, flagEphemeral)
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

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		p, err := provider.New(provider.DefaultApps(), provider.Options{
			Transport:           rpc,
			Cache:               cc,
			Settings:            settings(cfg),
			ReorgMargin:         cfg.ReorgMargin(),
			InitializationBlock: cfg.Global.InitializationBlock,
			FetchWorkers:        cfg.Chain.FetchWorkers,
			Metrics:             mtr,
			Log:                 log,
		})
		if err != nil {
			return err
		}
		defer p.Close()

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(map[string]health.BlockReader{"chain": rpc})
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  cc.Store().Ping,
				RPCPing: rpcChecker.Ping,
				Apps: func() map[string]string {
					out := map[string]string{}
					for _, name := range p.Apps() {
						out[name] = p.Status(name).String()
					}
					return out
				},
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer srv.Close()
		}

		// a configured provider wins over the one registered by the storage app
		if cfg.IPFS != nil {
			if err := seedCredentials(ctx, cc, cfg); err != nil {
				return err
			}
			go ipfs.Watch(ctx, cc, cfg.IPFS.Provider, ipfsEndpoints(cfg), func(_ ipfs.Store, err error) {
				if err != nil {
					log.Warn("ipfs provider unavailable", "provider", cfg.IPFS.Provider, "error", err)
					return
				}
				log.Info("ipfs provider ready", "provider", cfg.IPFS.Provider)
			})
		} else {
			go ipfs.Discover(ctx, cfg.InstalledApps(), rpc, rt, cc, ipfs.Endpoints{}, func(conn ipfs.Connection) {
				logConnection(log, conn)
			})
		}

		changes := p.Subscribe()
		defer changes.Unsubscribe()

		p.Start(ctx)
		p.SetInstalledApps(cfg.InstalledApps())
		p.SetRuntime(rt)
		log.Info("sync started", "apps", p.Apps(), "reorg_margin", cfg.ReorgMargin())

		last := map[string]engine.Status{}
		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case ch, ok := <-changes.Recv():
				if !ok {
					return nil
				}
				if prev, seen := last[ch.App]; !seen || prev != ch.Status {
					last[ch.App] = ch.Status
					log.Info("app status", "app", ch.App, "status", ch.Status.String())
				}
			}
		}
	},
}

func logConnection(log *slog.Logger, conn ipfs.Connection) {
	attrs := []any{"state", conn.State.String()}
	if conn.Provider != "" {
		attrs = append(attrs, "provider", conn.Provider, "uri", conn.URI)
	}
	switch conn.State {
	case ipfs.Failed:
		log.Warn("ipfs provider unavailable", append(attrs, "error", conn.Err)...)
	case ipfs.NoStorageApp:
		log.Debug("ipfs discovery skipped", attrs...)
	default:
		log.Info("ipfs provider", attrs...)
	}
}
