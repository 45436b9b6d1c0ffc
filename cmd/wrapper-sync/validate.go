package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultDialTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, app ABIs and the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d app(s))\n", cfg.Version, len(cfg.Apps))

		failures := 0
		for _, app := range cfg.Apps {
			a, err := appABI(cfg, app)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- app %s: ERROR %v\n", app.Name, err)
				continue
			}
			fmt.Fprintf(out, "- app %s: %d method(s), %d event(s) OK\n", app.Name, len(a.Methods), len(a.Events))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultDialTimeout)
		defer cancel()
		rpc, err := dialChain(ctx, cfg)
		if err != nil {
			failures++
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
		} else {
			defer rpc.Close()
			chainID, err := rpc.ChainID(ctx)
			switch {
			case err != nil:
				failures++
				fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			case cfg.Wallet != nil && chainID.Int64() != cfg.Wallet.ChainID:
				failures++
				fmt.Fprintf(out, "- rpc: chainId %s does not match wallet.chain_id %d\n", chainID, cfg.Wallet.ChainID)
			default:
				fmt.Fprintf(out, "- rpc: chainId %s OK\n", chainID)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
