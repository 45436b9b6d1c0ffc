package main

import (
	"encoding/json"
	"fmt"

	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/spf13/cobra"
)

var (
	flagEventsFrom  uint64
	flagEventsTo    uint64
	flagEventsWhere []string
)

func init() {
	eventsCmd.Flags().Uint64Var(&flagEventsFrom, "from", 0, "First block (default: initialization_block)")
	eventsCmd.Flags().Uint64Var(&flagEventsTo, "to", 0, "Last block (default: head minus the reorg margin)")
	eventsCmd.Flags().StringArrayVar(&flagEventsWhere, "where", nil, `Filter, repeatable (e.g. "event == UpdateThread")`)
}

var eventsCmd = &cobra.Command{
	Use:   "events <app>",
	Short: "Print decoded historical events of an app as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		keep, err := chain.CompileWhere(flagEventsWhere)
		if err != nil {
			return err
		}
		app, addr, err := lookupApp(cfg, args[0])
		if err != nil {
			return err
		}
		a, err := appABI(cfg, app)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rpc, err := dialChain(ctx, cfg)
		if err != nil {
			return err
		}
		defer rpc.Close()

		from := flagEventsFrom
		if !cmd.Flags().Changed("from") {
			from = cfg.Global.InitializationBlock
		}
		to := flagEventsTo
		if !cmd.Flags().Changed("to") {
			head, err := rpc.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("head block: %w", err)
			}
			if head > cfg.ReorgMargin() {
				to = head - cfg.ReorgMargin()
			}
		}
		if to < from {
			return fmt.Errorf("empty range: from %d > to %d", from, to)
		}

		// the stream tails live logs after the synced marker; stop there
		stream := chain.NewFetcher(rpc, cfg.Chain.FetchWorkers, log).Fetch(ctx, []chain.ContractHandle{
			{Name: app.Name, Address: addr, ABI: a},
		}, from, to)
		defer stream.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-stream.C():
				if !ok {
					return stream.Err()
				}
				if ev.Event == chain.SyncStatusSynced {
					return nil
				}
				if ev.IsMarker() || !keep(ev) {
					continue
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		}
	},
}
