package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagExportOut string

func init() {
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump cached checkpoints and states as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cc, err := openCache(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer cc.Store().Close()

		snaps, err := readSnapshots(ctx, cfg, cc)
		if err != nil {
			return err
		}

		if flagExportOut == "" {
			return printJSON(cmd.OutOrStdout(), snaps)
		}
		f, err := os.Create(flagExportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", flagExportOut, err)
		}
		defer f.Close()
		if err := printJSON(f, snaps); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d app(s) to %s\n", len(snaps), flagExportOut)
		return f.Close()
	},
}
