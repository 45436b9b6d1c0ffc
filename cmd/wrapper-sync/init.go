package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

const sampleConfig = `version: 1

global:
  db_path: wrapper-sync.db
  block_reorg_margin: 100
  initialization_block: 0
  network:
    id: 4
    type: rinkeby
  cache:
    backend: sqlite # sqlite | redis | memory
    codec: json     # json | cbor
  log_level: info

chain:
  rpc_url: ${RPC_URL} # websocket endpoint for live logs
  rps: 10
  burst: 20
  fetch_workers: 4

# wallet:
#   private_key: <reference WALLET_KEY from .env>
#   chain_id: 4
#   forwarder: "0x..."

apps:
  - name: Forum
    proxy_address: "0x0000000000000000000000000000000000000000"

# ipfs:
#   provider: pinata # pinata | infura | temporal
#   key: <reference IPFS_KEY from .env>
#   secret: <reference IPFS_SECRET from .env>
`

const sampleEnv = `RPC_URL=wss://rinkeby.example/ws
# WALLET_KEY=
# IPFS_KEY=
# IPFS_SECRET=
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config.yaml and .env",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Dir(cfgPath)
		files := []struct {
			path, body string
		}{
			{cfgPath, sampleConfig},
			{filepath.Join(dir, ".env"), sampleEnv},
		}
		for _, f := range files {
			if _, err := os.Stat(f.path); err == nil && !flagInitForce {
				fmt.Fprintf(cmd.OutOrStdout(), "skip %s (exists)\n", f.path)
				continue
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(f.path, []byte(f.body), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", f.path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f.path)
		}
		return nil
	},
}
