package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/config"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the cached checkpoint of every configured app",
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

		renderSnapshots(cmd.OutOrStdout(), snaps)
		return nil
	},
}

func renderSnapshots(w io.Writer, snaps []snapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"App", "Address", "Checkpoint", "State"})
	for _, s := range snaps {
		block := "-"
		if s.Checkpoint != nil {
			block = fmt.Sprint(*s.Checkpoint)
		}
		table.Append([]string{s.App, s.Address, block, summarize(s.State)})
	}
	table.Render()
}

// snapshot is what the cache holds for one app.
type snapshot struct {
	App          string          `json:"app"`
	Address      string          `json:"address"`
	Checkpoint   *uint64         `json:"checkpointBlock,omitempty"`
	Checkpointed json.RawMessage `json:"checkpointState,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
}

func readSnapshots(ctx context.Context, cfg *config.Config, cc *cache.Client) ([]snapshot, error) {
	out := make([]snapshot, 0, len(cfg.Apps))
	for _, app := range cfg.Apps {
		_, addr, err := lookupApp(cfg, app.Name)
		if err != nil {
			return nil, err
		}
		s := snapshot{App: app.Name, Address: addr.Hex()}

		cp, ok, err := cache.LoadCheckpoint[any](ctx, cc, addr.Hex())
		if err != nil {
			return nil, fmt.Errorf("%s checkpoint: %w", app.Name, err)
		}
		if ok {
			block := cp.Block
			s.Checkpoint = &block
			if s.Checkpointed, err = toJSON(cp.State); err != nil {
				return nil, err
			}
		}

		var latest any
		found, err := cc.GetValue(ctx, cache.Key(addr.Hex(), cache.StateKey), &latest)
		if err != nil {
			return nil, fmt.Errorf("%s state: %w", app.Name, err)
		}
		if found {
			if s.State, err = toJSON(latest); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// toJSON re-encodes values decoded by either cache codec. CBOR maps decode
// with interface keys, which encoding/json rejects.
func toJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return v
	}
}

// summarize lists top-level fields, counting arrays: "isSyncing=false threads=3".
func summarize(state json.RawMessage) string {
	if len(state) == 0 {
		return "-"
	}
	var parts []string
	gjson.ParseBytes(state).ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.IsArray():
			parts = append(parts, fmt.Sprintf("%s=%d", key.String(), value.Get("#").Int()))
		case value.IsObject():
			parts = append(parts, key.String()+"={..}")
		default:
			parts = append(parts, key.String()+"="+value.String())
		}
		return true
	})
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
