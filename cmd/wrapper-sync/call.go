package main

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var flagCallSend bool

func init() {
	callCmd.Flags().BoolVar(&flagCallSend, "send", false, "Allow non-constant methods (signs with the configured wallet)")
}

var callCmd = &cobra.Command{
	Use:   "call <app> <method> [args...]",
	Short: "Call a bound contract method of an app",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		app, addr, err := lookupApp(cfg, args[0])
		if err != nil {
			return err
		}
		a, err := appABI(cfg, app)
		if err != nil {
			return err
		}

		rpc, err := dialChain(ctx, cfg)
		if err != nil {
			return err
		}
		defer rpc.Close()
		rt, err := buildRuntime(cfg, rpc, log)
		if err != nil {
			return err
		}

		methods, err := contract.Bind(a, addr, rpc, rt)
		if err != nil {
			return err
		}
		b, ok := methods.Lookup(args[1])
		if !ok {
			return fmt.Errorf("%s has no method %q (have %s)", app.Name, args[1], strings.Join(methods.Names(), ", "))
		}
		if b.Kind == contract.KindIntent && !flagCallSend {
			return fmt.Errorf("%s is not constant; pass --send to submit a transaction", b.Name)
		}

		values, err := parseArgs(b.Method.Inputs, args[2:])
		if err != nil {
			return err
		}
		out, err := b.Bind(values...).Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

// parseArgs converts command-line strings into the Go types abi packing expects.
func parseArgs(inputs abi.Arguments, raw []string) ([]any, error) {
	if len(raw) != len(inputs) {
		return nil, fmt.Errorf("expected %d argument(s), got %d", len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, in := range inputs {
		v, err := parseArg(in.Type, raw[i])
		if err != nil {
			name := in.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", name, in.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.StringTy:
		return s, nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(strings.ReplaceAll(s, "_", ""), 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		if t.Size > 64 {
			return n, nil
		}
		// small sizes pack from the exact Go kind
		rv := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			if n.Sign() < 0 || !n.IsUint64() || rv.OverflowUint(n.Uint64()) {
				return nil, fmt.Errorf("%s out of range", s)
			}
			rv.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || rv.OverflowInt(n.Int64()) {
				return nil, fmt.Errorf("%s out of range", s)
			}
			rv.SetInt(n.Int64())
		}
		return rv.Interface(), nil
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("want at most %d bytes, got %d", t.Size, len(b))
		}
		rv := reflect.New(t.GetType()).Elem()
		reflect.Copy(rv, reflect.ValueOf(b))
		return rv.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}
