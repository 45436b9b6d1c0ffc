// Package wallet is the org runtime that turns intents into signed
// transactions. A path is either a direct call from the configured account
// or a call routed through an Aragon forwarder as an EVM script.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/logging"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const defaultReceiptPoll = 2 * time.Second

var (
	// ErrEmptyPath is returned when asked to perform a path with no steps.
	ErrEmptyPath = errors.New("empty transaction path")
	// ErrReverted is returned with the receipt of a mined but failed transaction.
	ErrReverted = errors.New("transaction reverted")
)

// Backend is the subset of ethclient.Client the runtime submits through.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config configures a Runtime.
type Config struct {
	// PrivateKey is the hex-encoded signing key, with or without 0x.
	PrivateKey string
	ChainID    *big.Int
	// Forwarder, when set, routes every non-external intent through it.
	Forwarder   common.Address
	ReceiptPoll time.Duration
	Log         *slog.Logger
}

// Runtime implements contract.Runtime with a local key.
type Runtime struct {
	backend   Backend
	key       *ecdsa.PrivateKey
	from      common.Address
	signer    types.Signer
	forwarder common.Address
	poll      time.Duration
	log       *slog.Logger
}

var _ contract.Runtime = (*Runtime)(nil)

func NewRuntime(backend Backend, cfg Config) (*Runtime, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = defaultReceiptPoll
	}
	return &Runtime{
		backend:   backend,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		forwarder: cfg.Forwarder,
		poll:      poll,
		log:       logging.OrDefault(cfg.Log),
	}, nil
}

// Address is the account transactions are sent from.
func (r *Runtime) Address() common.Address { return r.from }

// GetTransactionPath encodes the call and decides whether it goes direct or via the forwarder.
func (r *Runtime) GetTransactionPath(_ context.Context, req contract.PathRequest) (contract.Path, error) {
	packed, err := req.Method.Inputs.Pack(req.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", req.Method.Name, err)
	}
	data := append(append([]byte(nil), req.Method.ID...), packed...)
	call := contract.Step{
		From:        r.from,
		To:          req.To,
		Data:        data,
		Description: describe(req.Method, req.Args),
	}
	if req.External || r.forwarder == (common.Address{}) {
		return contract.Path{call}, nil
	}

	fwd, err := forwardCall(EncodeCallsScript(call))
	if err != nil {
		return nil, err
	}
	call.From = r.forwarder
	return contract.Path{
		{From: r.from, To: r.forwarder, Data: fwd, Description: "forward " + call.Description},
		call,
	}, nil
}

// PerformTransactionPath signs and sends the first step, then waits for it to be mined.
func (r *Runtime) PerformTransactionPath(ctx context.Context, path contract.Path) (contract.Receipt, error) {
	if len(path) == 0 {
		return contract.Receipt{}, ErrEmptyPath
	}
	step := path[0]

	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("gas price: %w", err)
	}
	to := step.To
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &to, Data: step.Data})
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, step.Data)
	signed, err := types.SignTx(tx, r.signer, r.key)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("sign: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return contract.Receipt{}, fmt.Errorf("send: %w", err)
	}
	r.log.Info("transaction sent", "tx", signed.Hash().Hex(), "to", to.Hex(), "step", step.Description)

	return r.waitMined(ctx, signed.Hash())
}

func (r *Runtime) waitMined(ctx context.Context, hash common.Hash) (contract.Receipt, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		rc, err := r.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rc != nil:
			out := contract.Receipt{TxHash: hash, Status: rc.Status}
			if rc.BlockNumber != nil {
				out.BlockNumber = rc.BlockNumber.Uint64()
			}
			if rc.Status != types.ReceiptStatusSuccessful {
				return out, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return contract.Receipt{TxHash: hash}, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return contract.Receipt{TxHash: hash}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func describe(m abi.Method, args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return m.Name + "(" + strings.Join(parts, ", ") + ")"
}
