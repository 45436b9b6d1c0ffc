package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Transport captures the subset of ethclient used for calls, log replay, and live logs.
type Transport interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies Transport.
// When a limiter is set, every request waits for a token first.
type RPCClient struct {
	client  *ethclient.Client
	limiter *rate.Limiter
}

var _ Transport = (*RPCClient)(nil)

// NewRPCClient builds an RPC client to an EVM node. rps <= 0 disables rate limiting.
// Live subscriptions need a websocket or IPC endpoint.
func NewRPCClient(ctx context.Context, rpcURL string, rps float64, burst int) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RPCClient{client: c, limiter: limiter}, nil
}

func (c *RPCClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.CallContract(ctx, msg, blockNumber)
}

func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.FilterLogs(ctx, q)
}

func (c *RPCClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.SubscribeFilterLogs(ctx, q, ch)
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.client.BlockNumber(ctx)
}

// ChainID returns the chain id reported by the node.
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.ChainID(ctx)
}

// Eth exposes the underlying client for signing and sending transactions.
func (c *RPCClient) Eth() *ethclient.Client { return c.client }

func (c *RPCClient) Close() { c.client.Close() }
