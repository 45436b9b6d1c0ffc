package health

import (
	"context"
	"fmt"
	"sort"
)

// BlockReader is the part of a chain transport the RPC check needs.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker pings every named endpoint by asking for the head block.
type RPCChecker struct {
	clients map[string]BlockReader
}

func NewRPCChecker(clients map[string]BlockReader) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping reports the first failing endpoint in name order.
func (c *RPCChecker) Ping(ctx context.Context) error {
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.clients[name].BlockNumber(ctx); err != nil {
			return fmt.Errorf("rpc %s: %w", name, err)
		}
	}
	return nil
}
