package contract

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PathRequest asks the org runtime how to execute Method(Args) on To.
type PathRequest struct {
	To       common.Address
	Method   abi.Method
	Args     []any
	External bool
}

// Step is one transaction of a path. A path with more than one step routes
// the final call through forwarders.
type Step struct {
	From        common.Address
	To          common.Address
	Data        []byte
	Description string
}

// Path is the ordered list of steps; only the first is submitted by the sender.
type Path []Step

// Receipt reports the outcome of a performed path.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
}

// Runtime is the wallet/org side that resolves and submits intents.
type Runtime interface {
	GetTransactionPath(ctx context.Context, req PathRequest) (Path, error)
	PerformTransactionPath(ctx context.Context, path Path) (Receipt, error)
}
