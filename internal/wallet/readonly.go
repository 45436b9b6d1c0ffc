package wallet

import (
	"context"
	"errors"

	"github.com/devblac/wrapper-sync/internal/contract"
)

// ErrReadOnly is returned by ReadOnly for every intent.
var ErrReadOnly = errors.New("runtime is read-only: no wallet configured")

// ReadOnly is the runtime used when no signing key is configured. Calls and
// syncing work; intents fail.
type ReadOnly struct{}

var _ contract.Runtime = ReadOnly{}

func (ReadOnly) GetTransactionPath(context.Context, contract.PathRequest) (contract.Path, error) {
	return nil, ErrReadOnly
}

func (ReadOnly) PerformTransactionPath(context.Context, contract.Path) (contract.Receipt, error) {
	return contract.Receipt{}, ErrReadOnly
}
