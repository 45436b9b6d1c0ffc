// Package contract turns a contract ABI into a table of lazily invoked
// methods. Constant functions become direct read calls; every other
// function becomes an intent that is resolved into a transaction path and
// handed to the org runtime for execution.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/devblac/wrapper-sync/internal/chain"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownMethod is returned for names the ABI does not declare.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrNoRuntime is returned when an intent is invoked without an org runtime.
	ErrNoRuntime = errors.New("no org runtime")
)

// Kind tags a binding as a read call or a transaction intent.
type Kind int

const (
	KindCall Kind = iota
	KindIntent
)

func (k Kind) String() string {
	if k == KindCall {
		return "call"
	}
	return "intent"
}

// Producer is a lazy, cancellable single-value computation. Nothing happens until it runs.
type Producer[T any] func(ctx context.Context) (T, error)

// Run executes the producer.
func (p Producer[T]) Run(ctx context.Context) (T, error) { return p(ctx) }

func failed[T any](err error) Producer[T] {
	return func(context.Context) (T, error) {
		var zero T
		return zero, err
	}
}

// CallOpts, when passed as the last argument of a call, is stripped from
// the positional arguments and used for the call itself.
type CallOpts struct {
	From        common.Address
	BlockNumber *big.Int
}

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Binding is one ABI function bound to an address.
type Binding struct {
	Name   string
	Kind   Kind
	Method abi.Method
	bind   func(args []any) Producer[[]any]
}

// Bind captures args and returns the producer for this invocation.
func (b Binding) Bind(args ...any) Producer[[]any] {
	return b.bind(append([]any(nil), args...))
}

// MethodTable maps ABI function names to bindings. It is immutable once built.
type MethodTable struct {
	abi      *abi.ABI
	address  common.Address
	caller   Caller
	runtime  Runtime
	external bool
	bindings map[string]Binding
}

// Bind builds the method table for a contract at address.
func Bind(a *abi.ABI, address common.Address, caller Caller, runtime Runtime) (*MethodTable, error) {
	return build(a, address, caller, runtime, false)
}

// External binds a contract outside the organization; its intents are flagged external.
func External(a *abi.ABI, address common.Address, caller Caller, runtime Runtime) (*MethodTable, error) {
	return build(a, address, caller, runtime, true)
}

func build(a *abi.ABI, address common.Address, caller Caller, runtime Runtime, external bool) (*MethodTable, error) {
	if a == nil {
		return nil, errors.New("abi required")
	}
	if caller == nil {
		return nil, errors.New("caller required")
	}
	t := &MethodTable{
		abi:      a,
		address:  address,
		caller:   caller,
		runtime:  runtime,
		external: external,
		bindings: make(map[string]Binding, len(a.Methods)),
	}
	for name, m := range a.Methods {
		name, m := name, m
		b := Binding{Name: name, Method: m}
		if m.IsConstant() {
			b.Kind = KindCall
			b.bind = func(args []any) Producer[[]any] { return t.call(m, args) }
		} else {
			b.Kind = KindIntent
			b.bind = func(args []any) Producer[[]any] { return t.intent(m, args) }
		}
		t.bindings[name] = b
	}
	return t, nil
}

// Rebind builds a fresh table for a new address; nothing is shared with t.
func (t *MethodTable) Rebind(address common.Address) (*MethodTable, error) {
	return build(t.abi, address, t.caller, t.runtime, t.external)
}

// Address returns the contract address the table is bound to.
func (t *MethodTable) Address() common.Address { return t.address }

// ABI returns the ABI the table was built from.
func (t *MethodTable) ABI() *abi.ABI { return t.abi }

// Len returns the number of bound functions.
func (t *MethodTable) Len() int { return len(t.bindings) }

// Names returns the bound function names, sorted.
func (t *MethodTable) Names() []string {
	names := make([]string, 0, len(t.bindings))
	for n := range t.bindings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the binding for name.
func (t *MethodTable) Lookup(name string) (Binding, bool) {
	b, ok := t.bindings[name]
	return b, ok
}

// Invoke returns the producer for name(args...). Unknown names yield a
// producer that fails with ErrUnknownMethod.
func (t *MethodTable) Invoke(name string, args ...any) Producer[[]any] {
	b, ok := t.bindings[name]
	if !ok {
		return failed[[]any](fmt.Errorf("%w: %s", ErrUnknownMethod, name))
	}
	return b.Bind(args...)
}

// Call invokes name and runs it immediately.
func (t *MethodTable) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	return t.Invoke(name, args...).Run(ctx)
}

func (t *MethodTable) call(m abi.Method, args []any) Producer[[]any] {
	opts, args := splitCallOpts(args)
	return func(ctx context.Context) ([]any, error) {
		data, err := t.abi.Pack(m.Name, args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", m.Name, err)
		}
		to := t.address
		msg := ethereum.CallMsg{To: &to, Data: data}
		var block *big.Int
		if opts != nil {
			msg.From = opts.From
			block = opts.BlockNumber
		}
		out, err := t.caller.CallContract(ctx, msg, block)
		if err != nil {
			return nil, &chain.TransportError{Op: "call " + m.Name, Contract: t.address, Err: err}
		}
		res, err := t.abi.Unpack(m.Name, out)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", m.Name, err)
		}
		return res, nil
	}
}

func (t *MethodTable) intent(m abi.Method, args []any) Producer[[]any] {
	return func(ctx context.Context) ([]any, error) {
		if t.runtime == nil {
			return nil, ErrNoRuntime
		}
		path, err := t.runtime.GetTransactionPath(ctx, PathRequest{
			To:       t.address,
			Method:   m,
			Args:     args,
			External: t.external,
		})
		if err != nil {
			return nil, fmt.Errorf("transaction path %s: %w", m.Name, err)
		}
		receipt, err := t.runtime.PerformTransactionPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("perform %s: %w", m.Name, err)
		}
		return []any{receipt}, nil
	}
}

func splitCallOpts(args []any) (*CallOpts, []any) {
	if len(args) == 0 {
		return nil, args
	}
	switch last := args[len(args)-1].(type) {
	case CallOpts:
		return &last, args[:len(args)-1]
	case *CallOpts:
		if last == nil {
			return nil, args[:len(args)-1]
		}
		return last, args[:len(args)-1]
	default:
		return nil, args
	}
}
