// Package chaintest provides an in-memory chain.Transport for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transport serves logs from memory and lets tests push live logs.
type Transport struct {
	mu sync.Mutex

	head      uint64
	logs      []types.Log
	filterErr error
	subs      map[*subscription]struct{}

	// CallFn answers CallContract; nil returns an error.
	CallFn func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)

	filterCalls []ethereum.FilterQuery
}

func New(head uint64, logs ...types.Log) *Transport {
	return &Transport{head: head, logs: logs, subs: map[*subscription]struct{}{}}
}

func (t *Transport) SetHead(head uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = head
}

// AddLogs appends historical logs.
func (t *Transport) AddLogs(logs ...types.Log) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, logs...)
}

// FailFilter makes every FilterLogs call return err until reset with nil.
func (t *Transport) FailFilter(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filterErr = err
}

// FilterCalls returns the queries seen so far.
func (t *Transport) FilterCalls() []ethereum.FilterQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), t.filterCalls...)
}

// Subscribers reports the number of live subscriptions.
func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if t.CallFn == nil {
		return nil, errors.New("no call handler")
	}
	return t.CallFn(msg, block)
}

func (t *Transport) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filterCalls = append(t.filterCalls, q)
	if t.filterErr != nil {
		return nil, t.filterErr
	}
	var out []types.Log
	for _, lg := range t.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchAddress(q.Addresses, lg.Address) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (t *Transport) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	s := &subscription{t: t, ch: ch, addrs: q.Addresses, errc: make(chan error, 1), quit: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[s] = struct{}{}
	return s, nil
}

func (t *Transport) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head, nil
}

// Emit delivers lg to every live subscription watching its address.
func (t *Transport) Emit(lg types.Log) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		if matchAddress(s.addrs, lg.Address) {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- lg:
		case <-s.quit:
		}
	}
}

// FailSubscriptions terminates every live subscription with err.
func (t *Transport) FailSubscriptions(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		select {
		case s.errc <- err:
		default:
		}
	}
}

type subscription struct {
	t     *Transport
	ch    chan<- types.Log
	addrs []common.Address
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		close(s.quit)
	})
}

func (s *subscription) Err() <-chan error { return s.errc }

func matchAddress(addrs []common.Address, a common.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

// MakeLog encodes event with args the way a node would return it. It panics on bad input.
func MakeLog(a *abi.ABI, address common.Address, block uint64, index uint, event string, args map[string]any) types.Log {
	ev, ok := a.Events[event]
	if !ok {
		panic(fmt.Sprintf("unknown event %s", event))
	}
	topics := []common.Hash{ev.ID}
	var nonIndexed abi.Arguments
	var values []any
	for _, in := range ev.Inputs {
		v, ok := args[in.Name]
		if !ok {
			panic(fmt.Sprintf("missing arg %s", in.Name))
		}
		if in.Indexed {
			hashes, err := abi.MakeTopics([]any{v})
			if err != nil {
				panic(err)
			}
			topics = append(topics, hashes[0][0])
			continue
		}
		nonIndexed = append(nonIndexed, in)
		values = append(values, v)
	}
	data, err := nonIndexed.Pack(values...)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     address,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
	}
}
