package chain

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/devblac/wrapper-sync/internal/logging"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultFetchWorkers = 4
	liveBuffer          = 64
)

// Fetcher turns contract logs into one ordered Stream: a bracketed
// historical segment followed by an unbounded live tail.
type Fetcher struct {
	transport Transport
	workers   int
	log       *slog.Logger
}

// NewFetcher builds a fetcher; workers bounds concurrent past-log requests.
func NewFetcher(transport Transport, workers int, log *slog.Logger) *Fetcher {
	if workers <= 0 {
		workers = defaultFetchWorkers
	}
	return &Fetcher{transport: transport, workers: workers, log: logging.OrDefault(log)}
}

// Stream delivers events in order until closed or until the transport fails.
type Stream struct {
	c      chan Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// C is closed when the stream ends.
func (s *Stream) C() <-chan Event { return s.c }

// Done is closed once the stream goroutines have exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal transport error, or nil if the stream was closed. Valid after Done.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close cancels in-flight fetches and live subscriptions and waits for them to exit.
// Nothing is delivered on C after Close returns.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Fetch starts streaming events for contracts: SYNCING{from,to}, every past
// event in [from, to] in (block, logIndex) order, SYNCED, then live events
// from max(from, to+1) in arrival order. from > to yields an empty bracket.
func (f *Fetcher) Fetch(ctx context.Context, contracts []ContractHandle, from, to uint64) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		c:      make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer close(s.c)
		defer cancel()
		if err := f.run(ctx, s.c, contracts, from, to); err != nil && ctx.Err() == nil {
			s.err = err
		}
	}()
	return s
}

func (f *Fetcher) run(ctx context.Context, out chan<- Event, contracts []ContractHandle, from, to uint64) error {
	if !send(ctx, out, SyncingEvent(from, to)) {
		return nil
	}

	var past []Event
	if from <= to {
		var err error
		past, err = f.pastEvents(ctx, contracts, from, to)
		if err != nil {
			return err
		}
	}
	for _, ev := range past {
		if !send(ctx, out, ev) {
			return nil
		}
	}
	if !send(ctx, out, SyncedEvent()) {
		return nil
	}

	return f.live(ctx, out, contracts, max(from, to+1))
}

// pastEvents fetches every contract concurrently and merges the results by position.
func (f *Fetcher) pastEvents(ctx context.Context, contracts []ContractHandle, from, to uint64) ([]Event, error) {
	p := pool.NewWithResults[[]Event]().
		WithMaxGoroutines(f.workers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for _, c := range contracts {
		c := c
		p.Go(func(ctx context.Context) ([]Event, error) {
			logs, err := f.transport.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{c.Address},
			})
			if err != nil {
				return nil, &TransportError{Op: "filter logs", Contract: c.Address, Err: err}
			}
			return f.decodeAll(c, logs), nil
		})
	}

	batches, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, b := range batches {
		events = append(events, b...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func (f *Fetcher) decodeAll(c ContractHandle, logs []types.Log) []Event {
	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := c.Decode(lg)
		if err != nil {
			f.log.Warn("skip undecodable log", "contract", c.Address.Hex(), "block", lg.BlockNumber, "error", err)
			continue
		}
		if !ok {
			f.log.Debug("skip unknown log", "contract", c.Address.Hex(), "block", lg.BlockNumber)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// live merges one follower per contract; it returns when ctx ends or a follower fails.
func (f *Fetcher) live(ctx context.Context, out chan<- Event, contracts []ContractHandle, from uint64) error {
	if len(contracts) == 0 {
		<-ctx.Done()
		return nil
	}
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, c := range contracts {
		c := c
		p.Go(func(ctx context.Context) error {
			return f.follow(ctx, out, c, from)
		})
	}
	return p.Wait()
}

// follow subscribes first, then backfills [from, head] so no log between the
// safe head and the subscription start is lost. Subscription logs at or below
// the backfilled head are dropped as duplicates.
func (f *Fetcher) follow(ctx context.Context, out chan<- Event, c ContractHandle, from uint64) error {
	logs := make(chan types.Log, liveBuffer)
	sub, err := f.transport.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{c.Address},
	}, logs)
	if err != nil {
		return &TransportError{Op: "subscribe logs", Contract: c.Address, Err: err}
	}
	defer sub.Unsubscribe()

	head, err := f.transport.BlockNumber(ctx)
	if err != nil {
		return &TransportError{Op: "block number", Err: err}
	}
	backfilled := false
	if head >= from {
		past, err := f.transport.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{c.Address},
		})
		if err != nil {
			return &TransportError{Op: "filter logs", Contract: c.Address, Err: err}
		}
		for _, ev := range f.decodeAll(c, past) {
			if !send(ctx, out, ev) {
				return nil
			}
		}
		backfilled = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return nil
			}
			return &TransportError{Op: "live logs", Contract: c.Address, Err: err}
		case lg := <-logs:
			if backfilled && lg.BlockNumber <= head {
				continue
			}
			if lg.Removed {
				// already folded; a reorg inside the live tail is not undone
				f.log.Warn("live log removed by reorg", "contract", c.Address.Hex(), "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "index", lg.Index)
				continue
			}
			for _, ev := range f.decodeAll(c, []types.Log{lg}) {
				if !send(ctx, out, ev) {
					return nil
				}
			}
		}
	}
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
