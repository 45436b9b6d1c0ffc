// Package engine runs the per-app synchronization loop: restore a checkpoint,
// replay historical logs up to the reorg-safe head, persist the synced
// state, then keep folding live events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/feed"
	"github.com/devblac/wrapper-sync/internal/logging"
	"github.com/devblac/wrapper-sync/internal/metrics"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultReorgMargin is how many blocks behind the head the historical segment stops.
const DefaultReorgMargin = 100

var (
	// ErrNotRunning is returned by EmitTrigger when no fold loop is active.
	ErrNotRunning = errors.New("engine not running")
	// ErrAlreadyRunning is returned when Run is called twice concurrently.
	ErrAlreadyRunning = errors.New("engine already running")
)

// Status is the lifecycle position of one app's sync.
type Status int

const (
	Unresolved Status = iota
	Initializing
	Replaying
	Live
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Replaying:
		return "replaying"
	case Live:
		return "live"
	default:
		return "unresolved"
	}
}

// Transition is passed to OnTransition callbacks.
type Transition struct {
	App  string
	From Status
	To   Status
}

// ReducerError reports an event the reducer rejected. The event is skipped.
type ReducerError struct {
	App   string
	Event string
	Block uint64
	Err   error
}

func (e *ReducerError) Error() string {
	return fmt.Sprintf("reduce %s %s at block %d: %v", e.App, e.Event, e.Block, e.Err)
}

func (e *ReducerError) Unwrap() error { return e.Err }

// Options configure one engine.
type Options struct {
	Name    string
	Address common.Address
	ABI     *abi.ABI

	Transport chain.Transport
	Runtime   contract.Runtime
	Cache     *cache.Client
	Settings  reducer.Settings

	// ReorgMargin is subtracted from the latest block to get the end of the replay.
	ReorgMargin uint64
	// InitializationBlock is where replay starts without a checkpoint.
	InitializationBlock uint64
	// FetchWorkers bounds concurrent past-log requests.
	FetchWorkers int

	// InstalledApps reports the organization's apps to reducers.
	InstalledApps func(ctx context.Context) ([]org.Info, error)

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type trigger struct {
	event  chain.Event
	result chan error
}

// Engine owns the state of a single app. Only the fold loop writes it.
type Engine[S any] struct {
	opts    Options
	reducer reducer.Reducer[S]
	fetcher *chain.Fetcher
	methods *contract.MethodTable
	api     *appAPI
	log     *slog.Logger
	changes *feed.Feed[S]

	mu          sync.RWMutex
	state       S
	status      Status
	running     bool
	listeners   []func(Transition)
	triggers    chan trigger
	loopStopped chan struct{}
}

// New binds the app ABI at opts.Address and prepares an engine. Nothing is fetched until Run.
func New[S any](r reducer.Reducer[S], opts Options) (*Engine[S], error) {
	if r == nil {
		return nil, errors.New("reducer required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache required")
	}
	if opts.Name == "" {
		opts.Name = opts.Address.Hex()
	}
	log := logging.OrDefault(opts.Log).With("app", opts.Name, "address", opts.Address.Hex())

	methods, err := contract.Bind(opts.ABI, opts.Address, opts.Transport, opts.Runtime)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", opts.Name, err)
	}
	e := &Engine[S]{
		opts:    opts,
		reducer: r,
		fetcher: chain.NewFetcher(opts.Transport, opts.FetchWorkers, log),
		methods: methods,
		log:     log,
		changes: feed.New[S](),
		state:   r.InitialState(),
	}
	e.api = &appAPI{
		address:   opts.Address,
		methods:   methods,
		transport: opts.Transport,
		runtime:   opts.Runtime,
		cache:     opts.Cache,
		installed: opts.InstalledApps,
	}
	return e, nil
}

// Name is the app name the engine was registered under.
func (e *Engine[S]) Name() string { return e.opts.Name }

// Address is the app proxy address.
func (e *Engine[S]) Address() common.Address { return e.opts.Address }

// Methods returns the bound method table.
func (e *Engine[S]) Methods() *contract.MethodTable { return e.methods }

// API returns the app API handed to the reducer.
func (e *Engine[S]) API() reducer.API { return e.api }

// State returns the current state.
func (e *Engine[S]) State() S {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine[S]) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Subscribe receives every state the engine publishes. The latest value wins for slow readers.
func (e *Engine[S]) Subscribe() *feed.Subscription[S] {
	return e.changes.SubscribeKeepLast()
}

// OnTransition registers fn for every status change. fn runs on the fold
// goroutine and must not block.
func (e *Engine[S]) OnTransition(fn func(Transition)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine[S]) setStatus(s Status) {
	e.mu.Lock()
	prev := e.status
	e.status = s
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	if prev == s {
		return
	}
	e.log.Debug("status", "from", prev.String(), "to", s.String())
	if s == Live {
		e.opts.Metrics.AppLive(true)
	} else if prev == Live {
		e.opts.Metrics.AppLive(false)
	}
	t := Transition{App: e.opts.Name, From: prev, To: s}
	for _, fn := range listeners {
		fn(t)
	}
}

func (e *Engine[S]) setState(s S) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.changes.Send(s)
}

// Reset returns the engine to its initial state and Unresolved. It must not
// be called while Run is active.
func (e *Engine[S]) Reset() {
	e.setState(e.reducer.InitialState())
	e.setStatus(Unresolved)
}

// Close ends every subscription.
func (e *Engine[S]) Close() { e.changes.Close() }

// Run syncs until ctx is cancelled or the event stream fails. A failed
// historical fetch leaves the state syncing and the checkpoint untouched.
// Cancellation returns nil.
func (e *Engine[S]) Run(ctx context.Context) error {
	triggers, stopped, err := e.start()
	if err != nil {
		return err
	}
	defer e.stop(stopped)

	e.setStatus(Initializing)

	state, from, prevBlock := e.restore(ctx)
	e.setState(state)

	latest, err := e.opts.Transport.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.opts.Metrics.TransportError()
		return &chain.TransportError{Op: "block number", Err: err}
	}
	to := safeHead(latest, e.opts.ReorgMargin)

	e.setStatus(Replaying)
	e.log.Info("replaying", "from", from, "to", to, "latest", latest)

	stream := e.fetcher.Fetch(ctx, []chain.ContractHandle{{
		Name:    e.opts.Name,
		Address: e.opts.Address,
		ABI:     e.opts.ABI,
	}}, from, to)
	defer stream.Close()

	writer := newStateWriter(e.opts.Cache, cache.Key(e.opts.Address.Hex(), cache.StateKey), e.log)
	go writer.run(ctx)
	defer writer.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := stream.Err()
				if err != nil {
					e.opts.Metrics.TransportError()
					e.log.Error("event stream failed", "error", err)
				}
				return err
			}
			_ = e.fold(ctx, ev, writer)
			if ev.Event == chain.SyncStatusSynced {
				block := max(to, prevBlock)
				if err := e.checkpoint(ctx, block); err != nil {
					e.log.Warn("checkpoint write failed", "block", block, "error", err)
				} else {
					prevBlock = block
				}
				e.setStatus(Live)
			}
		case tr := <-triggers:
			if err := e.fold(ctx, tr.event, writer); err != nil {
				tr.result <- err
				continue
			}
			tr.result <- e.refreshCheckpoint(ctx)
		}
	}
}

func (e *Engine[S]) start() (chan trigger, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, nil, ErrAlreadyRunning
	}
	e.running = true
	e.triggers = make(chan trigger)
	e.loopStopped = make(chan struct{})
	return e.triggers, e.loopStopped, nil
}

func (e *Engine[S]) stop(stopped chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	close(stopped)
}

// restore loads the checkpoint; a missing or unreadable one starts from
// InitializationBlock with the initial (or initialized) state.
func (e *Engine[S]) restore(ctx context.Context) (S, uint64, uint64) {
	cp, ok, err := cache.LoadCheckpoint[S](ctx, e.opts.Cache, e.opts.Address.Hex())
	if err != nil {
		e.log.Warn("ignoring unreadable checkpoint", "error", err)
	}
	if ok {
		e.log.Info("restored checkpoint", "block", cp.Block)
		return cp.State, cp.Block + 1, cp.Block
	}

	state := e.reducer.InitialState()
	if init, ok := e.reducer.(reducer.Initializer[S]); ok {
		next, err := init.Init(ctx, e.api, state, e.opts.Settings)
		if err != nil {
			e.log.Warn("state initializer failed", "error", err)
		} else {
			state = next
		}
	}
	return state, e.opts.InitializationBlock, 0
}

// fold applies one event. A failing reducer leaves the state unchanged.
func (e *Engine[S]) fold(ctx context.Context, ev chain.Event, w *stateWriter) error {
	next, err := e.reduce(ctx, e.State(), ev)
	if err != nil {
		e.opts.Metrics.FoldError(e.opts.Name)
		e.log.Warn("skipping event", "event", ev.Event, "block", ev.BlockNumber, "error", err)
		return err
	}
	e.opts.Metrics.EventFolded(e.opts.Name)
	e.setState(next)
	w.queue(next)
	return nil
}

func (e *Engine[S]) reduce(ctx context.Context, state S, ev chain.Event) (next S, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = state
			err = &ReducerError{App: e.opts.Name, Event: ev.Event, Block: ev.BlockNumber, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	next, err = e.reducer.Reduce(ctx, e.api, reducer.Input[S]{
		State:    state,
		Event:    ev,
		Settings: e.opts.Settings,
	})
	if err != nil {
		return state, &ReducerError{App: e.opts.Name, Event: ev.Event, Block: ev.BlockNumber, Err: err}
	}
	return next, nil
}

func (e *Engine[S]) checkpoint(ctx context.Context, block uint64) error {
	err := cache.SaveCheckpoint(ctx, e.opts.Cache, e.opts.Address.Hex(), cache.Checkpoint[S]{
		Block: block,
		State: e.State(),
	})
	if err != nil {
		return err
	}
	e.opts.Metrics.CheckpointWritten(e.opts.Name)
	e.log.Info("checkpoint saved", "block", block)
	return nil
}

// refreshCheckpoint stores the current state under the block of the existing checkpoint, or 0.
func (e *Engine[S]) refreshCheckpoint(ctx context.Context) error {
	cp, _, err := cache.LoadCheckpoint[S](ctx, e.opts.Cache, e.opts.Address.Hex())
	if err != nil {
		e.log.Warn("ignoring unreadable checkpoint", "error", err)
	}
	return e.checkpoint(ctx, cp.Block)
}

// EmitTrigger folds a synthetic event through the running loop, then re-saves
// the checkpoint with the new state. It waits for both to finish.
func (e *Engine[S]) EmitTrigger(ctx context.Context, event string, returnValues map[string]any) error {
	e.mu.RLock()
	triggers, stopped, running := e.triggers, e.loopStopped, e.running
	e.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	tr := trigger{
		event:  chain.Event{Event: event, ReturnValues: returnValues, Address: e.opts.Address},
		result: make(chan error, 1),
	}
	select {
	case triggers <- tr:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-tr.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func safeHead(latest, margin uint64) uint64 {
	if latest <= margin {
		return 0
	}
	return latest - margin
}
