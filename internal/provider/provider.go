// Package provider keeps one sync engine per registered app and exposes
// their state, method tables and sync flags to the rest of the program.
//
// Engines start once an app's proxy address is known from the installed
// apps and an org runtime is set. Clearing the runtime tears every engine
// down; setting a new one starts fresh engines.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/engine"
	"github.com/devblac/wrapper-sync/internal/feed"
	"github.com/devblac/wrapper-sync/internal/logging"
	"github.com/devblac/wrapper-sync/internal/metrics"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownApp is returned for names that were never registered.
	ErrUnknownApp = errors.New("unknown app")
	// ErrNotStarted is returned by EmitTrigger for apps without a running engine.
	ErrNotStarted = errors.New("app not started")
)

// Change is published whenever an app's state or status changes.
type Change struct {
	App    string
	Status engine.Status
	State  any
}

// Options are shared by every engine the provider starts.
type Options struct {
	Transport           chain.Transport
	Cache               *cache.Client
	Settings            reducer.Settings
	ReorgMargin         uint64
	InitializationBlock uint64
	FetchWorkers        int
	// ContentPath resolves app icons; nil drops them from InstalledApps.
	ContentPath org.ContentPathFunc
	Profiles    ProfileStore

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type slot struct {
	spec    AppSpec
	address common.Address
	status  engine.Status
	syncer  syncer
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Provider owns the engines. Its methods are safe for concurrent use.
type Provider struct {
	opts    Options
	log     *slog.Logger
	changes *feed.Feed[Change]

	mu        sync.Mutex
	ctx       context.Context
	stopAll   context.CancelFunc
	installed []org.App
	runtime   contract.Runtime
	slots     map[string]*slot
	order     []string
}

// New registers specs. Nothing runs until Start.
func New(specs []AppSpec, opts Options) (*Provider, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache required")
	}
	p := &Provider{
		opts:    opts,
		log:     logging.OrDefault(opts.Log),
		changes: feed.New[Change](),
		slots:   make(map[string]*slot, len(specs)),
	}
	for _, s := range specs {
		if s.Name == "" || s.build == nil {
			return nil, fmt.Errorf("app spec %q: use NewApp to register apps", s.Name)
		}
		if _, dup := p.slots[s.Name]; dup {
			return nil, fmt.Errorf("app %s registered twice", s.Name)
		}
		p.slots[s.Name] = &slot{spec: s}
		p.order = append(p.order, s.Name)
	}
	return p, nil
}

// Start lets engines run under ctx. Engines stop when ctx ends or on Close.
func (p *Provider) Start(ctx context.Context) {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.stopAll = context.WithCancel(ctx)
	p.mu.Unlock()
	p.reconcile()
}

// Close stops every engine and ends all subscriptions.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.stopAll != nil {
		p.stopAll()
	}
	stopped := p.detachAll()
	p.mu.Unlock()
	wait(stopped)
	p.changes.Close()
}

// SetInstalledApps replaces the installed apps when the new list is longer
// than the current one. Shorter lists are ignored.
func (p *Provider) SetInstalledApps(apps []org.App) {
	p.mu.Lock()
	if len(apps) <= len(p.installed) {
		p.mu.Unlock()
		return
	}
	p.installed = append([]org.App(nil), apps...)
	p.mu.Unlock()
	p.reconcile()
}

// SetRuntime sets the org runtime. Any change tears down running engines;
// nil also forgets resolved addresses and resets every app to its initial
// state.
func (p *Provider) SetRuntime(rt contract.Runtime) {
	p.mu.Lock()
	p.runtime = rt
	stopped := p.detachAll()
	if rt == nil {
		for _, s := range p.slots {
			s.address = common.Address{}
		}
	}
	p.mu.Unlock()

	wait(stopped)
	for _, name := range p.order {
		p.changes.Send(Change{App: name, Status: engine.Unresolved, State: p.slots[name].spec.initial()})
	}
	p.reconcile()
}

// detachAll cancels every engine and returns what must be waited on. Callers hold mu.
func (p *Provider) detachAll() []stoppedEngine {
	var out []stoppedEngine
	for _, s := range p.slots {
		if s.syncer != nil {
			s.cancel()
			out = append(out, stoppedEngine{done: s.done, syncer: s.syncer})
		}
		s.syncer, s.cancel, s.done = nil, nil, nil
		s.started = false
		s.status = engine.Unresolved
	}
	return out
}

type stoppedEngine struct {
	done   chan struct{}
	syncer syncer
}

func wait(stopped []stoppedEngine) {
	for _, s := range stopped {
		<-s.done
		s.syncer.Close()
	}
}

// reconcile starts an engine for every app whose address is resolved while
// a runtime is set, at most once per (address, runtime).
func (p *Provider) reconcile() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.runtime == nil {
		return
	}
	for _, name := range p.order {
		s := p.slots[name]
		addr, ok := org.ResolveAddress(p.installed, org.NormalizeName(s.spec.Name), s.spec.AppID)
		if !ok {
			continue
		}
		if s.started && s.address == addr {
			continue
		}
		if s.syncer != nil {
			// the app moved: drop the old engine without blocking reconcile
			s.cancel()
			go func(done chan struct{}, old syncer) { <-done; old.Close() }(s.done, s.syncer)
			s.syncer, s.cancel, s.done = nil, nil, nil
		}
		s.address = addr
		s.started = true
		p.launch(s)
	}
}

// launch builds and runs the engine for s. Callers hold mu.
func (p *Provider) launch(s *slot) {
	log := p.log.With("app", s.spec.Name, "address", s.address.Hex())
	sy, err := s.spec.build(engine.Options{
		Name:                s.spec.Name,
		Address:             s.address,
		ABI:                 s.spec.ABI,
		Transport:           p.opts.Transport,
		Runtime:             p.runtime,
		Cache:               p.opts.Cache,
		Settings:            p.opts.Settings,
		ReorgMargin:         p.opts.ReorgMargin,
		InitializationBlock: p.opts.InitializationBlock,
		FetchWorkers:        p.opts.FetchWorkers,
		InstalledApps:       p.installedInfo,
		Metrics:             p.opts.Metrics,
		Log:                 p.opts.Log,
	})
	if err != nil {
		// stays Initializing until the next resolution retries
		log.Error("engine setup failed", "error", err)
		s.status = engine.Initializing
		s.started = false
		return
	}
	sy.OnTransition(func(t engine.Transition) {
		p.changes.Send(Change{App: t.App, Status: t.To, State: sy.Snapshot()})
	})

	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	s.syncer, s.cancel, s.done = sy, cancel, done

	go sy.Watch(ctx, func(v any) {
		p.changes.Send(Change{App: sy.Name(), Status: sy.Status(), State: v})
	})
	go func() {
		defer close(done)
		if err := sy.Run(ctx); err != nil {
			log.Error("sync stopped", "error", err)
		}
	}()
}

func (p *Provider) slot(name string) (*slot, error) {
	s, ok := p.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return s, nil
}

// AppState returns the current state of app, or its initial state while it is not running.
func (p *Provider) AppState(name string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(name)
	if err != nil {
		return nil, err
	}
	if s.syncer == nil {
		return s.spec.initial(), nil
	}
	return s.syncer.Snapshot(), nil
}

// State is AppState typed to the app's state struct.
func State[S any](p *Provider, name string) (S, error) {
	var zero S
	v, err := p.AppState(name)
	if err != nil {
		return zero, err
	}
	st, ok := v.(S)
	if !ok {
		return zero, fmt.Errorf("app %s state is %T", name, v)
	}
	return st, nil
}

// Methods returns the method table bound at the app's address, nil while it is not running.
func (p *Provider) Methods(name string) (*contract.MethodTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(name)
	if err != nil {
		return nil, err
	}
	if s.syncer == nil {
		return nil, nil
	}
	return s.syncer.Methods(), nil
}

func (p *Provider) Status(name string) engine.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	if !ok {
		return engine.Unresolved
	}
	if s.syncer == nil {
		return s.status
	}
	return s.syncer.Status()
}

// IsSyncing reports whether the app is still replaying history.
func (p *Provider) IsSyncing(name string) bool {
	st := p.Status(name)
	return st == engine.Initializing || st == engine.Replaying
}

// AppLoading reports whether the app has no engine state to show yet.
func (p *Provider) AppLoading(name string) bool {
	st := p.Status(name)
	return st == engine.Unresolved || st == engine.Initializing
}

// Address returns the resolved proxy address of app.
func (p *Provider) Address(name string) (common.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	if !ok || s.address == (common.Address{}) {
		return common.Address{}, false
	}
	return s.address, true
}

// Apps lists registered app names in registration order.
func (p *Provider) Apps() []string {
	return append([]string(nil), p.order...)
}

// InstalledApps returns the installed apps as handed to app code.
func (p *Provider) InstalledApps() []org.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return org.Transform(p.installed, p.opts.ContentPath)
}

func (p *Provider) installedInfo(context.Context) ([]org.Info, error) {
	return p.InstalledApps(), nil
}

// Profiles returns the configured identity store, if any.
func (p *Provider) Profiles() ProfileStore { return p.opts.Profiles }

// EmitTrigger folds a synthetic event into app's running engine.
func (p *Provider) EmitTrigger(ctx context.Context, name, event string, values map[string]any) error {
	p.mu.Lock()
	s, err := p.slot(name)
	var sy syncer
	if err == nil {
		sy = s.syncer
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if sy == nil {
		return fmt.Errorf("%w: %s", ErrNotStarted, name)
	}
	return sy.EmitTrigger(ctx, event, values)
}

// Subscribe delivers every Change. Slow readers miss intermediate changes.
func (p *Provider) Subscribe() *feed.Subscription[Change] {
	return p.changes.SubscribeKeepLast()
}
