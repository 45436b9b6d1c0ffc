package provider

import (
	"context"

	"github.com/devblac/wrapper-sync/internal/apps/forum"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/engine"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AppSpec registers one app kind: how to find it among the installed apps
// and how to build its engine.
type AppSpec struct {
	// Name is the registry key; installed apps match it by normalized name.
	Name string
	// AppID, when set, is matched before the name.
	AppID string
	ABI   *abi.ABI

	initial func() any
	build   func(opts engine.Options) (syncer, error)
}

// NewApp registers reducer r for the app called name.
func NewApp[S any](name, appID string, a *abi.ABI, r reducer.Reducer[S]) AppSpec {
	return AppSpec{
		Name:    name,
		AppID:   appID,
		ABI:     a,
		initial: func() any { return r.InitialState() },
		build: func(opts engine.Options) (syncer, error) {
			e, err := engine.New[S](r, opts)
			if err != nil {
				return nil, err
			}
			return erased[S]{e}, nil
		},
	}
}

// ForumApp is the Forum registration.
func ForumApp() AppSpec {
	return NewApp(forum.Name, "", forum.ABI(), forum.Reducer{})
}

// DefaultApps lists every app this build knows how to sync.
func DefaultApps() []AppSpec {
	return []AppSpec{ForumApp()}
}

// syncer is the state-type-erased view of an engine.
type syncer interface {
	Name() string
	Address() common.Address
	Run(ctx context.Context) error
	Status() engine.Status
	Methods() *contract.MethodTable
	OnTransition(fn func(engine.Transition))
	EmitTrigger(ctx context.Context, event string, values map[string]any) error
	Snapshot() any
	Watch(ctx context.Context, fn func(any))
	Close()
}

type erased[S any] struct {
	*engine.Engine[S]
}

func (e erased[S]) Snapshot() any { return e.State() }

// Watch calls fn with every published state until ctx ends.
func (e erased[S]) Watch(ctx context.Context, fn func(any)) {
	sub := e.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.Recv():
			if !ok {
				return
			}
			fn(s)
		}
	}
}
