// Package forum holds the Forum app: its ABI, its state shape, and the
// reducer that folds thread events into that state.
package forum

import (
	"context"
	_ "embed"
	"sync"

	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Name is the key the Forum app is registered under.
const Name = "forum"

// Domain events emitted by the Forum contract.
const (
	EventUpdateThread = "UpdateThread"
	EventDeleteThread = "DeleteThread"
)

//go:embed abi/Forum.json
var forumArtifact []byte

var parsedABI = sync.OnceValue(func() *abi.ABI {
	a, err := chain.ParseABI(forumArtifact)
	if err != nil {
		panic("forum: embedded abi: " + err.Error())
	}
	return a
})

// ABI returns the Forum contract ABI.
func ABI() *abi.ABI { return parsedABI() }

// Thread is one discussion thread. History lists superseded content hashes, oldest first.
type Thread struct {
	ID       string   `json:"id" cbor:"id"`
	Author   string   `json:"author" cbor:"author"`
	Name     string   `json:"name" cbor:"name"`
	IPFSHash string   `json:"ipfsHash" cbor:"ipfsHash"`
	History  []string `json:"history,omitempty" cbor:"history,omitempty"`
}

// State is the Forum app state.
type State struct {
	Threads   []Thread `json:"threads" cbor:"threads"`
	IsSyncing bool     `json:"isSyncing" cbor:"isSyncing"`
}

// Thread returns the thread with id.
func (s State) Thread(id string) (Thread, bool) {
	for _, t := range s.Threads {
		if t.ID == id {
			return t, true
		}
	}
	return Thread{}, false
}

// Reducer folds Forum events.
type Reducer struct{}

var _ reducer.Reducer[State] = Reducer{}

func (Reducer) InitialState() State {
	return State{Threads: []Thread{}}
}

func (Reducer) Reduce(_ context.Context, _ reducer.API, in reducer.Input[State]) (State, error) {
	next := in.State
	switch in.Event.Event {
	case chain.SyncStatusSyncing:
		next.IsSyncing = true
	case chain.SyncStatusSynced:
		next.IsSyncing = false
	case EventUpdateThread:
		threads, err := updateThread(in.State, in.Event.ReturnValues)
		if err != nil {
			return in.State, err
		}
		next.Threads = threads
	case EventDeleteThread:
		threads, err := deleteThread(in.State, in.Event.ReturnValues)
		if err != nil {
			return in.State, err
		}
		next.Threads = threads
	}
	return next, nil
}
