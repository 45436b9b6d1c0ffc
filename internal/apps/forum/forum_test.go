package forum

import (
	"context"
	"math/big"
	"testing"

	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/chain/chaintest"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func reduce(t *testing.T, state State, name string, values map[string]any) (State, error) {
	t.Helper()
	return Reducer{}.Reduce(context.Background(), nil, reducer.Input[State]{
		State: state,
		Event: chain.Event{Event: name, ReturnValues: values},
	})
}

func TestReducerSyncMarkers(t *testing.T) {
	s := Reducer{}.InitialState()
	require.False(t, s.IsSyncing)

	s, err := reduce(t, s, chain.SyncStatusSyncing, map[string]any{"from": uint64(0), "to": uint64(100)})
	require.NoError(t, err)
	require.True(t, s.IsSyncing)

	s, err = reduce(t, s, chain.SyncStatusSynced, nil)
	require.NoError(t, err)
	require.False(t, s.IsSyncing)
}

func TestReducerUnknownEventIsNoop(t *testing.T) {
	in := State{Threads: []Thread{{ID: "1", Name: "t1"}}, IsSyncing: true}
	out, err := reduce(t, in, "NoSuchEvent", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestUpdateThreadInsertsAndEdits(t *testing.T) {
	s := Reducer{}.InitialState()

	s, err := reduce(t, s, EventUpdateThread, map[string]any{"name": "t1"})
	require.NoError(t, err)
	require.Len(t, s.Threads, 1)
	require.Equal(t, "t1", s.Threads[0].ID)

	s, err = reduce(t, s, EventUpdateThread, map[string]any{"threadId": big.NewInt(2), "name": "second", "ipfsHash": "Qm1"})
	require.NoError(t, err)
	before := s

	s, err = reduce(t, s, EventUpdateThread, map[string]any{"threadId": big.NewInt(2), "name": "second (edited)", "ipfsHash": "Qm2"})
	require.NoError(t, err)
	require.Len(t, s.Threads, 2)

	edited, ok := s.Thread("2")
	require.True(t, ok)
	require.Equal(t, "second (edited)", edited.Name)
	require.Equal(t, "Qm2", edited.IPFSHash)
	require.Equal(t, []string{"Qm1"}, edited.History)

	original, ok := before.Thread("2")
	require.True(t, ok)
	require.Equal(t, "Qm1", original.IPFSHash, "input state must not be mutated")
	require.Empty(t, original.History)
}

func TestDeleteThread(t *testing.T) {
	s := State{Threads: []Thread{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}}

	out, err := reduce(t, s, EventDeleteThread, map[string]any{"threadId": big.NewInt(1)})
	require.NoError(t, err)
	require.Equal(t, []Thread{{ID: "2", Name: "b"}}, out.Threads)
	require.Len(t, s.Threads, 2, "input state must not be mutated")
	require.Equal(t, "1", s.Threads[0].ID)
}

func TestDeleteUnknownThreadIsNoop(t *testing.T) {
	s := Reducer{}.InitialState()
	s, err := reduce(t, s, EventUpdateThread, map[string]any{"name": "t1"})
	require.NoError(t, err)

	out, err := reduce(t, s, EventDeleteThread, map[string]any{"threadId": big.NewInt(99)})
	require.NoError(t, err)
	require.Equal(t, s, out)
}

func TestThreadEventWithoutKeyFails(t *testing.T) {
	s := State{Threads: []Thread{{ID: "1"}}}
	out, err := reduce(t, s, EventDeleteThread, map[string]any{})
	require.ErrorIs(t, err, ErrNoThreadKey)
	require.Equal(t, s, out)
}

func TestReduceDecodedLog(t *testing.T) {
	a := ABI()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000f0")
	author := common.HexToAddress("0x0000000000000000000000000000000000000a11")

	lg := chaintest.MakeLog(a, addr, 12, 0, EventUpdateThread, map[string]any{
		"threadId": big.NewInt(7),
		"author":   author,
		"name":     "decoded",
		"ipfsHash": "QmX",
	})
	ev, ok, err := chain.ContractHandle{Address: addr, ABI: a}.Decode(lg)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := Reducer{}.Reduce(context.Background(), nil, reducer.Input[State]{State: Reducer{}.InitialState(), Event: ev})
	require.NoError(t, err)
	th, ok := s.Thread("7")
	require.True(t, ok)
	require.Equal(t, author.Hex(), th.Author)
	require.Equal(t, "decoded", th.Name)
	require.Equal(t, "QmX", th.IPFSHash)
}

func TestABIBindings(t *testing.T) {
	a := ABI()
	require.Contains(t, a.Events, EventUpdateThread)
	require.Contains(t, a.Events, EventDeleteThread)
	require.True(t, a.Methods["threadCount"].IsConstant())
	require.False(t, a.Methods["createThread"].IsConstant())
}
