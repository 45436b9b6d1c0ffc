package chain

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/devblac/wrapper-sync/internal/chain/chaintest"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testABIJSON = `[
	{"type":"event","name":"UpdateThread","inputs":[
		{"name":"threadId","type":"uint256","indexed":true},
		{"name":"name","type":"string","indexed":false}
	]},
	{"type":"event","name":"Ping","inputs":[]}
]`

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func testABI(t *testing.T) *abi.ABI {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(testABIJSON))
	require.NoError(t, err)
	return &a
}

func threadLog(a *abi.ABI, addr common.Address, block uint64, index uint, id int64, name string) types.Log {
	return chaintest.MakeLog(a, addr, block, index, "UpdateThread", map[string]any{
		"threadId": big.NewInt(id),
		"name":     name,
	})
}

func next(t *testing.T, s *Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if !ok {
			t.Fatalf("stream closed early: %v", s.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFetchOrdersPastEventsInsideBracket(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(200,
		threadLog(a, addrB, 30, 1, 4, "late"),
		threadLog(a, addrA, 10, 0, 1, "first"),
		threadLog(a, addrA, 30, 0, 3, "mid"),
		threadLog(a, addrA, 150, 0, 9, "beyond-range"),
	)
	f := NewFetcher(tr, 2, nil)
	contracts := []ContractHandle{{Name: "a", Address: addrA, ABI: a}, {Name: "b", Address: addrB, ABI: a}}

	s := f.Fetch(context.Background(), contracts, 0, 100)
	defer s.Close()

	syncing := next(t, s)
	require.Equal(t, SyncStatusSyncing, syncing.Event)
	require.Equal(t, uint64(0), syncing.ReturnValues["from"])
	require.Equal(t, uint64(100), syncing.ReturnValues["to"])

	var names []string
	for i := 0; i < 3; i++ {
		ev := next(t, s)
		require.Equal(t, "UpdateThread", ev.Event)
		names = append(names, ev.ReturnValues["name"].(string))
	}
	require.Equal(t, []string{"first", "mid", "late"}, names)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)

	// The live tail backfills [101, head] before subscription logs.
	ev := next(t, s)
	require.Equal(t, "beyond-range", ev.ReturnValues["name"])
	require.Equal(t, uint64(150), ev.BlockNumber)
}

func TestFetchEmptyWindowStillBrackets(t *testing.T) {
	tests := []struct {
		name      string
		contracts bool
		from, to  uint64
	}{
		{"no_contracts", false, 0, 100},
		{"from_equals_to", true, 50, 50},
		{"from_after_to", true, 51, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testABI(t)
			tr := chaintest.New(50)
			var contracts []ContractHandle
			if tt.contracts {
				contracts = []ContractHandle{{Address: addrA, ABI: a}}
			}
			s := NewFetcher(tr, 0, nil).Fetch(context.Background(), contracts, tt.from, tt.to)
			defer s.Close()

			require.Equal(t, SyncStatusSyncing, next(t, s).Event)
			require.Equal(t, SyncStatusSynced, next(t, s).Event)
		})
	}
}

func TestFetchSkipsPastQueryWhenResumedBeyondSafeHead(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(10)
	s := NewFetcher(tr, 0, nil).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 51, 50)
	defer s.Close()

	require.Equal(t, SyncStatusSyncing, next(t, s).Event)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, tr.FilterCalls(), "head is below from, nothing to query")
}

func TestFetchPastFailureEndsWithoutSyncedMarker(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(200)
	tr.FailFilter(errors.New("rpc down"))

	s := NewFetcher(tr, 0, nil).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 0, 100)
	require.Equal(t, SyncStatusSyncing, next(t, s).Event)

	for ev := range s.C() {
		require.NotEqual(t, SyncStatusSynced, ev.Event)
	}
	var terr *TransportError
	require.ErrorAs(t, s.Err(), &terr)
	require.Equal(t, addrA, terr.Contract)
}

func TestFetchLiveEventsAndDedupe(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(120, threadLog(a, addrA, 110, 0, 1, "backfill"))
	s := NewFetcher(tr, 0, nil).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 0, 100)
	defer s.Close()

	require.Equal(t, SyncStatusSyncing, next(t, s).Event)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)
	require.Equal(t, "backfill", next(t, s).ReturnValues["name"])

	tr.Emit(threadLog(a, addrA, 110, 0, 1, "backfill"))
	tr.Emit(threadLog(a, addrB, 121, 0, 2, "other-contract"))
	tr.Emit(threadLog(a, addrA, 121, 0, 3, "live"))

	ev := next(t, s)
	require.Equal(t, "live", ev.ReturnValues["name"])
	require.Equal(t, uint64(121), ev.BlockNumber)
}

func TestFetchWarnsOnRemovedLiveLog(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(100)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewFetcher(tr, 0, log).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 0, 100)
	defer s.Close()

	require.Equal(t, SyncStatusSyncing, next(t, s).Event)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	reorged := threadLog(a, addrA, 121, 0, 1, "reorged")
	reorged.Removed = true
	tr.Emit(reorged)
	tr.Emit(threadLog(a, addrA, 122, 0, 2, "kept"))

	require.Equal(t, "kept", next(t, s).ReturnValues["name"])
	require.Contains(t, buf.String(), "live log removed by reorg")
	require.Contains(t, buf.String(), "block=121")
}

func TestFetchLiveSubscriptionFailure(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(0)
	s := NewFetcher(tr, 0, nil).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 0, 0)

	require.Equal(t, SyncStatusSyncing, next(t, s).Event)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	tr.FailSubscriptions(errors.New("ws closed"))
	var terr *TransportError
	require.ErrorAs(t, s.Err(), &terr)
	require.Equal(t, "live logs", terr.Op)
}

func TestStreamCloseStopsEverything(t *testing.T) {
	a := testABI(t)
	tr := chaintest.New(0)
	s := NewFetcher(tr, 0, nil).Fetch(context.Background(), []ContractHandle{{Address: addrA, ABI: a}}, 0, 0)

	require.Equal(t, SyncStatusSyncing, next(t, s).Event)
	require.Equal(t, SyncStatusSynced, next(t, s).Event)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	_, ok := <-s.C()
	require.False(t, ok)
	require.NoError(t, s.Err())
	require.Zero(t, tr.Subscribers())
	s.Close()
}

func TestDecodeSkipsUnknownTopics(t *testing.T) {
	a := testABI(t)
	c := ContractHandle{Address: addrA, ABI: a}

	_, ok, err := c.Decode(types.Log{Address: addrA, Topics: []common.Hash{common.HexToHash("0x01")}})
	require.NoError(t, err)
	require.False(t, ok)

	ev, ok, err := c.Decode(chaintest.MakeLog(a, addrA, 7, 2, "Ping", map[string]any{}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Ping", ev.Event)
	require.Equal(t, uint64(7), ev.BlockNumber)
	require.Equal(t, uint(2), ev.LogIndex)

	ev, ok, err = c.Decode(threadLog(a, addrA, 8, 0, 5, "t5"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, big.NewInt(5).Cmp(ev.ReturnValues["threadId"].(*big.Int)))
}

func TestParseABIArtifact(t *testing.T) {
	artifact := `{"contractName":"Forum","abi":` + testABIJSON + `}`
	a, err := ParseABI([]byte(artifact))
	require.NoError(t, err)
	require.Contains(t, a.Events, "UpdateThread")

	a, err = ParseABI([]byte(testABIJSON))
	require.NoError(t, err)
	require.Contains(t, a.Events, "Ping")

	_, err = ParseABI([]byte(`{"abi": 3}`))
	require.Error(t, err)
}
