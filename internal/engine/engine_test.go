package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devblac/wrapper-sync/internal/apps/forum"
	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain"
	"github.com/devblac/wrapper-sync/internal/chain/chaintest"
	"github.com/devblac/wrapper-sync/internal/org"
	"github.com/devblac/wrapper-sync/internal/reducer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var forumAddr = common.HexToAddress("0x00000000000000000000000000000000000000f0")

func threadLog(block uint64, index uint, id int64, name string) types.Log {
	return chaintest.MakeLog(forum.ABI(), forumAddr, block, index, forum.EventUpdateThread, map[string]any{
		"threadId": big.NewInt(id),
		"author":   common.HexToAddress("0x0000000000000000000000000000000000000a11"),
		"name":     name,
		"ipfsHash": "",
	})
}

func deleteLog(block uint64, index uint, id int64) types.Log {
	return chaintest.MakeLog(forum.ABI(), forumAddr, block, index, forum.EventDeleteThread, map[string]any{
		"threadId": big.NewInt(id),
		"author":   common.HexToAddress("0x0000000000000000000000000000000000000a11"),
	})
}

func newEngine(t *testing.T, r reducer.Reducer[forum.State], tr *chaintest.Transport, c *cache.Client) *Engine[forum.State] {
	t.Helper()
	e, err := New[forum.State](r, Options{
		Name:        forum.Name,
		Address:     forumAddr,
		ABI:         forum.ABI(),
		Transport:   tr,
		Cache:       c,
		ReorgMargin: DefaultReorgMargin,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, e *Engine[forum.State]) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- e.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err, ok := <-r.done:
		if !ok {
			return nil
		}
		close(r.done)
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func waitLive(t *testing.T, e *Engine[forum.State]) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status() == Live }, 3*time.Second, 5*time.Millisecond)
}

func memCache() *cache.Client {
	return cache.NewClient(cache.NewMemoryStore(), nil)
}

func TestFreshSyncCheckpointsSafeHead(t *testing.T) {
	tr := chaintest.New(200, threadLog(50, 0, 1, "t1"))
	c := memCache()
	e := newEngine(t, forum.Reducer{}, tr, c)

	var mu sync.Mutex
	var seen []Status
	e.OnTransition(func(tn Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tn.To)
	})

	start(t, e)
	waitLive(t, e)

	st := e.State()
	require.False(t, st.IsSyncing)
	require.Len(t, st.Threads, 1)
	require.Equal(t, "t1", st.Threads[0].Name)

	cp, ok, err := cache.LoadCheckpoint[forum.State](context.Background(), c, forumAddr.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cp.Block)
	require.Equal(t, st.Threads, cp.State.Threads)

	mu.Lock()
	require.Equal(t, []Status{Initializing, Replaying, Live}, seen)
	mu.Unlock()

	calls := tr.FilterCalls()
	require.NotEmpty(t, calls)
	require.Equal(t, uint64(0), calls[0].FromBlock.Uint64())
	require.Equal(t, uint64(100), calls[0].ToBlock.Uint64())
}

func TestResumeFromCheckpoint(t *testing.T) {
	tr := chaintest.New(200, threadLog(20, 0, 1, "old"), threadLog(70, 0, 2, "new"))
	c := memCache()
	prior := forum.State{Threads: []forum.Thread{{ID: "1", Name: "old"}}}
	require.NoError(t, cache.SaveCheckpoint(context.Background(), c, forumAddr.Hex(), cache.Checkpoint[forum.State]{Block: 50, State: prior}))

	e := newEngine(t, forum.Reducer{}, tr, c)
	start(t, e)
	waitLive(t, e)

	calls := tr.FilterCalls()
	require.NotEmpty(t, calls)
	require.Equal(t, uint64(51), calls[0].FromBlock.Uint64())
	require.Equal(t, uint64(100), calls[0].ToBlock.Uint64())

	st := e.State()
	require.Len(t, st.Threads, 2, "block 20 must not be folded twice")
	require.Equal(t, "old", st.Threads[0].Name)
	require.Equal(t, "new", st.Threads[1].Name)
}

func TestCheckpointBlockNeverDecreases(t *testing.T) {
	tr := chaintest.New(120)
	c := memCache()
	require.NoError(t, cache.SaveCheckpoint(context.Background(), c, forumAddr.Hex(), cache.Checkpoint[forum.State]{
		Block: 80,
		State: forum.State{Threads: []forum.Thread{}},
	}))

	e := newEngine(t, forum.Reducer{}, tr, c)
	start(t, e)
	waitLive(t, e)

	cp, ok, err := cache.LoadCheckpoint[forum.State](context.Background(), c, forumAddr.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(80), cp.Block)
}

func TestResumedSyncMatchesSingleSync(t *testing.T) {
	logs := []types.Log{
		threadLog(10, 0, 1, "a"),
		threadLog(60, 0, 2, "b"),
		deleteLog(90, 0, 1),
		threadLog(95, 1, 3, "c"),
	}

	single := newEngine(t, forum.Reducer{}, chaintest.New(200, logs...), memCache())
	r := start(t, single)
	waitLive(t, single)
	want := single.State()
	require.NoError(t, r.stop(t))

	c := memCache()
	tr := chaintest.New(150, logs...)
	first := newEngine(t, forum.Reducer{}, tr, c)
	r = start(t, first)
	waitLive(t, first)
	require.NoError(t, r.stop(t))

	tr.SetHead(200)
	second := newEngine(t, forum.Reducer{}, tr, c)
	start(t, second)
	waitLive(t, second)

	require.Equal(t, want, second.State())
	require.Len(t, want.Threads, 2)
	require.Equal(t, "b", want.Threads[0].Name)
	require.Equal(t, "c", want.Threads[1].Name)
}

func TestPastFetchFailureKeepsSyncing(t *testing.T) {
	tr := chaintest.New(200, threadLog(50, 0, 1, "t1"))
	tr.FailFilter(errors.New("rpc down"))
	c := memCache()
	e := newEngine(t, forum.Reducer{}, tr, c)

	err := e.Run(context.Background())
	var te *chain.TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, e.State().IsSyncing)
	require.Equal(t, Replaying, e.Status())

	_, ok, err := cache.LoadCheckpoint[forum.State](context.Background(), c, forumAddr.Hex())
	require.NoError(t, err)
	require.False(t, ok)
}

// flaky rejects deletes and panics on a thread named "boom".
type flaky struct{ forum.Reducer }

func (f flaky) Reduce(ctx context.Context, api reducer.API, in reducer.Input[forum.State]) (forum.State, error) {
	switch in.Event.Event {
	case forum.EventDeleteThread:
		return in.State, errors.New("rejected")
	case forum.EventUpdateThread:
		if in.Event.ReturnValues["name"] == "boom" {
			panic("boom")
		}
	}
	return f.Reducer.Reduce(ctx, api, in)
}

func TestReducerFailuresAreSkipped(t *testing.T) {
	tr := chaintest.New(200,
		threadLog(10, 0, 1, "a"),
		deleteLog(20, 0, 1),
		threadLog(30, 0, 2, "boom"),
		threadLog(40, 0, 3, "c"),
	)
	e := newEngine(t, flaky{}, tr, memCache())
	start(t, e)
	waitLive(t, e)

	st := e.State()
	require.False(t, st.IsSyncing)
	require.Len(t, st.Threads, 2)
	require.Equal(t, "a", st.Threads[0].Name)
	require.Equal(t, "c", st.Threads[1].Name)
}

func TestLiveEventsAreFolded(t *testing.T) {
	tr := chaintest.New(200)
	e := newEngine(t, forum.Reducer{}, tr, memCache())
	sub := e.Subscribe()
	defer sub.Unsubscribe()

	start(t, e)
	waitLive(t, e)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.Emit(threadLog(201, 0, 7, "live"))
	require.Eventually(t, func() bool {
		_, ok := e.State().Thread("7")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	var last forum.State
	require.Eventually(t, func() bool {
		select {
		case last = <-sub.Recv():
		default:
		}
		_, ok := last.Thread("7")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStateIsWrittenToCache(t *testing.T) {
	tr := chaintest.New(200, threadLog(50, 0, 1, "t1"))
	c := memCache()
	e := newEngine(t, forum.Reducer{}, tr, c)
	start(t, e)
	waitLive(t, e)

	require.Eventually(t, func() bool {
		var st forum.State
		ok, err := c.GetValue(context.Background(), cache.Key(forumAddr.Hex(), cache.StateKey), &st)
		return err == nil && ok && !st.IsSyncing && len(st.Threads) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancellationStopsRun(t *testing.T) {
	tr := chaintest.New(200)
	e := newEngine(t, forum.Reducer{}, tr, memCache())
	r := start(t, e)
	waitLive(t, e)

	require.NoError(t, r.stop(t))
	require.Eventually(t, func() bool { return tr.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunTwiceIsRejected(t *testing.T) {
	e := newEngine(t, forum.Reducer{}, chaintest.New(200), memCache())
	start(t, e)
	waitLive(t, e)
	require.ErrorIs(t, e.Run(context.Background()), ErrAlreadyRunning)
}

func TestEmitTrigger(t *testing.T) {
	tr := chaintest.New(200)
	c := memCache()
	e := newEngine(t, forum.Reducer{}, tr, c)

	require.ErrorIs(t, e.EmitTrigger(context.Background(), forum.EventUpdateThread, nil), ErrNotRunning)

	start(t, e)
	waitLive(t, e)

	err := e.EmitTrigger(context.Background(), forum.EventUpdateThread, map[string]any{
		"threadId": big.NewInt(9),
		"name":     "triggered",
	})
	require.NoError(t, err)

	th, ok := e.State().Thread("9")
	require.True(t, ok)
	require.Equal(t, "triggered", th.Name)

	cp, ok, err := cache.LoadCheckpoint[forum.State](context.Background(), c, forumAddr.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cp.Block)
	_, ok = cp.State.Thread("9")
	require.True(t, ok)

	err = e.EmitTrigger(context.Background(), forum.EventDeleteThread, map[string]any{})
	require.ErrorIs(t, err, forum.ErrNoThreadKey)
}

func TestEmitTriggerKeepsCheckpointBlockAfterLiveEvents(t *testing.T) {
	tr := chaintest.New(200)
	c := memCache()
	e := newEngine(t, forum.Reducer{}, tr, c)
	r := start(t, e)
	waitLive(t, e)
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	live := threadLog(201, 0, 7, "live")
	tr.AddLogs(live)
	tr.Emit(live)
	require.Eventually(t, func() bool {
		_, ok := e.State().Thread("7")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.EmitTrigger(context.Background(), forum.EventUpdateThread, map[string]any{
		"threadId": big.NewInt(9),
		"name":     "triggered",
	}))

	// the checkpoint block lags the state it holds
	cp, ok, err := cache.LoadCheckpoint[forum.State](context.Background(), c, forumAddr.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cp.Block)
	_, ok = cp.State.Thread("7")
	require.True(t, ok)
	require.NoError(t, r.stop(t))

	// a restart replays block 201 onto that state; the update is idempotent
	tr.SetHead(400)
	e2 := newEngine(t, forum.Reducer{}, tr, c)
	start(t, e2)
	waitLive(t, e2)

	st := e2.State()
	require.Len(t, st.Threads, 2)
	th, ok := st.Thread("7")
	require.True(t, ok)
	require.Equal(t, "live", th.Name)
	replayed := false
	for _, q := range tr.FilterCalls() {
		if q.FromBlock.Uint64() == 101 && q.ToBlock != nil && q.ToBlock.Uint64() == 300 {
			replayed = true
		}
	}
	require.True(t, replayed, "resume should refetch from the checkpoint block")
}

func TestResetReturnsToInitialState(t *testing.T) {
	tr := chaintest.New(200, threadLog(50, 0, 1, "t1"))
	e := newEngine(t, forum.Reducer{}, tr, memCache())
	r := start(t, e)
	waitLive(t, e)
	require.NoError(t, r.stop(t))

	e.Reset()
	require.Equal(t, Unresolved, e.Status())
	require.Equal(t, forum.Reducer{}.InitialState(), e.State())
}

func TestAppAPI(t *testing.T) {
	c := memCache()
	infos := []org.Info{{AppAddress: forumAddr, Name: "Forum", AppID: "0xdiscussions"}}
	e, err := New[forum.State](forum.Reducer{}, Options{
		Name:          forum.Name,
		Address:       forumAddr,
		ABI:           forum.ABI(),
		Transport:     chaintest.New(0),
		Cache:         c,
		InstalledApps: func(context.Context) ([]org.Info, error) { return infos, nil },
	})
	require.NoError(t, err)
	api := e.API()
	ctx := context.Background()

	require.NoError(t, api.Cache(ctx, "settings", map[string]string{"theme": "dark"}))
	var got map[string]string
	ok, err := api.GetCache(ctx, "settings", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dark", got["theme"])

	raw, ok, err := c.Store().Get(ctx, cache.Key(forumAddr.Hex(), "settings"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, raw)

	cur, err := api.CurrentApp(ctx)
	require.NoError(t, err)
	require.Equal(t, "0xdiscussions", cur.AppID)

	ext, err := api.External(common.HexToAddress("0x01"), forum.ABI())
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x01"), ext.Address())

	_, err = api.Call(ctx, "noSuchMethod")
	require.Error(t, err)
}

func TestSafeHead(t *testing.T) {
	tests := []struct {
		latest, margin, want uint64
	}{
		{200, 100, 100},
		{100, 100, 0},
		{50, 100, 0},
		{0, 0, 0},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := safeHead(tt.latest, tt.margin); got != tt.want {
			t.Fatalf("safeHead(%d,%d) = %d, want %d", tt.latest, tt.margin, got, tt.want)
		}
	}
}
