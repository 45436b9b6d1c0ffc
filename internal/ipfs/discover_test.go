package ipfs

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devblac/wrapper-sync/internal/cache"
	"github.com/devblac/wrapper-sync/internal/chain/chaintest"
	"github.com/devblac/wrapper-sync/internal/contract"
	"github.com/devblac/wrapper-sync/internal/org"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var storageAddr = common.HexToAddress("0x00000000000000000000000000000000000005a0")

func storageApps() []org.App {
	return []org.App{
		{Name: "Forum", ProxyAddress: common.HexToAddress("0x00000000000000000000000000000000000000f0")},
		{Name: "Storage", ProxyAddress: storageAddr},
	}
}

func providerReply(t *testing.T, provider, uri string) func(ethereum.CallMsg, *big.Int) ([]byte, error) {
	t.Helper()
	out, err := StorageABI().Methods["getStorageProvider"].Outputs.Pack(provider, uri)
	require.NoError(t, err)
	return func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		if msg.To == nil || *msg.To != storageAddr {
			return nil, errors.New("unexpected call target")
		}
		return out, nil
	}
}

func collect(t *testing.T, states <-chan Connection, n int) []Connection {
	t.Helper()
	var out []Connection
	for len(out) < n {
		select {
		case c := <-states:
			out = append(out, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d connection states, want %d", len(out), n)
		}
	}
	return out
}

func TestDiscoverWithoutStorageApp(t *testing.T) {
	var got []Connection
	Discover(context.Background(), storageApps()[:1], chaintest.New(0), nil, cache.NewClient(cache.NewMemoryStore(), nil), Endpoints{}, func(c Connection) {
		got = append(got, c)
	})
	require.Len(t, got, 1)
	require.Equal(t, NoStorageApp, got[0].State)
	require.Equal(t, "no-storage-app", got[0].State.String())
}

func TestDiscoverConnectsToRegisteredProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("pinata_api_key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := cache.NewClient(cache.NewMemoryStore(), nil)
	require.NoError(t, SaveCredentials(ctx, c, Pinata, Credentials{Key: "good", Secret: "s"}))

	tr := chaintest.New(0)
	tr.CallFn = providerReply(t, "pinata", "https://api.pinata.cloud")

	states := make(chan Connection, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Discover(ctx, storageApps(), tr, nil, c, Endpoints{API: srv.URL}, func(conn Connection) { states <- conn })
	}()

	got := collect(t, states, 3)
	require.Equal(t, Connecting, got[0].State)
	require.Equal(t, Found, got[1].State)
	require.Equal(t, "pinata", got[1].Provider)
	require.Equal(t, "https://api.pinata.cloud", got[1].URI)
	require.Equal(t, Connected, got[2].State)
	require.NotNil(t, got[2].Store)

	// a credential change reopens the provider
	require.NoError(t, SaveCredentials(ctx, c, Pinata, Credentials{Key: "bad"}))
	next := collect(t, states, 1)[0]
	require.Equal(t, Failed, next.State)
	var se *StatusError
	require.ErrorAs(t, next.Err, &se)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("discover did not return after cancel")
	}
}

func TestDiscoverCallFailure(t *testing.T) {
	tr := chaintest.New(0)
	tr.CallFn = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return nil, errors.New("execution reverted") }

	var got []Connection
	Discover(context.Background(), storageApps(), tr, nil, cache.NewClient(cache.NewMemoryStore(), nil), Endpoints{}, func(c Connection) {
		got = append(got, c)
	})
	require.Len(t, got, 2)
	require.Equal(t, Connecting, got[0].State)
	require.Equal(t, Failed, got[1].State)
	require.ErrorContains(t, got[1].Err, "execution reverted")
}

type recordingRuntime struct {
	requests []contract.PathRequest
}

func (r *recordingRuntime) GetTransactionPath(_ context.Context, req contract.PathRequest) (contract.Path, error) {
	r.requests = append(r.requests, req)
	return contract.Path{{To: req.To, Description: req.Method.Name}}, nil
}

func (r *recordingRuntime) PerformTransactionPath(context.Context, contract.Path) (contract.Receipt, error) {
	return contract.Receipt{Status: 1}, nil
}

func TestRegisterProvider(t *testing.T) {
	ctx := context.Background()
	c := cache.NewClient(cache.NewMemoryStore(), nil)
	rt := &recordingRuntime{}

	storage, err := BindStorage(storageApps(), chaintest.New(0), rt)
	require.NoError(t, err)
	require.Equal(t, storageAddr, storage.Address())

	creds := Credentials{Key: "project", Secret: "secret"}
	require.NoError(t, RegisterProvider(ctx, c, storage, Infura, "https://ipfs.infura.io:5001", creds))

	require.Len(t, rt.requests, 1)
	require.Equal(t, "registerStorageProvider", rt.requests[0].Method.Name)
	require.Equal(t, storageAddr, rt.requests[0].To)
	require.Equal(t, []any{Infura, "https://ipfs.infura.io:5001"}, rt.requests[0].Args)

	got, ok, err := LoadCredentials(ctx, c, Infura)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, creds, got)

	_, err = BindStorage(storageApps()[:1], chaintest.New(0), rt)
	require.ErrorIs(t, err, ErrNoStorageApp)
}
