package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker holds the probes behind /healthz. Nil probes are skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Apps reports the sync status per app, e.g. {"forum": "live"}.
	Apps func() map[string]string
}

type report struct {
	Status string            `json:"status"`
	DB     string            `json:"db,omitempty"`
	RPC    string            `json:"rpc,omitempty"`
	Apps   map[string]string `json:"apps,omitempty"`
}

func probe(ctx context.Context, ping func(context.Context) error) (string, bool) {
	if ping == nil {
		return "", true
	}
	if err := ping(ctx); err != nil {
		return "fail", false
	}
	return "ok", true
}

// Handler serves the health report. Apps that are still syncing do not fail the check.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		rep := report{Status: "ok"}
		code := http.StatusOK

		var dbOK, rpcOK bool
		rep.DB, dbOK = probe(ctx, checker.DBPing)
		rep.RPC, rpcOK = probe(ctx, checker.RPCPing)
		if !dbOK || !rpcOK {
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if checker.Apps != nil {
			rep.Apps = checker.Apps()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	})
	return mux
}

// Serve starts the /healthz listener in the background.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
