package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/inaiurai/tokengate/internal/keyring"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeySource reports the cached signing keys.
type KeySource interface {
	Keys() map[string]keyring.Key
}

// RegisterOpsRoutes adds /healthz and /metrics to mux. Health fails when any
// database is unreachable or no signing keys are cached.
func RegisterOpsRoutes(mux *http.ServeMux, dbs []Pinger, keys KeySource, metrics http.Handler) {
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"database": "ok", "keys": "ok"}
		code := http.StatusOK
		for _, db := range dbs {
			if err := db.Ping(ctx); err != nil {
				status["database"] = "unreachable"
				code = http.StatusServiceUnavailable
				break
			}
		}
		if len(keys.Keys()) == 0 {
			status["keys"] = "empty"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
