// Package health exposes the liveness endpoint shared by the gateway
// and worker binaries.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type status struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Handler reports liveness, pinging the database when a pool is given.
func Handler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := status{Status: "ok", Database: "skipped"}
		code := http.StatusOK

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.Status = "degraded"
				st.Database = "unreachable"
				code = http.StatusServiceUnavailable
			} else {
				st.Database = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(st)
	}
}
