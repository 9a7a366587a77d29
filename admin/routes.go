package admin

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/shardrelay/telemetry"
)

// NewRouter builds the admin router. /health and /metrics stay open for
// health checks and scrapers, everything else requires the secret when one is set.
// /metrics is only mounted once telemetry is enabled.
func NewRouter(handlers *Handlers, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Route("/shards", func(r chi.Router) {
			r.Get("/", handlers.handleListShards)
			r.Get("/{shardID}", handlers.withShardID(handlers.handleShard))
		})

		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", handlers.handleListCheckpoints)
			r.Get("/{shardID}", handlers.withShardID(handlers.handleCheckpoint))
		})

		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/{profile}", http.HandlerFunc(pprof.Index))
		})
	})

	return r
}

// withShardID extracts the shard id URL param and calls fn
func (h *Handlers) withShardID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shardID := chi.URLParam(r, "shardID")
		if shardID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "shard id is required")
			return
		}
		fn(w, r, shardID)
	}
}
