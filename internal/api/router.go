package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ad-rule-engine/internal/observability"
)

func Router(h *RuleHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Second))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Handle("/metrics", observability.MetricsHandler())
		r.Get("/v1/rules", h.ListRules)
		r.Get("/v1/rules/{ruleID}/logs", h.Logs)
	})

	// Runs are bounded by the runner's own max duration.
	r.Post("/v1/rules/test", h.TestRule)
	r.Post("/v1/rules/{ruleID}/run", h.RunRule)
	r.Post("/v1/reverts/sweep", h.SweepReverts)
	return r
}
