/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers; the engine
  itself knows nothing about HTTP.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/entities/*       Entity management
  /api/snapshots/*      Snapshot lifecycle, ingest, forecast, grid
  /api/transactions/*   Bank transactions and unmatched lifecycle
  /api/allocations/*    Match approval
  /api/policies         Matching-policy upserts
  /api/variance         Snapshot-to-snapshot diff

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/entities", func(r chi.Router) {
			r.Post("/", h.CreateEntity)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Post("/", h.CreateSnapshot)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSnapshot)
				r.Post("/ingest", h.IngestRecords)
				r.Post("/fx", h.SetFXRates)
				r.Post("/forecast", h.RunForecast)
				r.Post("/reconcile", h.Reconcile)
				r.Get("/workspace", h.GetWorkspace)
				r.Get("/drilldown", h.GetDrilldown)
				r.Post("/ready", h.MarkReady)
				r.Post("/lock", h.LockSnapshot)
				r.Get("/trust", h.GetTrustReport)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Post("/{id}/assign", h.AssignTransaction)
			r.Post("/{id}/advance", h.AdvanceTransaction)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Post("/{id}/approve", h.ApproveMatch)
		})

		r.Post("/policies", h.SetPolicy)
		r.Get("/variance", h.ComputeVariance)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
