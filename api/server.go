/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the game frontend

ROUTE GROUPS:
  /api/accounts/*   Wallet ledger operations
  /api/admin/*      Diagnostics, merges, reconciliation, backups

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
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
		// Wallet ledger routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.RegisterAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Post("/{id}/checkpoint", h.Checkpoint)
			r.Post("/{id}/spend", h.Spend)
			r.Get("/{id}/events", h.GetEvents)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/diagnose", h.DiagnoseAccount)
				r.Post("/repair", h.RepairAccount)
				r.Post("/verify", h.VerifyAccount)
				r.Post("/adjust", h.AdjustAccount)
			})

			r.Post("/merge", h.MergeAccounts)

			r.Route("/reconcile", func(r chi.Router) {
				r.Post("/", h.TriggerReconcile)
				r.Get("/runs", h.ListReconcileRuns)
			})

			r.Route("/backups", func(r chi.Router) {
				r.Post("/", h.CreateBackup)
				r.Get("/", h.ListBackups)
				r.Post("/{id}/restore", h.RestoreBackup)
				r.Delete("/{id}", h.DeleteBackup)
			})
		})
	})

	return r
}
