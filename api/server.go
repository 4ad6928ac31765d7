/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log (logger.RequestLogger)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Bearer:     JWT -> engine.Caller, on /api only

ROUTE GROUPS:
  /api/accounts/*       Accounts, balances, ledger, purchases
  /api/bookings/*       Reserve, cancel, reschedule
  /api/tutors/*         Tutor schedules
  /healthz              Liveness, no auth

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Bearer authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/lesson-engine/logger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, tokens TokenParser, origins []string, zl *zap.Logger) *chi.Mux {
	if zl == nil {
		zl = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(zl))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(Bearer(tokens))

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.RegisterAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/bookings", h.ListStudentBookings)
			r.Get("/{id}/purchases", h.ListPurchases)
			r.Post("/{id}/purchases", h.Purchase)
			r.Post("/{id}/adjustments", h.AdjustCredits)
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.Cancel)
			r.Post("/{id}/reschedule", h.Reschedule)
		})

		// Tutor routes
		r.Get("/tutors/{id}/schedule", h.TutorSchedule)
	})

	return r
}

// Health reports liveness; it also pings the store when it can.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store().(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
