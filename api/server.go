/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (see middleware.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front desk UI
  5. httprate:   Per-IP limit on state-changing routes

ROUTE GROUPS:
  /api/eligible         Eligible source items for a return
  /api/returns/*        Return request lifecycle
  /api/encounters       Encounter import (source items)
  /api/stays/*          Inpatient stays, charges and confirmation
  /api/audit            Audit trail
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. The acting user is taken from the
  X-Actor header and recorded in the audit trail only.

SEE ALSO:
  - returns.go: Return request handlers
  - stays.go: Stay handlers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterOptions carries the configurable parts of the middleware stack.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int // 0 disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	writes := func(next http.Handler) http.Handler { return next }
	if opts.RateLimitPerMinute > 0 {
		writes = httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/eligible", h.ListEligible)
		r.Get("/audit", h.ListAudit)

		// Return request routes
		r.Route("/returns", func(r chi.Router) {
			r.Get("/", h.ListReturns)
			r.Get("/{id}", h.GetReturn)

			r.Group(func(r chi.Router) {
				r.Use(writes)
				r.Post("/", h.CreateReturn)
				r.Post("/{id}/lines", h.AttachLines)
				r.Patch("/{id}/lines", h.EditLines)
				r.Delete("/{id}/lines/{sourceID}", h.RemoveLine)
				r.Post("/{id}/submit", h.SubmitReturn)
				r.Post("/{id}/void", h.VoidReturn)
			})
		})

		// Encounter import
		r.With(writes).Post("/encounters", h.ImportEncounter)

		// Stay routes
		r.Route("/stays", func(r chi.Router) {
			r.Get("/{id}", h.GetStay)
			r.Post("/{id}/balance-check", h.CheckBalance)

			r.Group(func(r chi.Router) {
				r.Use(writes)
				r.Post("/", h.AdmitStay)
				r.Post("/{id}/charges", h.RecordCharge)
				r.Post("/{id}/deposits", h.RecordDeposit)
				r.Post("/{id}/entries/{kind}/{entryID}/confirm", h.ConfirmEntry)
				r.Post("/{id}/entries/{kind}/{entryID}/unconfirm", h.UnconfirmEntry)
				r.Post("/{id}/entries/{kind}/{entryID}/invoice", h.InvoiceEntry)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
