// Package router mounts the HTTP surface: each endpoint maps 1:1 to one
// pipeline operation.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/handler"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/middleware"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB                 handler.DBPinger
	Verifier           middleware.TokenVerifier
	FrontendURL        string
	Version            string
	Metrics            *middleware.Metrics
	MetricsReg         *prometheus.Registry
	InternalAuthSecret string

	Extraction   handler.ExtractionRunner
	Report       handler.ReportRunner
	Chat         handler.ChatRunner
	Interactions handler.InteractionService
	Scheduler    handler.CorpusScheduler

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Protected routes (require internal service auth or Firebase auth)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOrFirebaseAuth(deps.Verifier, deps.InternalAuthSecret))

		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		// Generation endpoints can run for minutes; the analytics and
		// feedback endpoints get a short write timeout.
		timeout30s := middleware.Timeout(30 * time.Second)
		generation := middleware.Timeout(15 * time.Minute)

		r.With(generation).Post("/api/extract", handler.Extract(deps.Extraction))
		r.With(generation).Post("/api/report", handler.Report(deps.Report))
		// Streaming: no write timeout, the client reads as fragments arrive.
		r.Post("/api/report/stream", handler.ReportStream(deps.Report))

		if deps.ChatRateLimiter != nil {
			r.With(middleware.RateLimit(deps.ChatRateLimiter), generation).Post("/api/chatbot", handler.Chatbot(deps.Chat))
		} else {
			r.With(generation).Post("/api/chatbot", handler.Chatbot(deps.Chat))
		}

		r.With(timeout30s).Post("/api/interactions/{id}/feedback", handler.Feedback(deps.Interactions))
		r.With(timeout30s).Get("/api/interactions", handler.InteractionSearch(deps.Interactions))
		r.With(timeout30s).Get("/api/interactions/summary", handler.InteractionSummary(deps.Interactions))

		// Corpus rebuild embeds every source row; allow it the long budget.
		r.With(generation).Post("/api/ingest", handler.Ingest(deps.Scheduler))
	})

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"error":  "route not found",
		})
	})

	return r
}
