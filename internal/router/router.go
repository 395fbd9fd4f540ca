package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/handler"
	"github.com/connexus/finchat/internal/middleware"
	"github.com/connexus/finchat/internal/service"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB          handler.DBPinger
	AuthService *service.AuthService
	FrontendURL string
	Version     string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	InternalAuthSecret string

	ChatDeps handler.ChatDeps

	// Stream serves the bidirectional /ws/chat endpoint (spec §6.2). nil
	// disables the route entirely (e.g. in tests that only exercise HTTP).
	Stream http.Handler

	// Cache is probed by the detailed health check.
	Cache cacheclient.Cache

	// LLMHealth reports the LLM Client's last-known-good status.
	LLMHealth handler.LLMStatus

	// Rate limiters (nil = no rate limiting)
	GeneralRateLimiter *middleware.RateLimiter
	ChatRateLimiter    *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes (spec §6.1/§6.2).
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes (no auth)
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	r.Get("/api/health/detailed", handler.DetailedHealth(deps.DB, deps.Cache, deps.LLMHealth, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// The streaming endpoint carries its own in-band authenticate frame
	// (spec §6.2) rather than an HTTP-layer bearer token, so it mounts
	// outside the authenticated group below.
	if deps.Stream != nil {
		r.Handle("/ws/chat", deps.Stream)
	}

	// Protected routes (require internal service auth or Firebase auth)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOrFirebaseAuth(deps.AuthService, deps.InternalAuthSecret))

		if deps.GeneralRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.GeneralRateLimiter))
		}

		timeout30s := middleware.Timeout(30 * time.Second)

		r.With(timeout30s).Get("/api/chat/sessions", handler.ChatSessions(deps.ChatDeps))
		r.With(timeout30s).Get("/api/chat/sessions/{id}/messages", handler.ChatSessionMessages(deps.ChatDeps))

		// Chat message routes. The streaming variant gets no write timeout,
		// since SSE deliberately holds the connection open for the whole
		// turn; both carry the stricter chat rate limit.
		chatMiddleware := []func(http.Handler) http.Handler{}
		if deps.ChatRateLimiter != nil {
			chatMiddleware = append(chatMiddleware, middleware.RateLimit(deps.ChatRateLimiter))
		}
		r.With(append(chatMiddleware, timeout30s)...).Post("/api/chat/message", handler.ChatMessage(deps.ChatDeps))
		r.With(chatMiddleware...).Post("/api/chat/message/stream", handler.ChatMessageStream(deps.ChatDeps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
