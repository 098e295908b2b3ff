// Package api wires the HTTP surface: global middleware, the REST route
// table, and the WebSocket endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/arcp-dev/arcp/internal/api/handlers"
	"github.com/arcp-dev/arcp/internal/api/middleware"
	"github.com/arcp-dev/arcp/internal/config"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/pkg/models"
)

// RouterConfig carries everything the route table mounts.
type RouterConfig struct {
	Cfg      *config.Config
	Handlers *handlers.Handlers
	Auth     *middleware.Authenticator
	Limiter  *middleware.RateLimiter
	IPFilter *security.IPFilter
	Metrics  *metrics.Set

	// WS endpoint handlers; nil leaves the route unmounted.
	PublicWS    http.HandlerFunc
	AgentWS     http.HandlerFunc
	DashboardWS http.HandlerFunc
}

// NewRouter builds the chi router. WebSocket routes bypass compression
// and the request rate limit; everything else shares the full stack.
func NewRouter(rc RouterConfig) http.Handler {
	h := rc.Handlers
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Instrument(rc.Metrics))
	r.Use(middleware.TrustedHosts(rc.Cfg.HTTP.TrustedHosts))
	r.Use(middleware.IPFilter(rc.IPFilter))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rc.Cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.FingerprintHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	admin := rc.Auth.Require(models.RoleAdmin)
	agentOrAdmin := rc.Auth.Require(models.RoleAgent, models.RoleAdmin)
	anyBearer := rc.Auth.Require(models.RoleAdmin, models.RoleAgent, models.RoleTemp, models.RoleScrape)
	self := middleware.RequireSelf(func(r *http.Request) string {
		return chi.URLParam(r, "id")
	})

	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(rc.Limiter.Handler)

		r.Get("/", h.Root)
		r.Get("/health", h.Health)
		r.With(admin).Get("/health/detailed", h.HealthDetailed)

		r.With(rc.Auth.Require(models.RoleScrape, models.RoleAdmin)).
			Method("GET", "/metrics/scrape", rc.Metrics.Handler())
		r.With(admin, rc.Auth.RequirePIN).
			Method("GET", "/metrics", rc.Metrics.Handler())

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.With(admin).Post("/logout", h.Logout)
			r.With(admin).Get("/session_status", h.SessionStatus)
			r.With(admin).Post("/set_pin", h.SetPIN)
			r.With(admin).Post("/verify_pin", h.VerifyPIN)
			r.With(admin).Get("/pin_status", h.PinStatus)
			r.Post("/agent/request_temp_token", h.RequestTempToken)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.With(admin, rc.Auth.RequirePIN).Post("/mint", h.MintToken)
			r.Post("/validate", h.ValidateToken)
			r.With(anyBearer).Post("/refresh", h.RefreshToken)
		})

		r.Route("/agents", func(r chi.Router) {
			r.With(rc.Auth.Require(models.RoleTemp)).Post("/register", h.RegisterAgent)
			r.With(admin).Get("/", h.ListAgents)
			r.With(admin).Get("/stats", h.AgentStats)
			r.With(agentOrAdmin).Post("/search", h.SearchAgents)
			r.Route("/{id}", func(r chi.Router) {
				r.With(agentOrAdmin, self).Post("/heartbeat", h.Heartbeat)
				r.With(agentOrAdmin, self).Post("/metrics", h.ReportMetrics)
				r.With(agentOrAdmin).Get("/", h.GetAgent)
				r.With(admin, rc.Auth.RequirePIN).Delete("/", h.DeleteAgent)
			})
		})

		r.Route("/public", func(r chi.Router) {
			r.Get("/discover", h.Discover)
			r.Post("/search", h.PublicSearch)
			r.Get("/agent/{id}", h.PublicAgent)
			r.Post("/connect/{id}", h.Connect)
			r.Get("/info", h.PublicInfo)
			r.Get("/agent_types", h.AgentTypes)
			r.Get("/stats", h.PublicStats)
		})

		r.With(admin).Get("/dashboard/config", h.DashboardConfig)
	})

	if rc.PublicWS != nil {
		r.Get("/public/ws", rc.PublicWS)
	}
	if rc.AgentWS != nil {
		r.Get("/agents/ws", rc.AgentWS)
	}
	if rc.DashboardWS != nil {
		r.Get("/dashboard/ws", rc.DashboardWS)
	}

	return r
}
