// Package server assembles the ARCP registry service: configuration,
// storage, the service layer, the HTTP router, and the WebSocket hubs.
//
// It lives in pkg/ so that embedders can run the registry in-process:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(srv.Addr(), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/api"
	"github.com/arcp-dev/arcp/internal/api/handlers"
	"github.com/arcp-dev/arcp/internal/api/middleware"
	"github.com/arcp-dev/arcp/internal/auth"
	"github.com/arcp-dev/arcp/internal/config"
	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/internal/events"
	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/internal/monitor"
	"github.com/arcp-dev/arcp/internal/registry"
	"github.com/arcp-dev/arcp/internal/relay"
	"github.com/arcp-dev/arcp/internal/search"
	"github.com/arcp-dev/arcp/internal/security"
	"github.com/arcp-dev/arcp/internal/storage"
	"github.com/arcp-dev/arcp/internal/sweeper"
	"github.com/arcp-dev/arcp/internal/telemetry"
	"github.com/arcp-dev/arcp/internal/ws"
)

// Server is a fully wired ARCP instance. Handler carries every route;
// Start launches the background loops; Shutdown drains them.
type Server struct {
	Handler http.Handler
	Cfg     *config.Config

	store   *storage.Adapter
	bus     *events.Bus
	sweeper *sweeper.Sweeper
	hubs    []runnableHub

	stopTelemetry func(context.Context) error
	cancel        context.CancelFunc
}

type runnableHub interface {
	Run(ctx context.Context)
	Shutdown(ctx context.Context)
	Name() string
	ConnCount() int
}

// New wires a server from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig wires a server from an explicit configuration. The
// caller still owns starting and stopping it.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("server: bad LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		zerolog.SetGlobalLevel(lvl)
	}

	stopTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	store, err := storage.New(storage.Options{
		RedisURL:     cfg.Storage.RedisURL,
		PingInterval: cfg.Storage.PingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("server: init storage: %w", err)
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		Provider:   cfg.Embedder.Provider,
		Endpoint:   cfg.Embedder.Endpoint,
		APIKey:     cfg.Embedder.APIKey,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("server: init embedder: %w", err)
	}

	bus := events.NewBus(store)
	reg := registry.New(registry.Config{
		AllowedTypes:     cfg.Registry.AllowedAgentTypes,
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
	}, store, embedder, bus)
	if err := reg.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("registry warm-up failed, starting empty")
	}

	alerts := monitor.NewAlerts(monitor.AlertsConfig{Capacity: cfg.Alerts.BufferSize}, store)
	if err := alerts.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("alert history warm-up failed")
	}
	logs := monitor.NewLogBuffer(monitor.LogBufferConfig{Capacity: cfg.Alerts.LogBufferSize}, store)
	if err := logs.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("log history warm-up failed")
	}
	log.Logger = log.Logger.Hook(logs.Hook())
	resources := monitor.NewResources(0)

	tokens := auth.NewTokenService(auth.TokenConfig{
		Secret:     cfg.Auth.JWTSecret,
		Algorithm:  cfg.Auth.JWTAlgorithm,
		Expiry:     cfg.Auth.TokenExpiry,
		TempExpiry: cfg.Auth.TempTokenExpiry,
	}, store)
	sessions := auth.NewSessionService(auth.SessionConfig{
		Timeout:         cfg.Auth.SessionTimeout,
		MaxSessions:     cfg.Auth.MaxSessions,
		PinAttemptLimit: cfg.Auth.PinAttemptLimit,
		PinLockCooldown: cfg.Auth.PinLockCooldown,
		PinMaxAge:       cfg.Auth.PinMaxAge,
		Salt:            cfg.Auth.JWTSecret,
	}, store)
	limiter := auth.NewLimiter(auth.LimiterConfig{
		Threshold:   cfg.RateLimit.LoginThreshold,
		Window:      cfg.RateLimit.FailureWindow,
		LockoutBase: cfg.RateLimit.LockoutBase,
		LockoutMax:  cfg.RateLimit.LockoutMax,
		MaxDelay:    cfg.RateLimit.MaxDelay,
	})

	engine := search.NewEngine(search.Config{
		DefaultTopK:          cfg.Search.DefaultTopK,
		MaxTopK:              cfg.Search.MaxTopK,
		DefaultMinSimilarity: cfg.Search.DefaultMinSimilarity,
	}, reg, embedder)
	forwarder := relay.New(relay.Config{}, reg)
	met := metrics.New(reg.Stats, store.UsingFallback)

	ruleSet, err := buildRules(cfg.Alerts.Rules)
	if err != nil {
		return nil, err
	}
	swp := sweeper.New(sweeper.Config{
		Interval:         cfg.SweepInterval(),
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
	}, reg, alerts, resources, ruleSet, limiter, store, met)

	h := handlers.New(handlers.Deps{
		Cfg:       cfg,
		Store:     store,
		Registry:  reg,
		Tokens:    tokens,
		Sessions:  sessions,
		Limiter:   limiter,
		Search:    engine,
		Relay:     forwarder,
		Embedder:  embedder,
		Alerts:    alerts,
		Logs:      logs,
		Resources: resources,
		Sweeper:   swp,
		Metrics:   met,
	})

	hubBase := func(name string, maxConns int) ws.HubConfig {
		return ws.HubConfig{
			Name:           name,
			MaxConnections: maxConns,
			QueueSize:      cfg.WS.QueueSize,
			PingInterval:   cfg.WS.PingInterval,
			WriteWait:      cfg.WS.PongTimeout,
			AuthDeadline:   cfg.WS.AuthDeadline,
		}
	}
	publicHub := ws.NewPublic(ws.PublicConfig{
		Hub:           hubBase("public", cfg.WS.PublicMaxConnections),
		ServiceName:   "ARCP",
		Version:       cfg.Version,
		StatsInterval: cfg.WS.StatsInterval,
	}, reg, bus, met)
	agentHub := ws.NewAgent(hubBase("agents", cfg.WS.AgentMaxConnections), reg, tokens, bus, met)
	dashboardHub := ws.NewDashboard(ws.DashboardConfig{
		Hub:                hubBase("dashboard", cfg.WS.DashboardMaxConnections),
		MonitoringInterval: cfg.WS.MonitoringInterval,
		AgentsInterval:     cfg.WS.StatsInterval,
	}, reg, tokens, swp, ws.HealthFn(h.ComponentHealth), logs, alerts, met)
	h.Hubs = []handlers.Hub{publicHub, agentHub, dashboardHub}

	ipFilter, err := security.NewIPFilter(cfg.HTTP.IPAllowlist, cfg.HTTP.IPDenylist)
	if err != nil {
		return nil, fmt.Errorf("server: ip filter: %w", err)
	}

	handler := api.NewRouter(api.RouterConfig{
		Cfg:         cfg,
		Handlers:    h,
		Auth:        middleware.NewAuthenticator(tokens, sessions, cfg.Auth.ScrapeToken, met),
		Limiter:     middleware.NewRateLimiter(cfg.RateLimit.RPM, cfg.RateLimit.Burst),
		IPFilter:    ipFilter,
		Metrics:     met,
		PublicWS:    publicHub.Handler(),
		AgentWS:     agentHub.Handler(),
		DashboardWS: dashboardHub.Handler(),
	})

	log.Info().
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Str("storage", store.BackendName()).
		Str("embedder", embedder.Kind()).
		Int("alert_rules", ruleSet.Len()).
		Msg("server wired")

	return &Server{
		Handler:       handler,
		Cfg:           cfg,
		store:         store,
		bus:           bus,
		sweeper:       swp,
		hubs:          []runnableHub{publicHub, agentHub, dashboardHub},
		stopTelemetry: stopTelemetry,
	}, nil
}

// Addr is the listen address derived from the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.Cfg.Port)
}

// Start launches the event bus, the sweeper, and the hub broadcast
// loops. It returns immediately; the loops stop on Shutdown.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		if err := s.bus.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("event bus stopped")
		}
	}()
	go s.sweeper.Start(ctx)
	for _, hub := range s.hubs {
		go hub.Run(ctx)
	}
}

// Shutdown drains the hubs, stops the background loops, and closes
// storage and telemetry. Safe to call once after Start.
func (s *Server) Shutdown(ctx context.Context) {
	for _, hub := range s.hubs {
		hub.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("storage close failed")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stopTelemetry(flushCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry flush failed")
	}
	log.Info().Msg("server stopped")
}

// buildRules compiles the configured alert rules, falling back to the
// built-in set when none are configured.
func buildRules(specs []string) (*sweeper.RuleSet, error) {
	rules := sweeper.DefaultRules()
	if len(specs) > 0 {
		parsed, err := sweeper.ParseRules(specs)
		if err != nil {
			return nil, err
		}
		rules = parsed
	}
	rs, err := sweeper.CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return rs, nil
}
