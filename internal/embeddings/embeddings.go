// Package embeddings provides the embedding driver registry and the
// drivers the registry server ships with: OpenAI (hosted) and Ollama
// (local). The registry search path treats embeddings as best effort; a
// down embedder degrades search to lexical matching, never to an error.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Driver is one embedding provider. Embed returns one vector per input
// text, in input order.
type Driver interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// Factory builds a driver from provider settings.
type Factory func(cfg DriverConfig) (Driver, error)

// DriverConfig is what a factory gets to work with.
type DriverConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int // 0 means the model default
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterDriver makes a provider available under a name. Drivers
// register themselves from init; the name is what EMBEDDER_PROVIDER
// selects.
func RegisterDriver(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Drivers lists the registered provider names.
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrDisabled is returned by Service.EmbedOne when no embedder is
// configured. Callers fall back to lexical search.
var ErrDisabled = errors.New("embeddings: no embedder configured")

// Config selects and tunes the provider behind a Service.
type Config struct {
	Provider   string // empty disables embeddings
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
}

// Service wraps the configured driver with a circuit breaker and vector
// hygiene: every vector is checked against the configured dimension and
// normalized to unit length before anyone else sees it.
type Service struct {
	driver  Driver
	dims    int
	breaker *gobreaker.CircuitBreaker
}

// NewService builds the service for the configured provider. An empty
// provider yields a disabled service, which is valid: registration and
// search simply run without vectors.
func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == "" {
		log.Info().Msg("embeddings: disabled, search will use lexical matching")
		return &Service{}, nil
	}

	factoriesMu.RLock()
	factory, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embeddings: unknown provider %q (have %v)", cfg.Provider, Drivers())
	}
	driver, err := factory(DriverConfig{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return nil, err
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		dims = driver.Dimensions()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("embedder circuit state changed")
		},
	})

	log.Info().
		Str("provider", driver.Kind()).
		Str("model", cfg.Model).
		Int("dims", dims).
		Msg("embeddings: driver ready")
	return &Service{driver: driver, dims: dims, breaker: breaker}, nil
}

// Enabled reports whether a driver is configured.
func (s *Service) Enabled() bool { return s.driver != nil }

// Dimensions is the enforced vector length, 0 when disabled.
func (s *Service) Dimensions() int { return s.dims }

// Kind names the active provider, "" when disabled.
func (s *Service) Kind() string {
	if s.driver == nil {
		return ""
	}
	return s.driver.Kind()
}

// EmbedOne embeds a single text through the breaker and returns a
// unit-length vector of the configured dimension.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	if s.driver == nil {
		return nil, ErrDisabled
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		vecs, err := s.driver.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embeddings: got %d vectors for one text", len(vecs))
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	vec := out.([]float64)
	if len(vec) != s.dims {
		return nil, fmt.Errorf("embeddings: vector has %d dims, want %d", len(vec), s.dims)
	}
	return Normalize(vec), nil
}

// HealthCheck probes the driver. Disabled services are healthy.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.HealthCheck(ctx)
}

// BreakerState exposes the circuit state for the health surface.
func (s *Service) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

// Normalize scales a vector to unit length. Zero vectors pass through
// unchanged so cosine against them stays zero instead of NaN.
func Normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
