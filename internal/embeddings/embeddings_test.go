package embeddings_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/arcp-dev/arcp/internal/embeddings"
)

func TestServiceDisabled(t *testing.T) {
	svc, err := embeddings.NewService(embeddings.Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Enabled() {
		t.Error("empty provider should disable the service")
	}
	if _, err := svc.EmbedOne(context.Background(), "hello"); !errors.Is(err, embeddings.ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Errorf("disabled HealthCheck = %v, want nil", err)
	}
	if svc.BreakerState() != "disabled" {
		t.Errorf("BreakerState = %q", svc.BreakerState())
	}
}

func TestUnknownProvider(t *testing.T) {
	if _, err := embeddings.NewService(embeddings.Config{Provider: "nonesuch"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestDriversRegistered(t *testing.T) {
	names := embeddings.Drivers()
	want := map[string]bool{"openai": false, "ollama": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("driver %q not registered", n)
		}
	}
}

func TestOpenAIEmbedNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[3,0,4],"index":0}]}`))
	}))
	defer srv.Close()

	svc, err := embeddings.NewService(embeddings.Config{
		Provider:   "openai",
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	vec, err := svc.EmbedOne(context.Background(), "weather forecast agent")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("len = %d, want 3", len(vec))
	}
	// [3,0,4] has norm 5; normalized to [0.6, 0, 0.8].
	if math.Abs(vec[0]-0.6) > 1e-9 || math.Abs(vec[2]-0.8) > 1e-9 {
		t.Errorf("vec = %v, want [0.6 0 0.8]", vec)
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := embeddings.NewService(embeddings.Config{
		Provider: "openai",
		Model:    "text-embedding-3-small",
	})
	if err == nil {
		t.Error("openai without api key accepted")
	}
}

func TestDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[1,2],"index":0}]}`))
	}))
	defer srv.Close()

	svc, err := embeddings.NewService(embeddings.Config{
		Provider:   "openai",
		Endpoint:   srv.URL,
		APIKey:     "k",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.EmbedOne(context.Background(), "x"); err == nil {
		t.Error("wrong-dimension vector accepted")
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"embeddings":[[0,5,0]]}`))
	}))
	defer srv.Close()

	svc, err := embeddings.NewService(embeddings.Config{
		Provider:   "ollama",
		Endpoint:   srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	vec, err := svc.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if math.Abs(vec[1]-1.0) > 1e-9 {
		t.Errorf("vec = %v, want unit y axis", vec)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, err := embeddings.NewService(embeddings.Config{
		Provider:   "ollama",
		Endpoint:   srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.EmbedOne(ctx, "x"); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i+1)
		}
	}
	if _, err := svc.EmbedOne(ctx, "x"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if svc.BreakerState() != "open" {
		t.Errorf("BreakerState = %q, want open", svc.BreakerState())
	}
}

func TestNormalize(t *testing.T) {
	vec := embeddings.Normalize([]float64{2, 0, 0})
	if vec[0] != 1 {
		t.Errorf("Normalize = %v", vec)
	}
	zero := embeddings.Normalize([]float64{0, 0, 0})
	for _, v := range zero {
		if v != 0 {
			t.Errorf("zero vector changed: %v", zero)
		}
	}
}
