package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arcp-dev/arcp/internal/metrics"
	"github.com/arcp-dev/arcp/pkg/models"
)

func TestCountersAndGauges(t *testing.T) {
	stats := models.RegistryStats{TotalAgents: 4, AliveAgents: 3, DeadAgents: 1}
	fallback := true
	set := metrics.New(
		func() models.RegistryStats { return stats },
		func() bool { return fallback },
	)

	set.HTTPRequests.WithLabelValues("GET", "/agents", "200").Inc()
	set.HTTPRequests.WithLabelValues("GET", "/agents", "200").Inc()
	set.WSConnections.WithLabelValues("public").Set(2)
	set.SearchRequests.WithLabelValues("semantic").Inc()
	set.SweeperTicks.Inc()

	if got := testutil.ToFloat64(set.HTTPRequests.WithLabelValues("GET", "/agents", "200")); got != 2 {
		t.Fatalf("http_requests_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(set.WSConnections.WithLabelValues("public")); got != 2 {
		t.Fatalf("ws_connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(set.SweeperTicks); got != 1 {
		t.Fatalf("sweeper_ticks_total = %v, want 1", got)
	}
}

func TestScrapeOutput(t *testing.T) {
	stats := models.RegistryStats{TotalAgents: 2, AliveAgents: 2}
	set := metrics.New(
		func() models.RegistryStats { return stats },
		func() bool { return false },
	)
	set.AuthFailures.WithLabelValues("bad_token").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	set.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`arcp_agents_total 2`,
		`arcp_agents_alive 2`,
		`arcp_storage_using_fallback 0`,
		`arcp_auth_failures_total{reason="bad_token"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q", want)
		}
	}
}

func TestNilFuncsSkipGauges(t *testing.T) {
	set := metrics.New(nil, nil)

	rec := httptest.NewRecorder()
	set.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if strings.Contains(body, "arcp_agents_total") {
		t.Fatal("agent gauges registered without a stats source")
	}
	if strings.Contains(body, "arcp_storage_using_fallback") {
		t.Fatal("fallback gauge registered without a source")
	}
}
