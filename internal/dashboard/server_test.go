package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"messariflow/config"
	"messariflow/logger"
)

func testServer(t *testing.T, stats StatsFunc) *Server {
	t.Helper()
	s := NewServer(config.DashboardConfig{
		Enabled:         true,
		Address:         ":0",
		RefreshInterval: 50 * time.Millisecond,
	}, stats, logger.GetLogger())
	if s == nil {
		t.Fatal("expected server for enabled dashboard")
	}
	return s
}

func TestNewServerDisabled(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: false}, nil, logger.GetLogger())
	if s != nil {
		t.Fatal("expected nil server when dashboard disabled")
	}
	// A nil server must be safe to run.
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run returned error: %v", err)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s := testServer(t, nil)
	router, err := s.buildRouter(context.Background())
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid healthz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz status field = %v", body["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := testServer(t, func() map[string]any {
		return map[string]any{
			"reader": map[string]any{"pages_fetched": 14},
		}
	})
	router, err := s.buildRouter(context.Background())
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid stats body: %v", err)
	}
	reader, ok := body["reader"].(map[string]any)
	if !ok {
		t.Fatalf("reader stats missing: %v", body)
	}
	if reader["pages_fetched"] != float64(14) {
		t.Errorf("pages_fetched = %v", reader["pages_fetched"])
	}
	if body["timestamp"] == nil {
		t.Error("timestamp missing from stats payload")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                  "0.0.0.0:8080",
		":9090":             "0.0.0.0:9090",
		"localhost":         "localhost:8080",
		"127.0.0.1":         "127.0.0.1:8080",
		"localhost:3000":    "localhost:3000",
		"http://0.0.0.0:80": "0.0.0.0:80",
		" 10.0.0.1:8081 ":   "10.0.0.1:8081",
		"*:7070":            "0.0.0.0:7070",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}
