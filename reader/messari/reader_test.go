package messari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"messariflow/config"
	"messariflow/internal/channel"
	"messariflow/models"
)

func minimalConfig(baseURL string) *config.Config {
	return &config.Config{
		Messariflow: config.MessariflowConfig{Name: "test", Version: "0.0.0"},
		Fetcher: config.FetcherConfig{
			BaseURL:     baseURL,
			Fields:      "id,slug,symbol,name",
			PageLimit:   2,
			PageWorkers: 2,
			Timeout:     time.Second,
			RateLimit:   config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
			Retry: config.RetryConfig{
				MaxAttempts:       2,
				BaseDelay:         time.Millisecond,
				MaxDelay:          10 * time.Millisecond,
				BackoffMultiplier: 2,
			},
			ConnectionPool: config.ConnectionPoolConfig{
				MaxIdleConns:    1,
				MaxConnsPerHost: 1,
				IdleConnTimeout: time.Second,
			},
		},
	}
}

// fakeMessari serves two pages of assets, then the 404 status body Messari
// uses to mark the end of the listing.
func fakeMessari(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 2 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status":{"elapsed":1,"error_code":404,"error_message":"Not Found"}}`)
			return
		}

		resp := models.MessariAssetsResponse{
			Data: []models.MessariAsset{
				{ID: fmt.Sprintf("asset-%d-a", page), Symbol: "AAA", Name: "Asset A", Slug: "asset-a"},
				{ID: fmt.Sprintf("asset-%d-b", page), Symbol: "BBB", Name: "Asset B", Slug: "asset-b"},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestOneShotSweep(t *testing.T) {
	srv := fakeMessari(t)
	defer srv.Close()

	cfg := minimalConfig(srv.URL)
	channels := channel.NewChannels(8, 8)
	r := NewAssetsReader(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish its one-shot sweep")
	}
	r.Stop()

	stats := r.Stats()
	if stats.Sweeps != 1 {
		t.Errorf("expected 1 sweep, got %d", stats.Sweeps)
	}
	if stats.PagesFetched != 2 {
		t.Errorf("expected 2 pages, got %d", stats.PagesFetched)
	}
	if stats.PageErrors != 0 {
		t.Errorf("expected no page errors, got %d", stats.PageErrors)
	}

	channels.CloseRaw()
	pages := map[int]bool{}
	for raw := range channels.Raw {
		var parsed models.MessariAssetsResponse
		if err := json.Unmarshal(raw.Data, &parsed); err != nil {
			t.Fatalf("raw page payload not valid JSON: %v", err)
		}
		if len(parsed.Data) != 2 {
			t.Errorf("page %d has %d assets, want 2", raw.Page, len(parsed.Data))
		}
		pages[raw.Page] = true
	}
	if !pages[1] || !pages[2] {
		t.Errorf("expected pages 1 and 2, got %v", pages)
	}
}

func TestFetchFailureSurfacesAsPageError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := minimalConfig(srv.URL)
	cfg.Fetcher.MaxPages = 2
	channels := channel.NewChannels(8, 8)
	r := NewAssetsReader(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
	r.Stop()

	stats := r.Stats()
	if stats.PagesFetched != 0 {
		t.Errorf("expected no pages fetched, got %d", stats.PagesFetched)
	}
	if stats.PageErrors != 2 {
		t.Errorf("expected 2 page errors, got %d", stats.PageErrors)
	}
}

func TestGatewayErrorSurfacesAsPageError(t *testing.T) {
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"message":"service unavailable"}`)
	}))
	defer srv.Close()

	cfg := minimalConfig(srv.URL)
	cfg.Fetcher.MaxPages = 2
	channels := channel.NewChannels(8, 8)
	r := NewAssetsReader(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
	r.Stop()

	// A 503 with a JSON body that carries no Messari status block must not
	// read as the end of the listing.
	stats := r.Stats()
	if stats.PagesFetched != 0 {
		t.Errorf("expected no pages fetched, got %d", stats.PagesFetched)
	}
	if stats.PageErrors != 2 {
		t.Errorf("expected 2 page errors, got %d", stats.PageErrors)
	}
	if got := atomic.LoadInt64(&requests); got != 4 {
		t.Errorf("expected 2 attempts per page, got %d requests", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	srv := fakeMessari(t)
	defer srv.Close()

	cfg := minimalConfig(srv.URL)
	channels := channel.NewChannels(8, 8)
	r := NewAssetsReader(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
	<-r.Done()
	r.Stop()
}
