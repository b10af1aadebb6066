package messari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"messariflow/config"
	"messariflow/internal/channel"
	"messariflow/logger"
	"messariflow/models"
)

// AssetsReader fetches the paginated asset listing from the Messari API and
// feeds raw pages into the pipeline. Pages are requested in concurrent
// windows until a page past the end of the listing is reached; one full pass
// over the listing is a sweep.
type AssetsReader struct {
	config   *config.Config
	client   *http.Client
	channels *channel.Channels
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	done     chan struct{}
	doneOnce sync.Once

	sweeps       int64
	pagesFetched int64
	pageErrors   int64
}

// Stats reports reader progress counters.
type Stats struct {
	Sweeps       int64 `json:"sweeps"`
	PagesFetched int64 `json:"pages_fetched"`
	PageErrors   int64 `json:"page_errors"`
}

type pageResult struct {
	count int
	empty bool
	err   error
}

// NewAssetsReader creates an AssetsReader. The HTTP client reuses pooled
// connections sized to the concurrent page window and sends the API key from
// MESSARI_API_KEY when one is set.
func NewAssetsReader(cfg *config.Config, channels *channel.Channels) *AssetsReader {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Fetcher.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fetcher.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Fetcher.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Fetcher.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	agent := cfg.Fetcher.UserAgent
	if agent == "" {
		agent = fmt.Sprintf("%s/%s", cfg.Messariflow.Name, cfg.Messariflow.Version)
	}

	httpClient := &http.Client{
		Transport: headerTransport{
			agent:  agent,
			apiKey: os.Getenv("MESSARI_API_KEY"),
			base:   transport,
		},
		Timeout: cfg.Fetcher.Timeout,
	}

	reader := &AssetsReader{
		config:   cfg,
		client:   httpClient,
		channels: channels,
		limiter: rate.NewLimiter(
			rate.Limit(cfg.Fetcher.RateLimit.RequestsPerSecond),
			cfg.Fetcher.RateLimit.BurstSize,
		),
		wg:   &sync.WaitGroup{},
		log:  log,
		done: make(chan struct{}),
	}

	log.WithComponent("messari_reader").WithFields(logger.Fields{
		"base_url":     cfg.Fetcher.BaseURL,
		"page_limit":   cfg.Fetcher.PageLimit,
		"page_workers": cfg.Fetcher.PageWorkers,
		"timeout":      cfg.Fetcher.Timeout,
	}).Info("messari reader initialized")

	return reader
}

// Start begins sweeping the asset listing. The first sweep runs immediately;
// when fetcher.interval_minutes is zero the reader signals Done after it and
// performs no further sweeps.
func (r *AssetsReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("messari_reader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"interval_minutes": r.config.Fetcher.IntervalMinutes,
	}).Info("starting messari reader")

	r.wg.Add(1)
	go r.run()

	log.Info("messari reader started successfully")
	return nil
}

// Stop signals the sweep loop to stop and waits for completion.
func (r *AssetsReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("messari_reader").Info("stopping messari reader")
	r.wg.Wait()
	r.log.WithComponent("messari_reader").Info("messari reader stopped")
}

// Done is closed after the first sweep when the reader runs in one-shot mode.
func (r *AssetsReader) Done() <-chan struct{} {
	return r.done
}

func (r *AssetsReader) Stats() Stats {
	return Stats{
		Sweeps:       atomic.LoadInt64(&r.sweeps),
		PagesFetched: atomic.LoadInt64(&r.pagesFetched),
		PageErrors:   atomic.LoadInt64(&r.pageErrors),
	}
}

func (r *AssetsReader) signalDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *AssetsReader) run() {
	defer r.wg.Done()

	log := r.log.WithComponent("messari_reader").WithFields(logger.Fields{"worker": "sweep_loop"})

	r.runSweep()

	if r.config.Fetcher.IntervalMinutes == 0 {
		log.Info("one-shot sweep finished")
		r.signalDone()
		return
	}

	interval := time.Duration(r.config.Fetcher.IntervalMinutes) * time.Minute

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("sweep loop stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			r.runSweep()
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval.Milliseconds(),
				}).Warn("sweep took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

// runSweep fetches pages in concurrent windows until a page past the end of
// the listing is seen, the optional max_pages cap is hit or the context is
// cancelled.
func (r *AssetsReader) runSweep() {
	log := r.log.WithComponent("messari_reader").WithFields(logger.Fields{"operation": "sweep"})
	log.Info("starting sweep")

	start := time.Now()
	workers := r.config.Fetcher.PageWorkers
	maxPages := r.config.Fetcher.MaxPages

	pages, records := 0, 0

	for first := 1; ; first += workers {
		if r.ctx.Err() != nil {
			return
		}
		if maxPages > 0 && first > maxPages {
			break
		}

		window := workers
		if maxPages > 0 && first+window-1 > maxPages {
			window = maxPages - first + 1
		}

		results := make([]pageResult, window)
		var windowWG sync.WaitGroup
		for i := 0; i < window; i++ {
			windowWG.Add(1)
			go func(idx, page int) {
				defer windowWG.Done()
				results[idx] = r.fetchPage(page)
			}(i, first+i)
		}
		windowWG.Wait()

		pastEnd := false
		succeeded := 0
		for _, res := range results {
			if res.err != nil {
				atomic.AddInt64(&r.pageErrors, 1)
				continue
			}
			succeeded++
			if res.empty {
				pastEnd = true
				continue
			}
			pages++
			records += res.count
		}

		// A window with no successful page cannot advance the sweep.
		if pastEnd || succeeded == 0 || r.ctx.Err() != nil {
			break
		}
	}

	atomic.AddInt64(&r.sweeps, 1)
	atomic.AddInt64(&r.pagesFetched, int64(pages))

	log.WithFields(logger.Fields{
		"pages":       pages,
		"records":     records,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("sweep completed")
}

// fetchPage retrieves a single page with retry and exponential backoff.
func (r *AssetsReader) fetchPage(page int) pageResult {
	log := r.log.WithComponent("messari_reader").WithFields(logger.Fields{
		"page":      page,
		"operation": "fetch_page",
	})

	retryCfg := r.config.Fetcher.Retry
	delay := retryCfg.BaseDelay

	var res pageResult
	for attempt := 1; attempt <= retryCfg.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return pageResult{err: err}
		}

		res = r.doFetch(page)
		if res.err == nil {
			return res
		}

		log.WithError(res.err).WithFields(logger.Fields{"attempt": attempt}).Warn("page fetch failed")

		if attempt == retryCfg.MaxAttempts {
			break
		}

		select {
		case <-r.ctx.Done():
			return pageResult{err: r.ctx.Err()}
		case <-time.After(delay):
		}

		delay *= time.Duration(retryCfg.BackoffMultiplier)
		if delay > retryCfg.MaxDelay {
			delay = retryCfg.MaxDelay
		}
	}

	return res
}

func (r *AssetsReader) doFetch(page int) pageResult {
	log := r.log.WithComponent("messari_reader").WithFields(logger.Fields{
		"page":      page,
		"operation": "fetch_page",
	})

	endpoint := fmt.Sprintf("%s?page=%d&limit=%d&fields=%s",
		r.config.Fetcher.BaseURL, page, r.config.Fetcher.PageLimit, r.config.Fetcher.Fields)

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pageResult{err: fmt.Errorf("failed to build request: %w", err)}
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return pageResult{err: fmt.Errorf("failed to fetch page %d: %w", page, err)}
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	logger.LogPerformanceEntry(log, "messari_reader", "api_request", duration, logger.Fields{
		"page": page,
	})

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pageResult{err: fmt.Errorf("failed to read page %d: %w", page, err)}
	}

	var parsed models.MessariAssetsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return pageResult{err: fmt.Errorf("unexpected status %d for page %d", resp.StatusCode, page)}
		}
		return pageResult{err: fmt.Errorf("failed to decode page %d: %w", page, err)}
	}

	// A 404 error code marks the page past the last one; that ends the sweep
	// rather than failing it.
	if parsed.Status.PageLimitReached() {
		return pageResult{empty: true}
	}
	if parsed.Status.ErrorCode != 0 {
		return pageResult{err: fmt.Errorf("messari error %d on page %d: %s",
			parsed.Status.ErrorCode, page, parsed.Status.ErrorMessage)}
	}
	// A non-2xx body without a Messari error code is a gateway or rate
	// limiter response, not an empty page.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pageResult{err: fmt.Errorf("unexpected status %d for page %d", resp.StatusCode, page)}
	}
	if len(parsed.Data) == 0 {
		return pageResult{empty: true}
	}

	raw := models.RawAssetPage{
		Page:      page,
		Data:      body,
		Timestamp: time.Now().UTC(),
	}

	if r.channels.SendRaw(r.ctx, raw) {
		logger.LogDataFlowEntry(log, "messari_api", "raw_channel", len(parsed.Data), "asset_pages")
	} else if r.ctx.Err() != nil {
		return pageResult{err: r.ctx.Err()}
	} else {
		log.Warn("raw channel is full, dropping page")
	}

	return pageResult{count: len(parsed.Data)}
}
