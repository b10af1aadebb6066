package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"messariflow/config"
	"messariflow/internal/channel"
	"messariflow/logger"
	"messariflow/models"
)

// Normalizer turns raw Messari pages into ordered AssetRecord batches. Each
// page becomes one batch; record order encodes the asset's position in the
// full API response so the snapshot writer can preserve the listing order.
type Normalizer struct {
	config   *config.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	pagesProcessed   int64
	recordsProcessed int64
	errorsCount      int64
}

// Stats reports normalizer progress counters.
type Stats struct {
	PagesProcessed   int64 `json:"pages_processed"`
	RecordsProcessed int64 `json:"records_processed"`
	Errors           int64 `json:"errors"`
}

func NewNormalizer(cfg *config.Config, channels *channel.Channels) *Normalizer {
	return &Normalizer{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (n *Normalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("normalizer already running")
	}
	n.running = true
	n.ctx = ctx
	n.mu.Unlock()

	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting normalizer")

	numWorkers := n.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting normalizer workers")

	for i := 0; i < numWorkers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}

	log.Info("normalizer started successfully")
	return nil
}

// Stop waits for the workers to drain the raw channel. The channel must be
// closed by the owner before Stop is called for a clean drain.
func (n *Normalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.log.WithComponent("normalizer").Info("stopping normalizer")
	n.wg.Wait()
	n.log.WithComponent("normalizer").Info("normalizer stopped")
}

func (n *Normalizer) Stats() Stats {
	return Stats{
		PagesProcessed:   atomic.LoadInt64(&n.pagesProcessed),
		RecordsProcessed: atomic.LoadInt64(&n.recordsProcessed),
		Errors:           atomic.LoadInt64(&n.errorsCount),
	}
}

func (n *Normalizer) worker(workerID int) {
	defer n.wg.Done()

	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "normalizer",
	})

	log.Info("starting normalizer worker")

	for {
		select {
		case <-n.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case raw, ok := <-n.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}

			start := time.Now()
			processed := n.processPage(raw)
			duration := time.Since(start)

			atomic.AddInt64(&n.pagesProcessed, 1)
			atomic.AddInt64(&n.recordsProcessed, int64(processed))

			logger.LogPerformanceEntry(log, "normalizer", "process_page", duration, logger.Fields{
				"worker_id": workerID,
				"page":      raw.Page,
				"records":   processed,
			})
		}
	}
}

func (n *Normalizer) processPage(raw models.RawAssetPage) int {
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"page":      raw.Page,
		"operation": "process_page",
	})

	var parsed models.MessariAssetsResponse
	if err := json.Unmarshal(raw.Data, &parsed); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		log.WithError(err).Warn("failed to unmarshal asset page")
		return 0
	}

	records := n.flattenAssets(raw, parsed.Data)
	if len(records) == 0 {
		log.Warn("no records flattened from page")
		return 0
	}

	batch := models.AssetBatch{
		BatchID:     uuid.New().String(),
		Page:        raw.Page,
		Records:     records,
		RecordCount: len(records),
		Timestamp:   raw.Timestamp,
		ProcessedAt: time.Now().UTC(),
	}

	if n.channels.SendNorm(n.ctx, batch) {
		logger.LogDataFlowEntry(log, "raw_channel", "norm_channel", len(records), "asset_records")
	} else if n.ctx.Err() == nil {
		log.Warn("norm channel is full, dropping batch")
	}

	return len(records)
}

func (n *Normalizer) flattenAssets(raw models.RawAssetPage, assets []models.MessariAsset) []models.AssetRecord {
	records := make([]models.AssetRecord, 0, len(assets))
	base := (raw.Page - 1) * n.config.Fetcher.PageLimit

	for i, asset := range assets {
		if asset.ID == "" {
			atomic.AddInt64(&n.errorsCount, 1)
			n.log.WithComponent("normalizer").WithFields(logger.Fields{
				"page":  raw.Page,
				"index": i,
			}).Warn("asset without id, skipping")
			continue
		}

		records = append(records, models.AssetRecord{
			ID:        asset.ID,
			Symbol:    asset.Symbol,
			Name:      asset.Name,
			Slug:      asset.Slug,
			PriceUSD:  asset.Metrics.MarketData.PriceUSD,
			Rank:      asset.Metrics.Marketcap.Rank,
			Order:     base + i,
			FetchedAt: raw.Timestamp,
		})
	}

	return records
}
