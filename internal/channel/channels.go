package channel

import (
	"context"
	"sync"
	"time"

	"messariflow/logger"
	"messariflow/models"
)

// Stats counts traffic through the pipeline channels.
type Stats struct {
	RawSent      int64 `json:"raw_sent"`
	BatchesSent  int64 `json:"batches_sent"`
	RawDropped   int64 `json:"raw_dropped"`
	BatchDropped int64 `json:"batches_dropped"`
}

// Channels carries pages from the reader to the normalizer and asset batches
// from the normalizer to the snapshot writer.
type Channels struct {
	Raw  chan models.RawAssetPage
	Norm chan models.AssetBatch

	stats               Stats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawAssetPage, rawBufferSize),
		Norm: make(chan models.AssetBatch, normBufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("channels initialized")

	return c
}

// CloseRaw closes the raw page channel. The normalizer drains it and stops.
func (c *Channels) CloseRaw() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("raw channel closed")
}

// CloseNorm closes the batch channel. The snapshot writer drains it and stops.
func (c *Channels) CloseNorm() {
	close(c.Norm)
	c.log.WithComponent("channels").Info("norm channel closed")
}

// SendRaw delivers a raw page unless the channel is full or the context has
// been cancelled. A full channel drops the page and counts the drop.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawAssetPage) bool {
	select {
	case c.Raw <- msg:
		c.incrementRawSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementRawDropped()
		return false
	}
}

// SendNorm delivers an asset batch unless the channel is full or the context
// has been cancelled.
func (c *Channels) SendNorm(ctx context.Context, msg models.AssetBatch) bool {
	select {
	case c.Norm <- msg:
		c.incrementBatchesSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementBatchesDropped()
		return false
	}
}

func (c *Channels) incrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementBatchesSent() {
	c.statsMutex.Lock()
	c.stats.BatchesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementBatchesDropped() {
	c.statsMutex.Lock()
	c.stats.BatchDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel statistics every 30 seconds until the
// context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_pages_sent":    stats.RawSent,
		"batches_sent":      stats.BatchesSent,
		"raw_pages_dropped": stats.RawDropped,
		"batches_dropped":   stats.BatchDropped,
		"raw_channel_len":   len(c.Raw),
		"raw_channel_cap":   cap(c.Raw),
		"norm_channel_len":  len(c.Norm),
		"norm_channel_cap":  cap(c.Norm),
	}).Info("channel statistics")
}
