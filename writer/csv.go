package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"messariflow/config"
	"messariflow/logger"
	"messariflow/models"
)

// snapshotColumns is the CSV header of the snapshot file. ID is the merge
// key; the remaining columns mirror the fields requested from the API.
var snapshotColumns = []string{"ID", "Symbol", "Name", "Slug", "Price in USD", "Rank"}

// SnapshotWriter maintains the CSV snapshot of the asset listing. Incoming
// batches are buffered by asset ID and periodically merged into the file:
// fetched assets are inserted or updated and ordered as the API returned
// them, assets no longer present in the fetch keep their previous relative
// order after the fetched ones.
type SnapshotWriter struct {
	config    *config.Config
	normCh    <-chan models.AssetBatch
	archiveCh chan<- models.AssetSnapshot
	path      string
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	buffer      map[string]models.AssetRecord
	flushTicker *time.Ticker
	stopCh      chan struct{}

	flushes        int64
	recordsWritten int64
	snapshotSize   int64
	flushErrors    int64
}

// Stats reports snapshot writer progress counters.
type Stats struct {
	Flushes        int64 `json:"flushes"`
	RecordsWritten int64 `json:"records_written"`
	SnapshotSize   int64 `json:"snapshot_size"`
	FlushErrors    int64 `json:"flush_errors"`
}

// NewSnapshotWriter creates a SnapshotWriter targeting path. An empty path
// falls back to the configured snapshot path. archiveCh may be nil when
// archiving is disabled.
func NewSnapshotWriter(cfg *config.Config, normCh <-chan models.AssetBatch, path string, archiveCh chan<- models.AssetSnapshot) *SnapshotWriter {
	log := logger.GetLogger()

	if path == "" {
		path = cfg.Writer.SnapshotPath
	}

	w := &SnapshotWriter{
		config:    cfg,
		normCh:    normCh,
		archiveCh: archiveCh,
		path:      path,
		wg:        &sync.WaitGroup{},
		log:       log,
		buffer:    make(map[string]models.AssetRecord),
	}

	log.WithComponent("csv_writer").WithFields(logger.Fields{
		"path":           path,
		"flush_interval": cfg.Writer.FlushInterval,
	}).Info("csv writer initialized")

	return w
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("csv writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	log := w.log.WithComponent("csv_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting csv writer")

	w.flushTicker = time.NewTicker(w.config.Writer.FlushInterval)

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushWorker()

	log.Info("csv writer started successfully")
	return nil
}

// Stop waits for the consumer to drain the batch channel, then performs a
// final flush. The channel must be closed by the owner before Stop is called
// for a clean drain.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	if w.stopCh != nil {
		close(w.stopCh)
	}

	w.log.WithComponent("csv_writer").Info("stopping csv writer")
	w.wg.Wait()
	w.flushBuffers("shutdown")
	w.log.WithComponent("csv_writer").Info("csv writer stopped")
}

func (w *SnapshotWriter) Stats() Stats {
	return Stats{
		Flushes:        atomic.LoadInt64(&w.flushes),
		RecordsWritten: atomic.LoadInt64(&w.recordsWritten),
		SnapshotSize:   atomic.LoadInt64(&w.snapshotSize),
		FlushErrors:    atomic.LoadInt64(&w.flushErrors),
	}
}

// Path returns the snapshot file path the writer maintains.
func (w *SnapshotWriter) Path() string {
	return w.path
}

func (w *SnapshotWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("csv_writer").WithFields(logger.Fields{"worker": "consumer"})
	log.Info("starting csv writer worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-w.normCh:
			if !ok {
				log.Info("norm channel closed, worker stopping")
				return
			}
			w.addBatch(batch)
		}
	}
}

func (w *SnapshotWriter) addBatch(batch models.AssetBatch) {
	w.mu.Lock()
	for _, rec := range batch.Records {
		w.buffer[rec.ID] = rec
	}
	w.mu.Unlock()
}

func (w *SnapshotWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("csv_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			log.Info("flush worker stopping")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

// flushBuffers merges the buffered records into the snapshot file. Records
// buffered for a failed flush are lost; the previous snapshot stays intact.
func (w *SnapshotWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffered := w.buffer
	w.buffer = make(map[string]models.AssetRecord)
	w.mu.Unlock()

	if len(buffered) == 0 {
		return
	}

	log := w.log.WithComponent("csv_writer").WithFields(logger.Fields{
		"buffered_records": len(buffered),
		"reason":           reason,
		"operation":        "flush",
	})
	log.Info("flushing snapshot")

	merged, err := w.mergeSnapshot(buffered)
	if err != nil {
		atomic.AddInt64(&w.flushErrors, 1)
		log.WithError(err).Error("failed to merge snapshot")
		return
	}

	size, err := writeSnapshot(w.path, merged)
	if err != nil {
		atomic.AddInt64(&w.flushErrors, 1)
		log.WithError(err).WithFields(logger.Fields{"path": w.path}).Error("failed to write snapshot")
		return
	}

	atomic.AddInt64(&w.flushes, 1)
	atomic.AddInt64(&w.recordsWritten, int64(len(buffered)))
	atomic.StoreInt64(&w.snapshotSize, int64(len(merged)))

	log.WithFields(logger.Fields{
		"snapshot_records": len(merged),
		"file_size":        size,
	}).Info("snapshot flushed")

	logger.LogDataFlowEntry(log, "norm_channel", "csv_snapshot", len(buffered), "asset_records")

	if w.archiveCh != nil {
		snap := models.AssetSnapshot{Records: merged, FlushedAt: time.Now().UTC()}
		select {
		case w.archiveCh <- snap:
		default:
			log.Warn("archive channel is full, dropping snapshot")
		}
	}
}

// mergeSnapshot upserts the buffered records into the on-disk snapshot.
// Fetched records come first, ordered by their position in the API response;
// records only present on disk follow in their previous relative order.
func (w *SnapshotWriter) mergeSnapshot(buffered map[string]models.AssetRecord) ([]models.AssetRecord, error) {
	existing, err := LoadSnapshot(w.path)
	if err != nil {
		return nil, err
	}

	fetched := make([]models.AssetRecord, 0, len(buffered))
	for _, rec := range buffered {
		fetched = append(fetched, rec)
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Order < fetched[j].Order })

	seen := make(map[string]struct{}, len(fetched))
	for _, rec := range fetched {
		seen[rec.ID] = struct{}{}
	}

	merged := fetched
	for _, rec := range existing {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		merged = append(merged, rec)
	}

	return merged, nil
}

// LoadSnapshot reads an existing snapshot file. A missing file yields an
// empty snapshot; a file with an unexpected header is an error.
func LoadSnapshot(path string) ([]models.AssetRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	if len(header) != len(snapshotColumns) {
		return nil, fmt.Errorf("snapshot header has %d columns, want %d", len(header), len(snapshotColumns))
	}
	for i, col := range snapshotColumns {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected snapshot column %q, want %q", header[i], col)
		}
	}

	records := make([]models.AssetRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec := models.AssetRecord{
			ID:     row[0],
			Symbol: row[1],
			Name:   row[2],
			Slug:   row[3],
			Order:  i,
		}
		if row[4] != "" {
			price, err := strconv.ParseFloat(row[4], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid price on snapshot row %d: %w", i+1, err)
			}
			rec.PriceUSD = &price
		}
		if row[5] != "" {
			rank, err := strconv.Atoi(row[5])
			if err != nil {
				return nil, fmt.Errorf("invalid rank on snapshot row %d: %w", i+1, err)
			}
			rec.Rank = &rank
		}
		records = append(records, rec)
	}

	return records, nil
}

// writeSnapshot atomically replaces the snapshot file with the given records
// through a temp file and rename. Returns the written file size.
func writeSnapshot(path string, records []models.AssetRecord) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.csv")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw := csv.NewWriter(tmp)
	if err := cw.Write(snapshotColumns); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Symbol,
			rec.Name,
			rec.Slug,
			formatPrice(rec.PriceUSD),
			formatRank(rec.Rank),
		}
		if err := cw.Write(row); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to write snapshot row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to flush snapshot: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return info.Size(), nil
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func formatRank(r *int) string {
	if r == nil {
		return ""
	}
	return strconv.Itoa(*r)
}
