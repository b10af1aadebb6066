package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "messariflow/config"
	"messariflow/logger"
	"messariflow/models"
)

// parquetAssetRecord is the parquet schema of an archived snapshot. Price
// and rank are optional, matching assets the API reports without them.
type parquetAssetRecord struct {
	ID        string   `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name      string   `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slug      string   `parquet:"name=slug, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceUSD  *float64 `parquet:"name=price_usd, type=DOUBLE"`
	Rank      *int32   `parquet:"name=rank, type=INT32"`
	Order     int32    `parquet:"name=order, type=INT32"`
	FetchedAt int64    `parquet:"name=fetched_at, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; reporting the current length is enough.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// Archiver uploads flushed snapshots to S3, one object per flush under a
// date-partitioned key, in parquet or csv form.
type Archiver struct {
	config   *appconfig.Config
	snapCh   <-chan models.AssetSnapshot
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	uploads      int64
	uploadErrors int64
}

// ArchiverStats reports archiver progress counters.
type ArchiverStats struct {
	Uploads      int64 `json:"uploads"`
	UploadErrors int64 `json:"upload_errors"`
}

// NewArchiver creates an Archiver and validates the AWS credentials it will
// upload with.
func NewArchiver(cfg *appconfig.Config, snapCh <-chan models.AssetSnapshot) (*Archiver, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := &Archiver{
		config:   cfg,
		snapCh:   snapCh,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
		"format":     cfg.Storage.S3.Format,
	}).Info("s3 archiver initialized")

	return a, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("s3 archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("s3_archiver").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting s3 archiver")

	a.wg.Add(1)
	go a.worker()

	log.Info("s3 archiver started successfully")
	return nil
}

// Stop waits for the worker to drain the snapshot channel. The channel must
// be closed by the owner before Stop is called for a clean drain.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("s3_archiver").Info("stopping s3 archiver")
	a.wg.Wait()
	a.log.WithComponent("s3_archiver").Info("s3 archiver stopped")
}

func (a *Archiver) Stats() ArchiverStats {
	return ArchiverStats{
		Uploads:      atomic.LoadInt64(&a.uploads),
		UploadErrors: atomic.LoadInt64(&a.uploadErrors),
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	log := a.log.WithComponent("s3_archiver").WithFields(logger.Fields{"worker": "uploader"})
	log.Info("starting s3 archiver worker")

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case snap, ok := <-a.snapCh:
			if !ok {
				log.Info("snapshot channel closed, worker stopping")
				return
			}
			a.processSnapshot(snap)
		}
	}
}

func (a *Archiver) processSnapshot(snap models.AssetSnapshot) {
	key := a.objectKey(snap.FlushedAt)

	log := a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"s3_key":       key,
		"record_count": len(snap.Records),
		"operation":    "process_snapshot",
	})
	log.Info("archiving snapshot")

	if len(snap.Records) == 0 {
		log.Debug("snapshot has no records, skipping")
		return
	}

	var data []byte
	var err error
	switch a.config.Storage.S3.Format {
	case "csv":
		data, err = a.createCSVObject(snap.Records)
	default:
		data, err = a.createParquetObject(snap.Records)
	}
	if err != nil {
		atomic.AddInt64(&a.uploadErrors, 1)
		log.WithError(err).Error("failed to encode snapshot")
		return
	}

	if err := a.uploadToS3(key, data); err != nil {
		atomic.AddInt64(&a.uploadErrors, 1)
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	atomic.AddInt64(&a.uploads, 1)
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("snapshot archived successfully")
}

// objectKey builds the date-partitioned S3 key for a snapshot flushed at ts.
func (a *Archiver) objectKey(ts time.Time) string {
	ext := "parquet"
	if a.config.Storage.S3.Format == "csv" {
		ext = "csv"
	}

	ts = ts.UTC()
	filename := fmt.Sprintf("messari_assets_%s.%s", ts.Format("20060102150405"), ext)

	parts := []string{}
	if a.config.Storage.S3.Prefix != "" {
		parts = append(parts, a.config.Storage.S3.Prefix)
	}
	parts = append(parts, fmt.Sprintf("date=%s", ts.Format("2006-01-02")), filename)

	return filepath.ToSlash(filepath.Join(parts...))
}

func (a *Archiver) createParquetObject(records []models.AssetRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(parquetAssetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records {
		var rank *int32
		if rec.Rank != nil {
			r := int32(*rec.Rank)
			rank = &r
		}

		row := parquetAssetRecord{
			ID:        rec.ID,
			Symbol:    rec.Symbol,
			Name:      rec.Name,
			Slug:      rec.Slug,
			PriceUSD:  rec.PriceUSD,
			Rank:      rank,
			Order:     int32(rec.Order),
			FetchedAt: rec.FetchedAt.UnixMilli(),
		}

		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (a *Archiver) createCSVObject(records []models.AssetRecord) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	if err := cw.Write(snapshotColumns); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
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
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv object: %w", err)
	}

	return buf.Bytes(), nil
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	log := a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"data_size": len(data),
	})
	log.Info("uploading to S3")

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        a.config.Storage.S3.Format,
			"compression":         a.config.Storage.S3.Compression,
			"messariflow-version": a.config.Messariflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}

	log.Info("successfully uploaded to S3")
	return nil
}
