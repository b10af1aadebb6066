package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"messariflow/config"
	"messariflow/internal/channel"
	"messariflow/internal/dashboard"
	"messariflow/logger"
	"messariflow/models"
	"messariflow/processor"
	"messariflow/reader/messari"
	"messariflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single fetch sweep and exit")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if *once {
		cfg.Fetcher.IntervalMinutes = 0
	}

	// An optional positional argument overrides the snapshot file path.
	snapshotPath := cfg.Writer.SnapshotPath
	if args := flag.Args(); len(args) > 0 {
		snapshotPath = args[0]
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Messariflow.Name,
		"version":  cfg.Messariflow.Version,
		"snapshot": snapshotPath,
	}).Info("starting messariflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.ProcessedBuffer,
	)

	go channels.StartMetricsReporting(ctx)

	assetsReader := messari.NewAssetsReader(cfg, channels)
	normalizer := processor.NewNormalizer(cfg, channels)

	var archiver *writer.Archiver
	var archiveCh chan models.AssetSnapshot

	if cfg.Storage.S3.Enabled {
		archiveCh = make(chan models.AssetSnapshot, 4)
		archiver, err = writer.NewArchiver(cfg, archiveCh)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	snapshotWriter := writer.NewSnapshotWriter(cfg, channels.Norm, snapshotPath, archiveCh)

	dash := dashboard.NewServer(cfg.Dashboard, func() map[string]any {
		return map[string]any{
			"reader":    assetsReader.Stats(),
			"processor": normalizer.Stats(),
			"writer":    snapshotWriter.Stats(),
			"channels":  channels.GetStats(),
		}
	}, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := assetsReader.Start(ctx); err != nil {
			log.WithError(err).Warn("assets reader failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := normalizer.Start(ctx); err != nil {
			log.WithError(err).Warn("normalizer failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("snapshot writer failed to start")
		}
	}()

	if archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Warn("archiver failed to start")
			}
		}()
	}

	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-assetsReader.Done():
		log.Info("fetch sweep completed")
	}

	log.Info("starting graceful shutdown")

	// Stop upstream first so each stage can drain its inbound channel before
	// the stage after it shuts down.
	log.Info("stopping assets reader")
	assetsReader.Stop()
	channels.CloseRaw()

	log.Info("stopping normalizer")
	normalizer.Stop()
	channels.CloseNorm()

	log.Info("stopping snapshot writer")
	snapshotWriter.Stop()

	if archiver != nil {
		close(archiveCh)
		log.Info("stopping archiver")
		archiver.Stop()
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	readerStats := assetsReader.Stats()
	log.WithFields(logger.Fields{
		"sweeps":        readerStats.Sweeps,
		"pages_fetched": readerStats.PagesFetched,
		"page_errors":   readerStats.PageErrors,
	}).Info("messariflow stopped")

	if cfg.Fetcher.IntervalMinutes == 0 && readerStats.PagesFetched == 0 && readerStats.PageErrors > 0 {
		os.Exit(1)
	}
}
