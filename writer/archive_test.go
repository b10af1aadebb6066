package writer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"messariflow/config"
	"messariflow/logger"
	"messariflow/models"
)

func archiverConfig(format string) *config.Config {
	return &config.Config{
		Messariflow: config.MessariflowConfig{Name: "test", Version: "0.0.0"},
		Storage: config.StorageConfig{
			S3: config.S3Config{
				Enabled:     true,
				Bucket:      "test-bucket",
				Prefix:      "snapshots",
				Format:      format,
				Compression: "snappy",
			},
		},
	}
}

func TestObjectKey(t *testing.T) {
	a := &Archiver{config: archiverConfig("parquet"), log: logger.GetLogger()}

	ts := time.Date(2024, 3, 7, 12, 30, 45, 0, time.UTC)
	got := a.objectKey(ts)
	want := "snapshots/date=2024-03-07/messari_assets_20240307123045.parquet"
	if got != want {
		t.Errorf("objectKey = %q, want %q", got, want)
	}

	a.config.Storage.S3.Prefix = ""
	a.config.Storage.S3.Format = "csv"
	got = a.objectKey(ts)
	want = "date=2024-03-07/messari_assets_20240307123045.csv"
	if got != want {
		t.Errorf("objectKey = %q, want %q", got, want)
	}
}

func TestCreateCSVObject(t *testing.T) {
	a := &Archiver{config: archiverConfig("csv"), log: logger.GetLogger()}

	price := 42.5
	rank := 3
	data, err := a.createCSVObject([]models.AssetRecord{{
		ID:       "btc-id",
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Slug:     "bitcoin",
		PriceUSD: &price,
		Rank:     &rank,
	}})
	if err != nil {
		t.Fatalf("createCSVObject failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if lines[0] != "ID,Symbol,Name,Slug,Price in USD,Rank" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if lines[1] != "btc-id,BTC,Bitcoin,bitcoin,42.5,3" {
		t.Errorf("unexpected row: %q", lines[1])
	}
}

func TestCreateParquetObject(t *testing.T) {
	a := &Archiver{config: archiverConfig("parquet"), log: logger.GetLogger()}

	price := 42.5
	records := []models.AssetRecord{
		{ID: "btc-id", Symbol: "BTC", Name: "Bitcoin", Slug: "bitcoin", PriceUSD: &price, Order: 0, FetchedAt: time.Now()},
		{ID: "eth-id", Symbol: "ETH", Name: "Ethereum", Slug: "ethereum", Order: 1, FetchedAt: time.Now()},
	}

	data, err := a.createParquetObject(records)
	if err != nil {
		t.Fatalf("createParquetObject failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet file")
	}
	// Parquet files start and end with the PAR1 magic bytes.
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Error("parquet magic bytes missing")
	}
}
