package models

import (
	"encoding/json"
	"time"
)

// MessariStatus carries the status block every Messari API response starts
// with. A 404 error code on the assets listing means the requested page is
// past the end of the listing, not a failure.
type MessariStatus struct {
	Elapsed      int64  `json:"elapsed"`
	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// PageLimitReached reports whether the status marks a page past the last one.
func (s MessariStatus) PageLimitReached() bool {
	return s.ErrorCode == 404
}

// MessariMarketData holds the market data metrics requested through the
// fields parameter.
type MessariMarketData struct {
	PriceUSD *float64 `json:"price_usd"`
}

// MessariMarketcap holds the marketcap metrics requested through the fields
// parameter.
type MessariMarketcap struct {
	Rank *int `json:"rank"`
}

// MessariMetrics groups the metric subtrees the collector asks for.
type MessariMetrics struct {
	MarketData MessariMarketData `json:"market_data"`
	Marketcap  MessariMarketcap  `json:"marketcap"`
}

// MessariAsset mirrors one asset entry from the /api/v2/assets listing.
type MessariAsset struct {
	ID      string         `json:"id"`
	Slug    string         `json:"slug"`
	Symbol  string         `json:"symbol"`
	Name    string         `json:"name"`
	Metrics MessariMetrics `json:"metrics"`
}

// MessariAssetsResponse mirrors one page of the /api/v2/assets listing.
type MessariAssetsResponse struct {
	Status MessariStatus  `json:"status"`
	Data   []MessariAsset `json:"data"`
}

// RawAssetPage wraps one raw page of the Messari asset listing as fetched
// from the API, before normalization.
type RawAssetPage struct {
	Page      int
	Data      json.RawMessage
	Timestamp time.Time
}

// AssetRecord is a single flattened asset at one point in time. PriceUSD and
// Rank are nil when the API reported no value for them. Order is the position
// of the asset in the API response across all pages and drives the ordering
// of the CSV snapshot.
type AssetRecord struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	PriceUSD  *float64  `json:"price_usd"`
	Rank      *int      `json:"rank"`
	Order     int       `json:"order"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AssetBatch groups the records flattened from one fetched page.
type AssetBatch struct {
	BatchID     string        `json:"batch_id"`
	Page        int           `json:"page"`
	Records     []AssetRecord `json:"records"`
	RecordCount int           `json:"record_count"`
	Timestamp   time.Time     `json:"timestamp"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// AssetSnapshot is the fully merged asset listing produced by a snapshot
// flush, handed to the archiver for upload.
type AssetSnapshot struct {
	Records   []AssetRecord `json:"records"`
	FlushedAt time.Time     `json:"flushed_at"`
}
