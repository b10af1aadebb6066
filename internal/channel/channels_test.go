package channel

import (
	"context"
	"testing"
	"time"

	"messariflow/models"
)

func TestSendRawCountsStats(t *testing.T) {
	c := NewChannels(1, 1)

	ctx := context.Background()
	if !c.SendRaw(ctx, models.RawAssetPage{Page: 1, Timestamp: time.Now()}) {
		t.Fatal("expected send to succeed on empty channel")
	}
	// Channel is full now; the next send must drop.
	if c.SendRaw(ctx, models.RawAssetPage{Page: 2}) {
		t.Fatal("expected send to fail on full channel")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendNormRespectsCancellation(t *testing.T) {
	c := NewChannels(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.SendNorm(ctx, models.AssetBatch{BatchID: "b"}) {
		t.Fatal("expected send to fail on cancelled context")
	}
}

func TestCloseAllowsDrain(t *testing.T) {
	c := NewChannels(2, 2)
	c.SendRaw(context.Background(), models.RawAssetPage{Page: 1})
	c.CloseRaw()

	page, ok := <-c.Raw
	if !ok || page.Page != 1 {
		t.Fatalf("expected buffered page after close, got %+v ok=%v", page, ok)
	}
	if _, ok := <-c.Raw; ok {
		t.Fatal("expected channel to be drained")
	}
}
