package writer

import (
	"testing"
	"time"

	appconfig "marketwatch/config"
	"marketwatch/logger"
)

func testWriter() *HistoryWriter {
	cfg := &appconfig.Config{}
	cfg.History.Prefix = "price-history"
	cfg.History.Bucket = "test-bucket"
	cfg.History.BatchSize = 100
	return &HistoryWriter{
		config: cfg,
		buffer: make(map[string][]HistoryRecord),
		log:    logger.GetLogger(),
	}
}

func TestObjectKey(t *testing.T) {
	w := testWriter()
	ts := time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC)

	key := w.objectKey("BTCUSDT", "batch-id", ts)
	want := "price-history/symbol=BTCUSDT/2026/08/30/BTCUSDT_20260830140509_batch-id.parquet"
	if key != want {
		t.Fatalf("key = %s, want %s", key, want)
	}
}

func TestCreateParquetFile(t *testing.T) {
	w := testWriter()

	records := []HistoryRecord{
		{Symbol: "BTCUSDT", Source: "trade", TimestampMs: 1700000000000, Price: 42000.5, Quantity: 0.1},
		{Symbol: "BTCUSDT", Source: "ticker", TimestampMs: 1700000001000, Price: 42001.0, Quantity: 1234.5},
	}

	data, err := w.createParquetFile(records)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty parquet output")
	}

	// Parquet files end with the PAR1 magic.
	tail := string(data[len(data)-4:])
	if tail != "PAR1" {
		t.Errorf("missing parquet magic, got %q", tail)
	}
}
