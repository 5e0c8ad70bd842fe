package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "marketwatch/config"
	"marketwatch/logger"
)

// HistoryRecord is one observed price point, sourced from a trade tick,
// a ticker frame or a closed daily candle.
type HistoryRecord struct {
	Symbol      string
	Source      string
	TimestampMs int64
	Price       float64
	Quantity    float64
}

// parquetRecord is the on-disk row layout of the history sink.
type parquetRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
}

// memoryFileWriter implements ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
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

// HistoryWriter batches price records per symbol and flushes them to S3
// as parquet objects, either on the configured interval or when a symbol
// buffer reaches the batch size.
type HistoryWriter struct {
	config   *appconfig.Config
	records  chan HistoryRecord
	s3Client *s3.Client
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	buffer   map[string][]HistoryRecord
	ticker   *time.Ticker
	log      *logger.Log
}

// NewHistoryWriter builds the sink and validates AWS credentials up front.
func NewHistoryWriter(cfg *appconfig.Config) (*HistoryWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.History.Region),
	}
	if cfg.History.AccessKeyID != "" && cfg.History.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.History.AccessKeyID,
				cfg.History.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	w := &HistoryWriter{
		config:   cfg,
		records:  make(chan HistoryRecord, cfg.History.BatchSize),
		s3Client: s3.NewFromConfig(awsConfig),
		buffer:   make(map[string][]HistoryRecord),
		log:      log,
	}

	log.WithComponent("history_writer").WithFields(logger.Fields{
		"bucket": cfg.History.Bucket,
		"region": cfg.History.Region,
		"prefix": cfg.History.Prefix,
	}).Info("history writer initialized")

	return w, nil
}

// Record enqueues one price point. When the sink cannot keep up the
// record is dropped rather than blocking the caller.
func (w *HistoryWriter) Record(rec HistoryRecord) {
	select {
	case w.records <- rec:
	default:
		w.log.WithComponent("history_writer").WithFields(logger.Fields{
			"symbol": rec.Symbol,
		}).Warn("record channel full, dropping price point")
	}
}

func (w *HistoryWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("history writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.ticker = time.NewTicker(w.config.History.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("history_writer").Info("history writer started")
	return nil
}

func (w *HistoryWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
	}
	w.wg.Wait()
	w.log.WithComponent("history_writer").Info("history writer stopped")
}

func (w *HistoryWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("shutdown")
			return
		case <-w.ticker.C:
			w.flushAll("interval")
		case rec := <-w.records:
			w.add(rec)
		}
	}
}

func (w *HistoryWriter) add(rec HistoryRecord) {
	w.mu.Lock()
	w.buffer[rec.Symbol] = append(w.buffer[rec.Symbol], rec)
	full := len(w.buffer[rec.Symbol]) >= w.config.History.BatchSize
	w.mu.Unlock()

	if full {
		w.flushSymbol(rec.Symbol, "batch_size")
	}
}

func (w *HistoryWriter) flushSymbol(symbol, reason string) {
	w.mu.Lock()
	entries := w.buffer[symbol]
	delete(w.buffer, symbol)
	w.mu.Unlock()

	if len(entries) > 0 {
		w.processBatch(symbol, entries, reason)
	}
}

func (w *HistoryWriter) flushAll(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]HistoryRecord)
	w.mu.Unlock()

	for symbol, entries := range buffers {
		if len(entries) > 0 {
			w.processBatch(symbol, entries, reason)
		}
	}
}

func (w *HistoryWriter) processBatch(symbol string, entries []HistoryRecord, reason string) {
	batchID := uuid.New().String()
	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"batch_id":     batchID,
		"symbol":       symbol,
		"record_count": len(entries),
		"reason":       reason,
	})

	data, err := w.createParquetFile(entries)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := w.objectKey(symbol, batchID, time.Now().UTC())
	if err := w.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": w.config.History.Bucket,
			"s3_key": key,
		}).Error("failed to upload to S3")
		return
	}

	logger.IncrementHistoryWrite(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("history batch uploaded")
	w.log.LogDataFlow("history_writer", symbol, "s3://"+w.config.History.Bucket, len(entries), "price_history")
}

func (w *HistoryWriter) objectKey(symbol, batchID string, ts time.Time) string {
	key := filepath.Join(
		w.config.History.Prefix,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s_%s_%s.parquet", symbol, ts.Format("20060102150405"), batchID),
	)
	return filepath.ToSlash(key)
}

func (w *HistoryWriter) createParquetFile(entries []HistoryRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(parquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		record := parquetRecord{
			Symbol:    entry.Symbol,
			Source:    entry.Source,
			Timestamp: entry.TimestampMs,
			Price:     entry.Price,
			Quantity:  entry.Quantity,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *HistoryWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.History.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"marketwatch-version": w.config.Marketwatch.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.History.Bucket, err)
	}
	return nil
}
