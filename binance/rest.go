package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "marketwatch/config"
	"marketwatch/logger"
	"marketwatch/models"
)

// RestClient is the request/response collaborator for snapshots and
// historical daily candles, backed by the binance-go client with a pooled
// HTTP transport and a shared request limiter.
type RestClient struct {
	config  *appconfig.Config
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewRestClient creates a RestClient from the binance section of the
// configuration.
func NewRestClient(cfg *appconfig.Config) *RestClient {
	pool := cfg.Binance.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}

	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Subscription.SnapshotTimeout,
	}
	client.SetApiEndpoint(cfg.Binance.RestURL)

	return &RestClient{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Binance.RequestsPerSecond), cfg.Binance.RequestBurst),
		log:     logger.GetLogger(),
	}
}

// FetchSnapshot fetches the authoritative depth snapshot for symbol.
func (rc *RestClient) FetchSnapshot(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	if err := rc.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	started := time.Now()
	res, err := rc.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot for %s: %w", symbol, err)
	}

	snapshot := &models.DepthSnapshot{
		LastUpdateID: uint64(res.LastUpdateID),
		Bids:         make([][2]string, 0, len(res.Bids)),
		Asks:         make([][2]string, 0, len(res.Asks)),
	}
	for _, b := range res.Bids {
		snapshot.Bids = append(snapshot.Bids, [2]string{b.Price, b.Quantity})
	}
	for _, a := range res.Asks {
		snapshot.Asks = append(snapshot.Asks, [2]string{a.Price, a.Quantity})
	}

	size := 0
	for _, lvl := range res.Bids {
		size += len(lvl.Price) + len(lvl.Quantity)
	}
	for _, lvl := range res.Asks {
		size += len(lvl.Price) + len(lvl.Quantity)
	}
	logger.IncrementSnapshotLoad(size)

	rc.log.LogPerformance("binance_rest", "depth_snapshot", time.Since(started), logger.Fields{
		"symbol":         symbol,
		"last_update_id": snapshot.LastUpdateID,
		"levels":         len(snapshot.Bids) + len(snapshot.Asks),
	})

	return snapshot, nil
}

// DailyKlines fetches up to limit historical daily candles for symbol. An
// empty response is an error: every listed symbol has at least one candle.
func (rc *RestClient) DailyKlines(ctx context.Context, symbol string, limit int) ([]models.DailyCandle, error) {
	if limit <= 0 {
		limit = models.DefaultDailyCandleLimit
	}
	if err := rc.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	rows, err := rc.client.NewKlinesService().
		Symbol(symbol).
		Interval(rc.config.Subscription.KlineInterval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("daily klines for %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("daily klines for %s: empty response", symbol)
	}

	nowMs := time.Now().UnixMilli()
	candles := make([]models.DailyCandle, 0, len(rows))
	for i, row := range rows {
		candle, err := candleFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("daily klines for %s, row %d: %w", symbol, i, err)
		}
		// The final row is usually the in-progress day.
		candle.IsClosed = candle.CloseTimeMs <= nowMs
		candles = append(candles, candle)
	}

	return candles, nil
}

func candleFromRow(row *binance.Kline) (models.DailyCandle, error) {
	open, err := strconv.ParseFloat(row.Open, 64)
	if err != nil {
		return models.DailyCandle{}, fmt.Errorf("parse open %q: %w", row.Open, err)
	}
	high, err := strconv.ParseFloat(row.High, 64)
	if err != nil {
		return models.DailyCandle{}, fmt.Errorf("parse high %q: %w", row.High, err)
	}
	low, err := strconv.ParseFloat(row.Low, 64)
	if err != nil {
		return models.DailyCandle{}, fmt.Errorf("parse low %q: %w", row.Low, err)
	}
	closePrice, err := strconv.ParseFloat(row.Close, 64)
	if err != nil {
		return models.DailyCandle{}, fmt.Errorf("parse close %q: %w", row.Close, err)
	}
	volume, err := strconv.ParseFloat(row.Volume, 64)
	if err != nil {
		return models.DailyCandle{}, fmt.Errorf("parse volume %q: %w", row.Volume, err)
	}

	return models.DailyCandle{
		OpenTimeMs:  row.OpenTime,
		CloseTimeMs: row.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
	}, nil
}
