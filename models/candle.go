package models

import (
	"fmt"
	"strconv"
)

// DefaultDailyCandleLimit is the number of daily candles retained per symbol.
const DefaultDailyCandleLimit = 90

// DailyCandle is the simplified daily kline representation shared across
// the app. Candles are keyed by OpenTimeMs; an open (not yet closed) candle
// is overwritten in place as the stream updates it.
type DailyCandle struct {
	OpenTimeMs  int64   `json:"open_time_ms"`
	CloseTimeMs int64   `json:"close_time_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	IsClosed    bool    `json:"is_closed"`
}

// CandleFromKline converts a websocket kline payload into a DailyCandle.
func CandleFromKline(k KlineData) (DailyCandle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return DailyCandle{}, fmt.Errorf("parse kline open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return DailyCandle{}, fmt.Errorf("parse kline high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return DailyCandle{}, fmt.Errorf("parse kline low %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return DailyCandle{}, fmt.Errorf("parse kline close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return DailyCandle{}, fmt.Errorf("parse kline volume %q: %w", k.Volume, err)
	}

	return DailyCandle{
		OpenTimeMs:  k.StartTime,
		CloseTimeMs: k.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		IsClosed:    k.IsClosed,
	}, nil
}
