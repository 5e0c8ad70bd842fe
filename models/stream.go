package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// StreamMessage wraps one frame from the Binance combined stream. The
// stream label decides which typed payload Data decodes into.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate mirrors Binance's diff depth websocket event.
type DepthUpdate struct {
	Event         string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID uint64      `json:"U"`
	FinalUpdateID uint64      `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// TradeMessage mirrors Binance's trade websocket event.
type TradeMessage struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// TickerMessage mirrors the 24hr rolling window ticker event.
type TickerMessage struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
}

// KlineEvent wraps a kline payload from the websocket stream.
type KlineEvent struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     KlineData `json:"k"`
}

// KlineData is the candle body inside a KlineEvent.
type KlineData struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsClosed  bool   `json:"x"`
}

// DepthSnapshot is the REST order book snapshot payload.
type DepthSnapshot struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// PriceLevel is one parsed price/quantity pair.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// ParseLevel converts a [price, quantity] string pair into a PriceLevel.
// Non-finite prices and negative or non-finite quantities are rejected so
// they can never reach an order book.
func ParseLevel(level [2]string) (PriceLevel, error) {
	price, err := strconv.ParseFloat(level[0], 64)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse price %q: %w", level[0], err)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return PriceLevel{}, fmt.Errorf("price %q is not finite", level[0])
	}

	qty, err := strconv.ParseFloat(level[1], 64)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("parse quantity %q: %w", level[1], err)
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return PriceLevel{}, fmt.Errorf("quantity %q is invalid", level[1])
	}

	return PriceLevel{Price: price, Quantity: qty}, nil
}

// ParseLevels converts a slice of [price, quantity] pairs, failing on the
// first malformed entry.
func ParseLevels(levels [][2]string) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		parsed, err := ParseLevel(l)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}
