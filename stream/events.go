package stream

import (
	"marketwatch/book"
	"marketwatch/models"
)

// ConnectionState enumerates transport connection states.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the transport status surfaced to consumers. Reason is
// set only for StateError.
type ConnectionStatus struct {
	State  ConnectionState
	Reason string
}

// ControlMessage drives a subscription from the outside.
type ControlMessage int

const (
	// ControlShutdown stops the subscription loop and tears the
	// connection down.
	ControlShutdown ControlMessage = iota
	// ControlReconnect forces a disconnect-then-connect cycle followed by
	// a full resync.
	ControlReconnect
)

// MarketEvent is one entry on the outward event stream. The concrete types
// below form the closed set of variants.
type MarketEvent interface {
	EventSymbol() string
}

// BookUpdate carries the replicated book after a successful snapshot or
// delta application. Bids and asks are sorted best-first.
type BookUpdate struct {
	Symbol       string
	Bids         []models.PriceLevel
	Asks         []models.PriceLevel
	LastUpdateID uint64
}

// PriceUpdate carries the latest trade price.
type PriceUpdate struct {
	Symbol    string
	Price     float64
	EventTime int64
}

// TickerUpdate carries 24h rolling window statistics.
type TickerUpdate struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
	HighPrice          float64
	LowPrice           float64
	Volume             float64
}

// CandleUpdate carries the daily candle ring. IsSnapshot marks the initial
// historical preload as opposed to a live stream update.
type CandleUpdate struct {
	Symbol     string
	Candles    []models.DailyCandle
	IsSnapshot bool
}

// StatusUpdate reports a connection status change.
type StatusUpdate struct {
	Symbol string
	Status ConnectionStatus
}

// ErrorEvent surfaces a failure to consumers. Severity governs whether the
// consumer escalates it beyond logging.
type ErrorEvent struct {
	Symbol   string
	Message  string
	Severity book.Severity
}

func (e BookUpdate) EventSymbol() string   { return e.Symbol }
func (e PriceUpdate) EventSymbol() string  { return e.Symbol }
func (e TickerUpdate) EventSymbol() string { return e.Symbol }
func (e CandleUpdate) EventSymbol() string { return e.Symbol }
func (e StatusUpdate) EventSymbol() string { return e.Symbol }
func (e ErrorEvent) EventSymbol() string   { return e.Symbol }
