package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gammazero/deque"

	"marketwatch/book"
	appconfig "marketwatch/config"
	"marketwatch/logger"
	"marketwatch/metrics"
	"marketwatch/models"
)

// State is the lifecycle phase of a subscription.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// staleLogLimit caps how many stale deltas are logged at info before the
// remainder drop to debug.
const staleLogLimit = 3

// Subscription orchestrates one symbol: it owns the order book and candle
// ring, drives connect → subscribe → snapshot → stream, and recovers from
// gaps (resync) and connection loss (reconnect). Everything it owns is
// mutated only from its own goroutine.
type Subscription struct {
	symbol string
	config *appconfig.Config

	orderbook *book.OrderBook
	candles   deque.Deque[models.DailyCandle]

	transport Transport
	snapshots SnapshotFetcher
	klines    KlineFetcher

	control <-chan ControlMessage
	events  chan<- MarketEvent

	collector *metrics.Collector
	state     State

	appliedCount uint64
	staleCount   uint64
	log          *logger.Log
}

// NewSubscription creates a subscription for symbol. Control messages arrive
// on control; derived events are forwarded to events best-effort.
func NewSubscription(
	cfg *appconfig.Config,
	symbol string,
	transport Transport,
	snapshots SnapshotFetcher,
	klines KlineFetcher,
	control <-chan ControlMessage,
	events chan<- MarketEvent,
) *Subscription {
	return &Subscription{
		symbol:    symbol,
		config:    cfg,
		orderbook: book.New(symbol),
		transport: transport,
		snapshots: snapshots,
		klines:    klines,
		control:   control,
		events:    events,
		collector: metrics.NewCollector(1000),
		state:     StateCreated,
		log:       logger.GetLogger(),
	}
}

// Symbol returns the symbol this subscription serves.
func (s *Subscription) Symbol() string { return s.symbol }

// State returns the current lifecycle phase.
func (s *Subscription) State() State { return s.state }

// Metrics returns a snapshot of the connection metrics.
func (s *Subscription) Metrics() metrics.Snapshot { return s.collector.Snapshot() }

// Initialize connects the transport, registers the depth/trade/kline
// streams, preloads historical daily candles and fetches the first
// snapshot. Any failure other than the candle preload aborts
// initialization; the subscription never reaches Running.
func (s *Subscription) Initialize(ctx context.Context) error {
	s.state = StateInitializing
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})
	log.Info("initializing subscription")

	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect for %s: %w", s.symbol, err)
	}
	if err := s.transport.StartListening(ctx); err != nil {
		return fmt.Errorf("start listening for %s: %w", s.symbol, err)
	}

	sub := s.config.Subscription
	if err := s.transport.SubscribeDepth(ctx, s.symbol, sub.DepthUpdateSpeedMs); err != nil {
		return fmt.Errorf("subscribe depth for %s: %w", s.symbol, err)
	}
	if err := s.transport.SubscribeTrade(ctx, s.symbol); err != nil {
		return fmt.Errorf("subscribe trade for %s: %w", s.symbol, err)
	}
	if err := s.transport.SubscribeKline(ctx, s.symbol, sub.KlineInterval); err != nil {
		return fmt.Errorf("subscribe kline for %s: %w", s.symbol, err)
	}

	// Candle preload failure is surfaced but does not block the
	// subscription: the ring fills from the live stream.
	if err := s.preloadCandles(ctx); err != nil {
		log.WithError(err).Warn("failed to preload daily candles")
		s.emit(ErrorEvent{
			Symbol:   s.symbol,
			Message:  fmt.Sprintf("daily candle preload failed: %v", err),
			Severity: book.SeverityWarning,
		})
	}

	if err := s.resync(ctx); err != nil {
		return fmt.Errorf("initial snapshot for %s: %w", s.symbol, err)
	}

	s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateConnected}})
	log.Info("subscription initialized")
	return nil
}

// Run is the subscription event loop: it races the control inbox, the
// transport message stream and a passive idle tick, first-ready wins. It
// returns once the subscription has shut down.
func (s *Subscription) Run(ctx context.Context) {
	s.state = StateRunning
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})
	log.Info("subscription loop started")

	idle := time.NewTicker(s.config.Subscription.IdleTick)
	defer idle.Stop()

	for s.state == StateRunning {
		select {
		case <-ctx.Done():
			s.state = StateShuttingDown

		case msg, ok := <-s.control:
			if !ok {
				// Closing the control sender is the cancellation
				// mechanism of last resort.
				s.state = StateShuttingDown
				break
			}
			s.handleControl(ctx, msg)

		case inbound, ok := <-s.transport.Messages():
			if !ok {
				log.Warn("transport message channel closed")
				s.state = StateShuttingDown
				break
			}
			if inbound.Err != nil {
				s.handleTransportError(ctx, inbound.Err)
				break
			}
			s.handleMessage(ctx, inbound.Msg)

		case <-idle.C:
			s.onIdleTick()
		}
	}

	s.shutdown(ctx)
}

func (s *Subscription) handleControl(ctx context.Context, msg ControlMessage) {
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})

	switch msg {
	case ControlShutdown:
		log.Info("shutdown requested")
		s.state = StateShuttingDown
	case ControlReconnect:
		log.Info("reconnect requested")
		if err := s.reconnect(ctx); err != nil {
			log.WithError(err).Error("reconnect failed")
		}
	default:
		log.WithFields(logger.Fields{"control": int(msg)}).Warn("unknown control message")
	}
}

func (s *Subscription) handleMessage(ctx context.Context, msg *models.StreamMessage) {
	decoded, err := DecodeMessage(msg)
	if err != nil {
		s.handleTransportError(ctx, err)
		return
	}

	switch frame := decoded.(type) {
	case DepthFrame:
		s.collector.RecordMessage(latencySinceMs(frame.Update.EventTime))
		s.handleDepth(ctx, &frame.Update)
	case TradeFrame:
		s.collector.RecordMessage(latencySinceMs(frame.Trade.EventTime))
		s.handleTrade(&frame.Trade)
	case KlineFrame:
		s.collector.RecordMessage(latencySinceMs(frame.Event.EventTime))
		s.handleKline(&frame.Event)
	case TickerFrame:
		s.collector.RecordMessage(latencySinceMs(frame.Ticker.EventTime))
		s.handleTicker(&frame.Ticker)
	case UnknownFrame:
		s.log.WithComponent("subscription").WithFields(logger.Fields{
			"symbol": s.symbol,
			"stream": frame.Stream,
		}).Debug("dropping frame with unrecognized stream label")
	}
}

func (s *Subscription) handleDepth(ctx context.Context, update *models.DepthUpdate) {
	err := s.orderbook.ApplyDepthUpdate(update)
	if err == nil {
		s.appliedCount++
		if s.appliedCount%uint64(s.config.Subscription.ValidateEvery) == 0 {
			s.checkConsistency()
		}
		s.emitBook()
		return
	}

	var bookErr *book.Error
	if !errors.As(err, &bookErr) {
		s.log.WithComponent("subscription").WithError(err).Error("unclassified depth failure")
		return
	}

	s.logBookError(bookErr)

	if bookErr.Kind != book.KindStaleMessage {
		s.collector.RecordError()
		s.emit(ErrorEvent{Symbol: s.symbol, Message: bookErr.Error(), Severity: bookErr.Severity()})
	}

	if bookErr.RequiresResync() {
		if err := s.resync(ctx); err != nil {
			s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol}).
				WithError(err).Error("resync after sequence gap failed")
			s.emit(ErrorEvent{
				Symbol:   s.symbol,
				Message:  fmt.Sprintf("resync failed: %v", err),
				Severity: book.SeverityCritical,
			})
		}
	}
}

// logBookError logs per taxonomy severity. Stale deltas are routine under
// multi-path delivery; only the first few are logged at info.
func (s *Subscription) logBookError(err *book.Error) {
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{
		"symbol": s.symbol,
		"kind":   err.Kind.String(),
	})

	switch {
	case err.Kind == book.KindStaleMessage:
		s.staleCount++
		if s.staleCount <= staleLogLimit {
			log.Info(err.Error())
		} else {
			log.Debug(err.Error())
		}
	case err.Severity() >= book.SeverityError:
		log.Error(err.Error())
	default:
		log.Warn(err.Error())
	}
}

func (s *Subscription) handleTrade(trade *models.TradeMessage) {
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		s.log.WithComponent("subscription").WithFields(logger.Fields{
			"symbol": s.symbol,
			"price":  trade.Price,
		}).Warn("unparseable trade price")
		return
	}

	s.emit(PriceUpdate{Symbol: s.symbol, Price: price, EventTime: trade.EventTime})
}

func (s *Subscription) handleTicker(ticker *models.TickerMessage) {
	last, err1 := strconv.ParseFloat(ticker.LastPrice, 64)
	change, err2 := strconv.ParseFloat(ticker.PriceChangePercent, 64)
	high, err3 := strconv.ParseFloat(ticker.HighPrice, 64)
	low, err4 := strconv.ParseFloat(ticker.LowPrice, 64)
	volume, err5 := strconv.ParseFloat(ticker.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol}).
				WithError(err).Warn("unparseable ticker field")
			return
		}
	}

	s.emit(TickerUpdate{
		Symbol:             s.symbol,
		LastPrice:          last,
		PriceChangePercent: change,
		HighPrice:          high,
		LowPrice:           low,
		Volume:             volume,
	})
}

func (s *Subscription) handleKline(event *models.KlineEvent) {
	if event.Kline.Interval != s.config.Subscription.KlineInterval {
		return
	}

	candle, err := models.CandleFromKline(event.Kline)
	if err != nil {
		s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol}).
			WithError(err).Warn("unparseable kline payload")
		return
	}

	s.upsertCandle(candle)
	s.emit(CandleUpdate{Symbol: s.symbol, Candles: s.candleSlice(), IsSnapshot: false})
}

// upsertCandle overwrites the ring entry with the same open time, which is
// how an in-progress daily candle is refreshed until it closes. New open
// times append, evicting the oldest entry past the configured cap.
func (s *Subscription) upsertCandle(candle models.DailyCandle) {
	for i := 0; i < s.candles.Len(); i++ {
		if s.candles.At(i).OpenTimeMs == candle.OpenTimeMs {
			s.candles.Set(i, candle)
			return
		}
	}

	s.candles.PushBack(candle)
	for s.candles.Len() > s.config.Subscription.DailyCandleLimit {
		s.candles.PopFront()
	}
}

func (s *Subscription) candleSlice() []models.DailyCandle {
	out := make([]models.DailyCandle, 0, s.candles.Len())
	for i := 0; i < s.candles.Len(); i++ {
		out = append(out, s.candles.At(i))
	}
	return out
}

func (s *Subscription) preloadCandles(ctx context.Context) error {
	limit := s.config.Subscription.DailyCandleLimit
	candles, err := s.klines.DailyKlines(ctx, s.symbol, limit)
	if err != nil {
		return err
	}

	for _, c := range candles {
		s.upsertCandle(c)
	}

	s.emit(CandleUpdate{Symbol: s.symbol, Candles: s.candleSlice(), IsSnapshot: true})
	return nil
}

func (s *Subscription) handleTransportError(ctx context.Context, err error) {
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})
	s.collector.RecordError()

	var terr *TransportError
	if !errors.As(err, &terr) {
		terr = NewTransportError(TransportMessage, err)
	}

	if terr.Severity() >= book.SeverityError {
		log.WithError(terr).Error("transport failure")
	} else {
		log.WithError(terr).Warn("transport failure")
	}

	// The error is surfaced regardless of whether recovery succeeds.
	s.emit(ErrorEvent{Symbol: s.symbol, Message: terr.Error(), Severity: terr.Severity()})

	if terr.RequiresReconnect() {
		if rerr := s.reconnect(ctx); rerr != nil {
			log.WithError(rerr).Error("automatic reconnect failed")
		}
	}
}

// reconnect runs the single-attempt recovery procedure: transport
// reconnect, then an unconditional snapshot replacement, since a fresh
// connection voids any sequence continuity guarantee. Retry cadence belongs
// to the supervisor.
func (s *Subscription) reconnect(ctx context.Context) error {
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})
	s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateReconnecting}})

	if err := s.transport.Reconnect(ctx); err != nil {
		s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateError, Reason: err.Error()}})
		s.emit(ErrorEvent{
			Symbol:   s.symbol,
			Message:  fmt.Sprintf("reconnect failed: %v", err),
			Severity: book.SeverityCritical,
		})
		return err
	}

	s.collector.RecordConnectionStart()

	if err := s.resync(ctx); err != nil {
		s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateError, Reason: err.Error()}})
		return fmt.Errorf("snapshot after reconnect: %w", err)
	}

	s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateConnected}})
	log.Info("reconnected and resynced")
	return nil
}

// resync replaces the book wholesale from a fresh snapshot. It never
// touches connection state.
func (s *Subscription) resync(ctx context.Context) error {
	sub := s.config.Subscription
	ctx, cancel := context.WithTimeout(ctx, sub.SnapshotTimeout)
	defer cancel()

	snapshot, err := s.snapshots.FetchSnapshot(ctx, s.symbol, sub.SnapshotLimit)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	bids, err := models.ParseLevels(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := models.ParseLevels(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}

	s.orderbook.ApplySnapshot(bids, asks, snapshot.LastUpdateID)
	s.staleCount = 0
	s.emitBook()

	s.log.WithComponent("subscription").WithFields(logger.Fields{
		"symbol":         s.symbol,
		"last_update_id": snapshot.LastUpdateID,
		"levels":         s.orderbook.TotalLevels(),
	}).Info("order book resynced from snapshot")
	return nil
}

func (s *Subscription) checkConsistency() {
	if err := s.orderbook.ValidateConsistency(); err != nil {
		s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol}).
			WithError(err).Warn("order book consistency check failed")
		s.emit(ErrorEvent{Symbol: s.symbol, Message: err.Error(), Severity: book.SeverityWarning})
	}
}

func (s *Subscription) onIdleTick() {
	snap := s.collector.Snapshot()
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{
		"symbol":   s.symbol,
		"quality":  string(snap.Quality),
		"msg_rate": snap.MessagesPerSecond,
	})
	log.Debug("idle tick")

	if s.config.Metrics.Enabled {
		log.LogMetric("subscription", "messages_per_second", snap.MessagesPerSecond, "gauge",
			logger.Fields{"symbol": s.symbol})
	}

	if snap.Quality == metrics.QualityCritical {
		log.Warn("no messages received for over 30s")
	}
}

func (s *Subscription) shutdown(ctx context.Context) {
	log := s.log.WithComponent("subscription").WithFields(logger.Fields{"symbol": s.symbol})
	log.Info("shutting down subscription")

	// Teardown failures are logged, never allowed to block termination.
	for _, streamType := range []string{"depth", "trade", "kline"} {
		if err := s.transport.Unsubscribe(ctx, s.symbol, streamType); err != nil {
			log.WithError(err).Warn("unsubscribe failed during shutdown")
		}
	}
	if err := s.transport.Disconnect(); err != nil {
		log.WithError(err).Warn("disconnect failed during shutdown")
	}

	s.emit(StatusUpdate{Symbol: s.symbol, Status: ConnectionStatus{State: StateDisconnected}})
	s.state = StateTerminated
	log.Info("subscription terminated")
}

func (s *Subscription) emitBook() {
	s.emit(BookUpdate{
		Symbol:       s.symbol,
		Bids:         s.orderbook.Bids(),
		Asks:         s.orderbook.Asks(),
		LastUpdateID: s.orderbook.LastUpdateID(),
	})
}

// emit forwards an event best-effort: a full or closed sink drops the event
// with a log line, never a subscription failure.
func (s *Subscription) emit(ev MarketEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithComponent("subscription").WithFields(logger.Fields{
				"symbol": s.symbol,
			}).Warn("event sink closed, dropping event")
		}
	}()

	select {
	case s.events <- ev:
	default:
		s.log.WithComponent("subscription").WithFields(logger.Fields{
			"symbol": s.symbol,
		}).Warn("event sink full, dropping event")
	}
}

func latencySinceMs(eventTimeMs int64) int64 {
	if eventTimeMs <= 0 {
		return -1
	}
	return time.Now().UnixMilli() - eventTimeMs
}
