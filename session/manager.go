package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketwatch/alert"
	"marketwatch/book"
	appconfig "marketwatch/config"
	"marketwatch/logger"
	"marketwatch/metrics"
	"marketwatch/stream"
	"marketwatch/writer"
)

const unsubscribeTimeout = 10 * time.Second

// TransportFactory builds a fresh transport for one symbol subscription.
type TransportFactory func() stream.Transport

type handle struct {
	sub     *stream.Subscription
	control chan stream.ControlMessage
	done    chan struct{}
	cancel  context.CancelFunc
}

// Manager supervises one subscription per symbol. It consumes the merged
// event stream to maintain the latest-book cache, evaluate price alerts and
// feed the history sink, then forwards events to external consumers.
type Manager struct {
	config     *appconfig.Config
	transports TransportFactory
	snapshots  stream.SnapshotFetcher
	klines     stream.KlineFetcher
	history    *writer.HistoryWriter
	alerts     *alert.Evaluator

	events   chan stream.MarketEvent
	out      chan stream.MarketEvent
	triggers chan alert.Trigger

	mu            sync.RWMutex
	subs          map[string]*handle
	books         map[string]stream.BookUpdate
	prices        map[string]float64
	running       bool
	lastSubscribe time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

// NewManager wires the supervisor. The history writer is optional; pass nil
// when the sink is disabled.
func NewManager(
	cfg *appconfig.Config,
	transports TransportFactory,
	snapshots stream.SnapshotFetcher,
	klines stream.KlineFetcher,
	history *writer.HistoryWriter,
) *Manager {
	return &Manager{
		config:     cfg,
		transports: transports,
		snapshots:  snapshots,
		klines:     klines,
		history:    history,
		alerts:     alert.NewEvaluator(),
		events:     make(chan stream.MarketEvent, cfg.Channels.EventBuffer),
		out:        make(chan stream.MarketEvent, cfg.Channels.EventBuffer),
		triggers:   make(chan alert.Trigger, cfg.Channels.EventBuffer),
		subs:       make(map[string]*handle),
		books:      make(map[string]stream.BookUpdate),
		prices:     make(map[string]float64),
		log:        logger.GetLogger(),
	}
}

// Alerts exposes the alert evaluator for registration and listing.
func (m *Manager) Alerts() *alert.Evaluator { return m.alerts }

// Events returns the outward event stream. Events are forwarded best-effort
// after the manager has applied them to its own caches.
func (m *Manager) Events() <-chan stream.MarketEvent { return m.out }

// Triggers returns fired alert notifications.
func (m *Manager) Triggers() <-chan alert.Trigger { return m.triggers }

// Start launches the event consumer. Subscriptions are added afterwards
// via Subscribe.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("session manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consumeEvents()

	m.log.WithComponent("session_manager").Info("session manager started")
	return nil
}

// Stop shuts down every subscription and then the event consumer.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	symbols := make([]string, 0, len(m.subs))
	for symbol := range m.subs {
		symbols = append(symbols, symbol)
	}
	m.mu.Unlock()

	for _, symbol := range symbols {
		if err := m.Unsubscribe(symbol); err != nil {
			m.log.WithComponent("session_manager").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("unsubscribe during shutdown failed")
		}
	}

	m.cancel()
	m.wg.Wait()
	m.log.WithComponent("session_manager").Info("session manager stopped")
}

// Subscribe starts a session for symbol: a fresh transport is connected,
// the book is seeded from a snapshot and the stream loop launched. The
// initial connect and snapshot happen synchronously so a failure surfaces
// to the caller.
func (m *Manager) Subscribe(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := validateSymbol(symbol); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("session manager not running")
	}
	if _, exists := m.subs[symbol]; exists {
		m.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", symbol)
	}
	if len(m.subs) >= m.config.Subscription.MaxSubscriptions {
		m.mu.Unlock()
		return fmt.Errorf("subscription limit reached (%d)", m.config.Subscription.MaxSubscriptions)
	}

	control := make(chan stream.ControlMessage, m.config.Channels.ControlBuffer)
	sub := stream.NewSubscription(m.config, symbol, m.transports(), m.snapshots, m.klines, control, m.events)
	subCtx, cancel := context.WithCancel(m.ctx)
	h := &handle{sub: sub, control: control, done: make(chan struct{}), cancel: cancel}
	m.subs[symbol] = h

	// Space out consecutive subscriptions to stay under the exchange
	// connection rate limits.
	wait := m.config.Subscription.SubscribeDelay - time.Since(m.lastSubscribe)
	m.lastSubscribe = time.Now()
	if wait > 0 {
		m.lastSubscribe = m.lastSubscribe.Add(wait)
	}
	m.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-subCtx.Done():
			cancel()
			m.mu.Lock()
			delete(m.subs, symbol)
			m.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", symbol, subCtx.Err())
		}
	}

	if err := sub.Initialize(subCtx); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.subs, symbol)
		m.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", symbol, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		sub.Run(subCtx)

		m.mu.Lock()
		if m.subs[symbol] == h {
			delete(m.subs, symbol)
		}
		delete(m.books, symbol)
		delete(m.prices, symbol)
		m.mu.Unlock()
	}()

	m.log.WithComponent("session_manager").WithFields(logger.Fields{
		"symbol": symbol,
	}).Info("subscribed")
	return nil
}

// Unsubscribe requests a graceful shutdown of the symbol's session and
// waits for its loop to exit.
func (m *Manager) Unsubscribe(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	m.mu.RLock()
	h, exists := m.subs[symbol]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("not subscribed to %s", symbol)
	}

	select {
	case h.control <- stream.ControlShutdown:
	default:
	}

	select {
	case <-h.done:
	case <-time.After(unsubscribeTimeout):
		h.cancel()
		<-h.done
	}

	m.log.WithComponent("session_manager").WithFields(logger.Fields{
		"symbol": symbol,
	}).Info("unsubscribed")
	return nil
}

// ReconnectAll asks every session to drop and re-establish its connection.
func (m *Manager) ReconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for symbol, h := range m.subs {
		select {
		case h.control <- stream.ControlReconnect:
		default:
			m.log.WithComponent("session_manager").WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("control channel full, reconnect request dropped")
		}
	}
}

// Symbols lists the currently subscribed symbols.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.subs))
	for symbol := range m.subs {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// Book returns the latest replicated book for symbol, if one has arrived.
func (m *Manager) Book(symbol string) (stream.BookUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[strings.ToUpper(symbol)]
	return b, ok
}

// LatestPrice returns the last traded price for symbol.
func (m *Manager) LatestPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Metrics returns the connection metrics for symbol.
func (m *Manager) Metrics(symbol string) (metrics.Snapshot, bool) {
	m.mu.RLock()
	h, exists := m.subs[strings.ToUpper(symbol)]
	m.mu.RUnlock()
	if !exists {
		return metrics.Snapshot{}, false
	}
	return h.sub.Metrics(), true
}

func (m *Manager) consumeEvents() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev stream.MarketEvent) {
	switch e := ev.(type) {
	case stream.BookUpdate:
		m.mu.Lock()
		m.books[e.Symbol] = e
		m.mu.Unlock()

	case stream.PriceUpdate:
		m.mu.Lock()
		m.prices[e.Symbol] = e.Price
		m.mu.Unlock()

		m.evaluateAlerts(e.Symbol, e.Price)
		if m.history != nil {
			m.history.Record(writer.HistoryRecord{
				Symbol:      e.Symbol,
				Source:      "trade",
				TimestampMs: e.EventTime,
				Price:       e.Price,
			})
		}

	case stream.TickerUpdate:
		if m.history != nil {
			m.history.Record(writer.HistoryRecord{
				Symbol:      e.Symbol,
				Source:      "ticker",
				TimestampMs: time.Now().UnixMilli(),
				Price:       e.LastPrice,
				Quantity:    e.Volume,
			})
		}

	case stream.CandleUpdate:
		// The newest ring entry is the candle that just changed. It is
		// closed exactly once, on the update that sealed it.
		if m.history != nil && !e.IsSnapshot && len(e.Candles) > 0 {
			last := e.Candles[len(e.Candles)-1]
			if last.IsClosed {
				m.history.Record(writer.HistoryRecord{
					Symbol:      e.Symbol,
					Source:      "candle",
					TimestampMs: last.CloseTimeMs,
					Price:       last.Close,
					Quantity:    last.Volume,
				})
			}
		}

	case stream.ErrorEvent:
		if e.Severity >= book.SeverityError {
			m.log.WithComponent("session_manager").WithFields(logger.Fields{
				"symbol": e.Symbol,
			}).Error(e.Message)
		}
	}

	select {
	case m.out <- ev:
	default:
	}
}

func (m *Manager) evaluateAlerts(symbol string, price float64) {
	fired, ok := m.alerts.EvaluatePrice(symbol, price)
	if !ok {
		return
	}
	for _, trig := range fired {
		m.log.WithComponent("session_manager").WithFields(logger.Fields{
			"symbol":    symbol,
			"alert_id":  trig.ID,
			"direction": trig.Direction.String(),
			"threshold": trig.Threshold,
			"price":     price,
		}).Warn("price alert triggered")

		select {
		case m.triggers <- trig:
		default:
			m.log.WithComponent("session_manager").Warn("trigger channel full, alert notification dropped")
		}
	}
}

func validateSymbol(symbol string) error {
	if len(symbol) < 3 || len(symbol) > 20 {
		return fmt.Errorf("symbol '%s' must be 3 to 20 characters", symbol)
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("symbol '%s' must be alphanumeric", symbol)
		}
	}
	return nil
}
