package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"marketwatch/alert"
	"marketwatch/book"
	appconfig "marketwatch/config"
	"marketwatch/logger"
	"marketwatch/models"
	"marketwatch/stream"
)

type fakeTransport struct {
	messages chan stream.Inbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(chan stream.Inbound, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error        { return nil }
func (f *fakeTransport) Disconnect() error                        { return nil }
func (f *fakeTransport) Reconnect(ctx context.Context) error      { return nil }
func (f *fakeTransport) StartListening(ctx context.Context) error { return nil }

func (f *fakeTransport) SubscribeDepth(ctx context.Context, symbol string, updateSpeedMs int) error {
	return nil
}
func (f *fakeTransport) SubscribeTrade(ctx context.Context, symbol string) error { return nil }
func (f *fakeTransport) SubscribeKline(ctx context.Context, symbol, interval string) error {
	return nil
}
func (f *fakeTransport) Unsubscribe(ctx context.Context, symbol, streamType string) error {
	return nil
}

func (f *fakeTransport) Status() stream.ConnectionStatus {
	return stream.ConnectionStatus{State: stream.StateConnected}
}

func (f *fakeTransport) Messages() <-chan stream.Inbound { return f.messages }

type fakeFetcher struct{}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
	return &models.DepthSnapshot{
		LastUpdateID: 10,
		Bids:         [][2]string{{"100.0", "1.2"}},
		Asks:         [][2]string{{"100.5", "0.8"}},
	}, nil
}

func (f *fakeFetcher) DailyKlines(ctx context.Context, symbol string, limit int) ([]models.DailyCandle, error) {
	return nil, nil
}

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Channels.EventBuffer = 64
	cfg.Channels.ControlBuffer = 4
	cfg.Subscription.DepthUpdateSpeedMs = 100
	cfg.Subscription.SnapshotLimit = 100
	cfg.Subscription.SnapshotTimeout = time.Second
	cfg.Subscription.KlineInterval = "1d"
	cfg.Subscription.DailyCandleLimit = 3
	cfg.Subscription.MaxSubscriptions = 10
	cfg.Subscription.IdleTick = time.Hour
	cfg.Subscription.ValidateEvery = 100
	return cfg
}

// testManager starts a manager whose transports are remembered so tests can
// inject frames.
func testManager(t *testing.T, cfg *appconfig.Config) (*Manager, *sync.Map) {
	t.Helper()
	transports := &sync.Map{}
	fetcher := &fakeFetcher{}
	var n int
	var mu sync.Mutex
	m := NewManager(cfg, func() stream.Transport {
		ft := newFakeTransport()
		mu.Lock()
		transports.Store(n, ft)
		n++
		mu.Unlock()
		return ft
	}, fetcher, fetcher, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, transports
}

func lastTransport(t *testing.T, transports *sync.Map) *fakeTransport {
	t.Helper()
	var last *fakeTransport
	var maxKey = -1
	transports.Range(func(k, v any) bool {
		if key := k.(int); key > maxKey {
			maxKey = key
			last = v.(*fakeTransport)
		}
		return true
	})
	if last == nil {
		t.Fatalf("no transport created")
	}
	return last
}

func tradeInbound(t *testing.T, symbol, price string) stream.Inbound {
	t.Helper()
	data, err := json.Marshal(models.TradeMessage{
		Event:     "trade",
		EventTime: time.Now().UnixMilli(),
		Symbol:    symbol,
		Price:     price,
		Quantity:  "1.0",
	})
	if err != nil {
		t.Fatalf("marshal trade: %v", err)
	}
	return stream.Inbound{Msg: &models.StreamMessage{
		Stream: strings.ToLower(symbol) + "@trade",
		Data:   data,
	}}
}

func TestValidateSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		valid  bool
	}{
		{"BTCUSDT", true},
		{"ETH", true},
		{"1000SHIBUSDT", true},
		{"BT", false},
		{"THIS-SYMBOL-IS-MUCH-TOO-LONG", false},
		{"BTC-USD", false},
		{"btc usd", false},
	}
	for _, c := range cases {
		err := validateSymbol(strings.ToUpper(c.symbol))
		if c.valid && err != nil {
			t.Errorf("%s: unexpected error: %v", c.symbol, err)
		}
		if !c.valid && err == nil {
			t.Errorf("%s: expected error", c.symbol)
		}
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m, _ := testManager(t, testConfig())

	if err := m.Subscribe("btcusdt"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	symbols := m.Symbols()
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols = %v, want [BTCUSDT]", symbols)
	}

	if err := m.Subscribe("BTCUSDT"); err == nil {
		t.Fatalf("duplicate subscribe did not fail")
	}
	if err := m.Subscribe("B"); err == nil {
		t.Fatalf("invalid symbol did not fail")
	}

	if err := m.Unsubscribe("BTCUSDT"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if len(m.Symbols()) != 0 {
		t.Fatalf("symbols remain after unsubscribe: %v", m.Symbols())
	}
	if err := m.Unsubscribe("BTCUSDT"); err == nil {
		t.Fatalf("unsubscribe of unknown symbol did not fail")
	}
}

func TestSubscriptionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Subscription.MaxSubscriptions = 1
	m, _ := testManager(t, cfg)

	if err := m.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := m.Subscribe("ETHUSDT"); err == nil {
		t.Fatalf("subscribe past the limit did not fail")
	}
}

func TestPriceEventFeedsAlerts(t *testing.T) {
	m, transports := testManager(t, testConfig())

	if _, err := m.Alerts().Add("BTCUSDT", alert.Above, 100, alert.Once, 0, 0); err != nil {
		t.Fatalf("add alert failed: %v", err)
	}
	if err := m.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ft := lastTransport(t, transports)
	ft.messages <- tradeInbound(t, "BTCUSDT", "101.5")

	select {
	case trig := <-m.Triggers():
		if trig.Symbol != "BTCUSDT" || trig.Price != 101.5 {
			t.Errorf("unexpected trigger: %+v", trig)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("alert trigger never arrived")
	}

	if price, ok := m.LatestPrice("BTCUSDT"); !ok || price != 101.5 {
		t.Errorf("latest price = %v (%v), want 101.5", price, ok)
	}
}

func TestBookCacheFollowsUpdates(t *testing.T) {
	m, _ := testManager(t, testConfig())

	if err := m.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// The initial snapshot becomes visible once the manager consumes the
	// book event emitted during initialization.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if b, ok := m.Book("BTCUSDT"); ok {
			if b.LastUpdateID != 10 {
				t.Fatalf("last update id = %d, want 10", b.LastUpdateID)
			}
			if len(b.Bids) != 1 || b.Bids[0].Price != 100.0 {
				t.Fatalf("bids = %+v", b.Bids)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("book never reached the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeWhenStopped(t *testing.T) {
	cfg := testConfig()
	m := NewManager(cfg, func() stream.Transport { return newFakeTransport() },
		&fakeFetcher{}, &fakeFetcher{}, nil)

	if err := m.Subscribe("BTCUSDT"); err == nil {
		t.Fatalf("subscribe on a stopped manager did not fail")
	}
}

func TestErrorSeverityEscalates(t *testing.T) {
	m, _ := testManager(t, testConfig())

	log := logger.GetLogger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stdout) })

	m.handleEvent(stream.ErrorEvent{
		Symbol:   "BTCUSDT",
		Message:  "book out of sequence",
		Severity: book.SeverityError,
	})
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "book out of sequence") {
		t.Fatalf("error severity was not escalated: %s", out)
	}

	buf.Reset()
	m.handleEvent(stream.ErrorEvent{
		Symbol:   "BTCUSDT",
		Message:  "malformed level",
		Severity: book.SeverityWarning,
	})
	if out := buf.String(); strings.Contains(out, "malformed level") {
		t.Fatalf("warning severity escalated: %s", out)
	}
}
