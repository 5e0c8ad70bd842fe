package alert

import (
	"math"
	"sync"
	"testing"
)

// newTestEvaluator returns an evaluator with a controllable clock.
func newTestEvaluator(startMs int64) (*Evaluator, *int64) {
	now := startMs
	e := NewEvaluator()
	e.nowMs = func() int64 { return now }
	return e, &now
}

func firedPrices(t *testing.T, e *Evaluator, symbol string, prices []float64) []float64 {
	t.Helper()
	var fired []float64
	for _, p := range prices {
		triggers, _ := e.EvaluatePrice(symbol, p)
		for range triggers {
			fired = append(fired, p)
		}
	}
	return fired
}

func TestRepeatAlertFiresOnEachCrossing(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Repeat, 0, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	fired := firedPrices(t, e, "BTCUSDT", []float64{95, 101, 99, 102})
	if len(fired) != 2 || fired[0] != 101 || fired[1] != 102 {
		t.Fatalf("fired at %v, want [101 102]", fired)
	}
}

func TestOnceAlertFiresExactlyOnce(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Once, 0, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	fired := firedPrices(t, e, "BTCUSDT", []float64{95, 101, 99, 102, 98, 103})
	if len(fired) != 1 || fired[0] != 101 {
		t.Fatalf("fired at %v, want [101]", fired)
	}
}

func TestNoFireWithoutCrossing(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Repeat, 0, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// Prices hovering above the threshold after the first firing must not
	// fire again without dipping back below it.
	fired := firedPrices(t, e, "BTCUSDT", []float64{101, 102, 103, 104})
	if len(fired) != 1 || fired[0] != 101 {
		t.Fatalf("fired at %v, want [101]", fired)
	}
}

func TestBelowDirection(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("ETHUSDT", Below, 50, Repeat, 0, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	fired := firedPrices(t, e, "ETHUSDT", []float64{55, 49, 51, 48})
	if len(fired) != 2 || fired[0] != 49 || fired[1] != 48 {
		t.Fatalf("fired at %v, want [49 48]", fired)
	}
}

func TestHysteresisBlocksReArm(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Repeat, 0, 5); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// 99 is inside the hysteresis band (above 100-5=95), so the alert
	// stays triggered and 102 must not fire. Dropping to 94 re-arms.
	fired := firedPrices(t, e, "BTCUSDT", []float64{101, 99, 102, 94, 103})
	if len(fired) != 2 || fired[0] != 101 || fired[1] != 103 {
		t.Fatalf("fired at %v, want [101 103]", fired)
	}
}

func TestCooldownSuppressesNotification(t *testing.T) {
	e, now := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Repeat, 60_000, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if triggers, _ := e.EvaluatePrice("BTCUSDT", 101); len(triggers) != 1 {
		t.Fatalf("first crossing did not notify: %v", triggers)
	}

	// Re-arm and cross again inside the cooldown window.
	*now += 1000
	e.EvaluatePrice("BTCUSDT", 99)
	*now += 1000
	if triggers, _ := e.EvaluatePrice("BTCUSDT", 102); len(triggers) != 0 {
		t.Fatalf("crossing inside cooldown notified: %v", triggers)
	}

	// After the cooldown the next crossing notifies again.
	*now += 60_000
	e.EvaluatePrice("BTCUSDT", 99)
	if triggers, _ := e.EvaluatePrice("BTCUSDT", 103); len(triggers) != 1 {
		t.Fatalf("crossing after cooldown did not notify: %v", triggers)
	}
}

func TestFirstPriceAtThresholdFires(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	if _, err := e.Add("BTCUSDT", Above, 100, Once, 0, 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	triggers, _ := e.EvaluatePrice("BTCUSDT", 100)
	if len(triggers) != 1 {
		t.Fatalf("first observation at threshold did not fire")
	}
}

func TestAddValidation(t *testing.T) {
	e, _ := newTestEvaluator(1000)

	cases := []struct {
		name       string
		symbol     string
		threshold  float64
		cooldownMs int64
		hysteresis float64
	}{
		{"zero threshold", "BTCUSDT", 0, 0, 0},
		{"negative threshold", "BTCUSDT", -5, 0, 0},
		{"nan threshold", "BTCUSDT", math.NaN(), 0, 0},
		{"inf threshold", "BTCUSDT", math.Inf(1), 0, 0},
		{"negative hysteresis", "BTCUSDT", 100, 0, -1},
		{"nan hysteresis", "BTCUSDT", 100, 0, math.NaN()},
		{"negative cooldown", "BTCUSDT", 100, -1, 0},
		{"empty symbol", "  ", 100, 0, 0},
	}
	for _, c := range cases {
		if _, err := e.Add(c.symbol, Above, c.threshold, Once, c.cooldownMs, c.hysteresis); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}

	if len(e.List()) != 0 {
		t.Errorf("invalid alerts were stored: %d", len(e.List()))
	}
}

func TestAlertLimit(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	for i := 0; i < MaxAlerts; i++ {
		if _, err := e.Add("BTCUSDT", Above, 100, Once, 0, 0); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	if _, err := e.Add("BTCUSDT", Above, 100, Once, 0, 0); err == nil {
		t.Fatalf("expected error past the alert limit")
	}
}

func TestClearAndClearAll(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	a, err := e.Add("BTCUSDT", Above, 100, Once, 0, 0)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	e.Add("ETHUSDT", Below, 50, Once, 0, 0)

	if !e.Clear(a.ID) {
		t.Fatalf("clear of existing alert returned false")
	}
	if e.Clear(a.ID) {
		t.Fatalf("clear of removed alert returned true")
	}
	if n := e.ClearAll(); n != 1 {
		t.Fatalf("clear all removed %d, want 1", n)
	}
	if len(e.List()) != 0 {
		t.Fatalf("alerts remain after clear all")
	}
}

func TestNonFinitePriceRejected(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	e.Add("BTCUSDT", Above, 100, Once, 0, 0)

	if _, changed := e.EvaluatePrice("BTCUSDT", math.NaN()); changed {
		t.Errorf("NaN price mutated state")
	}
	if triggers, _ := e.EvaluatePrice("BTCUSDT", math.Inf(1)); triggers != nil {
		t.Errorf("infinite price produced triggers")
	}
}

func TestSymbolIsolation(t *testing.T) {
	e, _ := newTestEvaluator(1000)
	e.Add("BTCUSDT", Above, 100, Once, 0, 0)

	if triggers, _ := e.EvaluatePrice("ETHUSDT", 200); len(triggers) != 0 {
		t.Fatalf("alert fired for a different symbol")
	}
	if triggers, _ := e.EvaluatePrice("btcusdt", 200); len(triggers) != 1 {
		t.Fatalf("symbol comparison is case sensitive")
	}
}

func TestConcurrentAddAndEvaluate(t *testing.T) {
	e, _ := newTestEvaluator(1_000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			if _, err := e.Add("BTCUSDT", Above, float64(100+i), Repeat, 0, 0); err != nil {
				t.Errorf("add failed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.EvaluatePrice("BTCUSDT", 50+float64(i%10))
		}
	}()
	wg.Wait()

	if got := len(e.List()); got != 25 {
		t.Fatalf("alert count after concurrent use = %d, want 25", got)
	}
	if removed := e.ClearAll(); removed != 25 {
		t.Fatalf("cleared %d alerts, want 25", removed)
	}
}
