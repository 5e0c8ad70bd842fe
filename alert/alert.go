package alert

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// MaxAlerts caps the number of alerts held by one evaluator.
const MaxAlerts = 50

// Direction selects which side of the threshold an alert watches.
type Direction int

const (
	Above Direction = iota
	Below
)

func (d Direction) String() string {
	if d == Below {
		return "below"
	}
	return "above"
}

// RepeatMode controls whether an alert can notify more than once.
type RepeatMode int

const (
	// Once never re-arms and never notifies a second time.
	Once RepeatMode = iota
	// Repeat re-arms after the price backs off past the hysteresis band
	// and notifies again subject to the cooldown.
	Repeat
)

// Alert is one stateful threshold watcher.
type Alert struct {
	ID        uint64
	Symbol    string
	Direction Direction
	Threshold float64

	Repeat     RepeatMode
	CooldownMs int64
	Hysteresis float64

	Triggered      bool
	LastPrice      *float64
	LastNotifiedMs *int64
	CreatedAtMs    int64
}

// Trigger is returned for each alert whose firing passed notification
// suppression.
type Trigger struct {
	ID        uint64
	Symbol    string
	Direction Direction
	Threshold float64
	Price     float64
}

// Evaluator owns the alert collection for a session. It is driven from the
// price event stream and is safe for concurrent use, so alerts can be added
// or cleared while prices flow.
type Evaluator struct {
	mu     sync.Mutex
	alerts []*Alert
	nextID uint64
	nowMs  func() int64
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		nextID: 1,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Add validates and registers a new alert. The symbol is normalized to
// uppercase; threshold must be finite and positive, hysteresis finite and
// non-negative.
func (e *Evaluator) Add(symbol string, dir Direction, threshold float64, mode RepeatMode, cooldownMs int64, hysteresis float64) (*Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.alerts) >= MaxAlerts {
		return nil, fmt.Errorf("maximum alert limit (%d) reached", MaxAlerts)
	}
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold <= 0 {
		return nil, fmt.Errorf("threshold must be a positive, finite number")
	}
	if math.IsNaN(hysteresis) || math.IsInf(hysteresis, 0) || hysteresis < 0 {
		return nil, fmt.Errorf("hysteresis must be a non-negative, finite number")
	}
	if cooldownMs < 0 {
		return nil, fmt.Errorf("cooldown must not be negative")
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}

	a := &Alert{
		ID:          e.nextID,
		Symbol:      symbol,
		Direction:   dir,
		Threshold:   threshold,
		Repeat:      mode,
		CooldownMs:  cooldownMs,
		Hysteresis:  hysteresis,
		CreatedAtMs: e.nowMs(),
	}
	e.nextID++
	e.alerts = append(e.alerts, a)
	return a, nil
}

// List returns a copy of the current alerts.
func (e *Evaluator) List() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	return out
}

// Clear removes one alert by id, reporting whether it existed.
func (e *Evaluator) Clear(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range e.alerts {
		if a.ID == id {
			e.alerts = append(e.alerts[:i], e.alerts[i+1:]...)
			return true
		}
	}
	return false
}

// ClearAll removes every alert, returning the number removed.
func (e *Evaluator) ClearAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := len(e.alerts)
	e.alerts = nil
	return removed
}

// EvaluatePrice runs every alert on symbol against price. It returns the
// notified triggers and whether any alert state changed. Non-finite prices
// are rejected without touching state.
func (e *Evaluator) EvaluatePrice(symbol string, price float64) ([]Trigger, bool) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	now := e.nowMs()

	var triggers []Trigger
	changed := false

	for _, a := range e.alerts {
		if a.Symbol != symbol {
			continue
		}

		if e.step(a, price, now) {
			changed = true
			if e.shouldNotify(a, now) {
				a.LastNotifiedMs = &now
				triggers = append(triggers, Trigger{
					ID:        a.ID,
					Symbol:    a.Symbol,
					Direction: a.Direction,
					Threshold: a.Threshold,
					Price:     price,
				})
			}
		}

		// LastPrice moves on every call so edge detection stays correct
		// across sequences that never cross the threshold.
		if a.LastPrice == nil || *a.LastPrice != price {
			changed = true
		}
		p := price
		a.LastPrice = &p
	}

	return triggers, changed
}

// step advances one alert's armed/fired state and reports whether it fired
// on this price.
func (e *Evaluator) step(a *Alert, price float64, nowMs int64) bool {
	switch a.Direction {
	case Above:
		if a.Triggered {
			if a.Repeat == Repeat && price <= a.Threshold-a.Hysteresis {
				a.Triggered = false
			}
			return false
		}
		if price >= a.Threshold && (a.LastPrice == nil || *a.LastPrice < a.Threshold) {
			a.Triggered = true
			return true
		}
	case Below:
		if a.Triggered {
			if a.Repeat == Repeat && price >= a.Threshold+a.Hysteresis {
				a.Triggered = false
			}
			return false
		}
		if price <= a.Threshold && (a.LastPrice == nil || *a.LastPrice > a.Threshold) {
			a.Triggered = true
			return true
		}
	}
	return false
}

// shouldNotify applies notification suppression: Once alerts notify a single
// time ever, Repeat alerts honor the cooldown since the last notification.
func (e *Evaluator) shouldNotify(a *Alert, nowMs int64) bool {
	if a.LastNotifiedMs == nil {
		return true
	}
	if a.Repeat == Once {
		return false
	}
	return nowMs-*a.LastNotifiedMs >= a.CooldownMs
}
