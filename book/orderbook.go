package book

import (
	"sort"
	"time"

	"marketwatch/models"
)

// OrderBook is the locally replicated price-level book for one symbol. It is
// exclusively owned by its subscription goroutine, so methods are not
// synchronized; the hot update path never takes a lock.
type OrderBook struct {
	symbol string
	bids   map[float64]float64
	asks   map[float64]float64

	lastUpdateID   uint64
	snapshotTimeMs int64
	lastUpdateMs   int64
}

// New creates an empty order book for symbol. It holds no levels until the
// first snapshot is applied.
func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Symbol returns the book's immutable identity.
func (ob *OrderBook) Symbol() string { return ob.symbol }

// LastUpdateID returns the sequence cursor of the most recently applied
// snapshot or delta.
func (ob *OrderBook) LastUpdateID() uint64 { return ob.lastUpdateID }

// SnapshotTimeMs returns when the current baseline snapshot was applied.
func (ob *OrderBook) SnapshotTimeMs() int64 { return ob.snapshotTimeMs }

// ApplySnapshot replaces both sides wholesale and resets the sequence
// cursor. Zero-quantity levels are never stored.
func (ob *OrderBook) ApplySnapshot(bids, asks []models.PriceLevel, lastUpdateID uint64) {
	ob.bids = make(map[float64]float64, len(bids))
	ob.asks = make(map[float64]float64, len(asks))

	for _, l := range bids {
		if l.Quantity > 0 {
			ob.bids[l.Price] = l.Quantity
		}
	}
	for _, l := range asks {
		if l.Quantity > 0 {
			ob.asks[l.Price] = l.Quantity
		}
	}

	ob.lastUpdateID = lastUpdateID
	ob.snapshotTimeMs = time.Now().UnixMilli()
	ob.lastUpdateMs = ob.snapshotTimeMs
}

// ApplyDepthUpdate validates and applies one incremental delta.
//
// The staleness test on FinalUpdateID runs before the gap test on
// FirstUpdateID. The order matters for deltas that overlap the snapshot
// boundary: a delta with FirstUpdateID <= lastUpdateID but
// FinalUpdateID > lastUpdateID is an overlap and must be applied, not
// treated as a gap.
func (ob *OrderBook) ApplyDepthUpdate(update *models.DepthUpdate) error {
	if update.Symbol != "" && update.Symbol != ob.symbol {
		return &Error{Kind: KindSymbolMismatch, Symbol: ob.symbol, Detail: update.Symbol}
	}

	if update.FinalUpdateID <= ob.lastUpdateID {
		return newStale(ob.symbol, update.FinalUpdateID, ob.lastUpdateID)
	}

	if update.FirstUpdateID > ob.lastUpdateID+1 {
		return newSequenceGap(ob.symbol, update.FirstUpdateID, ob.lastUpdateID)
	}

	// Parse both sides before touching the maps so a malformed payload
	// leaves the book exactly as it was.
	bids, err := parseSide(ob.symbol, update.Bids)
	if err != nil {
		return err
	}
	asks, err := parseSide(ob.symbol, update.Asks)
	if err != nil {
		return err
	}

	applySide(ob.bids, bids)
	applySide(ob.asks, asks)

	ob.lastUpdateID = update.FinalUpdateID
	ob.lastUpdateMs = update.EventTime

	return nil
}

func parseSide(symbol string, levels [][2]string) ([]models.PriceLevel, error) {
	parsed, err := models.ParseLevels(levels)
	if err != nil {
		return nil, &Error{Kind: KindInvalidUpdate, Symbol: symbol, Detail: err.Error()}
	}
	return parsed, nil
}

func applySide(side map[float64]float64, levels []models.PriceLevel) {
	for _, l := range levels {
		if l.Quantity == 0 {
			delete(side, l.Price)
		} else {
			side[l.Price] = l.Quantity
		}
	}
}

// BestBid returns the highest bid price, or false when the side is empty.
func (ob *OrderBook) BestBid() (float64, bool) {
	best, found := 0.0, false
	for price := range ob.bids {
		if !found || price > best {
			best, found = price, true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask price, or false when the side is empty.
func (ob *OrderBook) BestAsk() (float64, bool) {
	best, found := 0.0, false
	for price := range ob.asks {
		if !found || price < best {
			best, found = price, true
		}
	}
	return best, found
}

// Spread returns best_ask - best_bid, or false unless both sides exist.
func (ob *OrderBook) Spread() (float64, bool) {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// TotalLevels returns the number of price levels across both sides.
func (ob *OrderBook) TotalLevels() int {
	return len(ob.bids) + len(ob.asks)
}

// TotalBidVolume sums quantities on the bid side.
func (ob *OrderBook) TotalBidVolume() float64 {
	var total float64
	for _, qty := range ob.bids {
		total += qty
	}
	return total
}

// TotalAskVolume sums quantities on the ask side.
func (ob *OrderBook) TotalAskVolume() float64 {
	var total float64
	for _, qty := range ob.asks {
		total += qty
	}
	return total
}

// Bids returns the bid side sorted best (highest) first.
func (ob *OrderBook) Bids() []models.PriceLevel {
	return sortedLevels(ob.bids, func(a, b float64) bool { return a > b })
}

// Asks returns the ask side sorted best (lowest) first.
func (ob *OrderBook) Asks() []models.PriceLevel {
	return sortedLevels(ob.asks, func(a, b float64) bool { return a < b })
}

func sortedLevels(side map[float64]float64, less func(a, b float64) bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for price, qty := range side {
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Price, out[j].Price) })
	return out
}

// ValidateConsistency is the periodic self-check: a crossed book or a
// non-positive stored quantity is reported, never repaired. The caller uses
// the result for observability only; it does not block further updates.
func (ob *OrderBook) ValidateConsistency() error {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if okBid && okAsk && bid >= ask {
		return &Error{
			Kind:   KindCrossedBook,
			Symbol: ob.symbol,
			Detail: "best bid is not below best ask",
		}
	}

	for _, side := range []map[float64]float64{ob.bids, ob.asks} {
		for _, qty := range side {
			if qty <= 0 {
				return &Error{
					Kind:   KindInvalidUpdate,
					Symbol: ob.symbol,
					Detail: "non-positive quantity stored",
				}
			}
		}
	}

	return nil
}
