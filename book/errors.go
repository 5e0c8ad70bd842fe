package book

import "fmt"

// Severity classifies how loudly a consistency failure should be reported.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrorKind enumerates the consistency failures an order book can report.
type ErrorKind int

const (
	// KindStaleMessage marks a delta entirely superseded by applied state.
	KindStaleMessage ErrorKind = iota
	// KindSequenceGap marks a delta that does not continue the update-id
	// sequence, meaning at least one message was lost.
	KindSequenceGap
	// KindPriceParse marks an unparseable price field.
	KindPriceParse
	// KindQuantityParse marks an unparseable or negative quantity field.
	KindQuantityParse
	// KindSymbolMismatch marks a delta routed to the wrong book.
	KindSymbolMismatch
	// KindCrossedBook marks best_bid >= best_ask found by a consistency check.
	KindCrossedBook
	// KindInvalidUpdate covers remaining malformed payload conditions.
	KindInvalidUpdate
)

func (k ErrorKind) String() string {
	switch k {
	case KindStaleMessage:
		return "stale_message"
	case KindSequenceGap:
		return "sequence_gap"
	case KindPriceParse:
		return "price_parse"
	case KindQuantityParse:
		return "quantity_parse"
	case KindSymbolMismatch:
		return "symbol_mismatch"
	case KindCrossedBook:
		return "crossed_book"
	case KindInvalidUpdate:
		return "invalid_update"
	default:
		return "unknown"
	}
}

// Error is a classified order book consistency failure. Expected and Actual
// carry update-id context for the sequence variants.
type Error struct {
	Kind     ErrorKind
	Symbol   string
	Expected uint64
	Actual   uint64
	Detail   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStaleMessage:
		return fmt.Sprintf("%s: stale update: final_update_id %d <= last_update_id %d", e.Symbol, e.Actual, e.Expected)
	case KindSequenceGap:
		return fmt.Sprintf("%s: sequence gap: expected first_update_id <= %d, got %d", e.Symbol, e.Expected, e.Actual)
	case KindSymbolMismatch:
		return fmt.Sprintf("symbol mismatch: book is %s, update is %s", e.Symbol, e.Detail)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Symbol, e.Kind, e.Detail)
	}
}

// Severity maps the failure to a reporting level. Stale deltas are routine
// under multi-path delivery and stay at info.
func (e *Error) Severity() Severity {
	switch e.Kind {
	case KindStaleMessage:
		return SeverityInfo
	case KindSequenceGap:
		return SeverityError
	case KindPriceParse, KindQuantityParse, KindSymbolMismatch, KindCrossedBook, KindInvalidUpdate:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// IsRecoverable reports whether the subscription can keep consuming the
// stream after this failure.
func (e *Error) IsRecoverable() bool {
	return true
}

// RequiresResync reports whether the local replica can no longer be trusted
// and must be replaced from a fresh snapshot. Only a sequence gap forces
// that; malformed payloads are skipped and stale deltas ignored.
func (e *Error) RequiresResync() bool {
	return e.Kind == KindSequenceGap
}

func newStale(symbol string, finalID, lastID uint64) *Error {
	return &Error{Kind: KindStaleMessage, Symbol: symbol, Expected: lastID, Actual: finalID}
}

func newSequenceGap(symbol string, firstID, lastID uint64) *Error {
	return &Error{Kind: KindSequenceGap, Symbol: symbol, Expected: lastID + 1, Actual: firstID}
}
