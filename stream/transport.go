package stream

import (
	"context"
	"fmt"

	"marketwatch/book"
	"marketwatch/models"
)

// TransportErrorKind enumerates transport failure classes.
type TransportErrorKind int

const (
	// TransportConnection covers dial and connection-loss failures.
	TransportConnection TransportErrorKind = iota
	// TransportIO covers read/write failures on an established connection.
	TransportIO
	// TransportMessage covers protocol-level message failures.
	TransportMessage
	// TransportSubscription covers stream (un)registration failures.
	TransportSubscription
	// TransportParse covers a single unreadable payload; the connection
	// itself is healthy.
	TransportParse
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportConnection:
		return "connection"
	case TransportIO:
		return "io"
	case TransportMessage:
		return "message"
	case TransportSubscription:
		return "subscription"
	case TransportParse:
		return "parse"
	default:
		return "unknown"
	}
}

// TransportError is a classified transport failure.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequiresReconnect reports whether the failure invalidates the connection.
// Parse failures never do: only one message was unreadable.
func (e *TransportError) RequiresReconnect() bool {
	return e.Kind != TransportParse
}

// Severity maps the failure to a reporting level, independent of the
// reconnect decision.
func (e *TransportError) Severity() book.Severity {
	if e.Kind == TransportParse {
		return book.SeverityWarning
	}
	return book.SeverityError
}

// NewTransportError wraps err with a transport classification.
func NewTransportError(kind TransportErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// Inbound is one delivery from the transport: either a frame or a failure.
type Inbound struct {
	Msg *models.StreamMessage
	Err error
}

// Transport is the streaming-connection collaborator. Implementations must
// deliver frames in arrival order on Messages and report failures
// explicitly, either as an Inbound.Err or from the methods below.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect(ctx context.Context) error
	SubscribeDepth(ctx context.Context, symbol string, updateSpeedMs int) error
	SubscribeTrade(ctx context.Context, symbol string) error
	SubscribeKline(ctx context.Context, symbol, interval string) error
	Unsubscribe(ctx context.Context, symbol, streamType string) error
	StartListening(ctx context.Context) error
	Status() ConnectionStatus
	Messages() <-chan Inbound
}

// SnapshotFetcher is the request/response collaborator for authoritative
// book snapshots.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error)
}

// KlineFetcher is the request/response collaborator for historical daily
// candles.
type KlineFetcher interface {
	DailyKlines(ctx context.Context, symbol string, limit int) ([]models.DailyCandle, error)
}
