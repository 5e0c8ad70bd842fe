package stream

import (
	"encoding/json"
	"strings"

	"marketwatch/models"
)

// Decoded is the closed set of typed frames a subscription dispatches on.
// Frames are classified once here, at the transport boundary, so the run
// loop can match exhaustively instead of re-inspecting stream labels.
type Decoded interface {
	decodedFrame()
}

type DepthFrame struct{ Update models.DepthUpdate }
type TradeFrame struct{ Trade models.TradeMessage }
type KlineFrame struct{ Event models.KlineEvent }
type TickerFrame struct{ Ticker models.TickerMessage }

// UnknownFrame carries a frame with an unrecognized stream label; the
// subscription logs and drops it.
type UnknownFrame struct{ Stream string }

func (DepthFrame) decodedFrame()   {}
func (TradeFrame) decodedFrame()   {}
func (KlineFrame) decodedFrame()   {}
func (TickerFrame) decodedFrame()  {}
func (UnknownFrame) decodedFrame() {}

// DecodeMessage classifies one combined-stream frame by its stream label
// and unmarshals the payload into the matching type. A payload that fails
// to unmarshal is a parse-class transport error: the connection is fine,
// only this message is unreadable.
func DecodeMessage(msg *models.StreamMessage) (Decoded, error) {
	switch {
	case strings.Contains(msg.Stream, "depth"):
		var update models.DepthUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			return nil, NewTransportError(TransportParse, err)
		}
		return DepthFrame{Update: update}, nil

	case strings.Contains(msg.Stream, "kline"):
		var event models.KlineEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil, NewTransportError(TransportParse, err)
		}
		return KlineFrame{Event: event}, nil

	case strings.Contains(msg.Stream, "ticker"):
		var ticker models.TickerMessage
		if err := json.Unmarshal(msg.Data, &ticker); err != nil {
			return nil, NewTransportError(TransportParse, err)
		}
		return TickerFrame{Ticker: ticker}, nil

	case strings.Contains(msg.Stream, "trade"):
		var trade models.TradeMessage
		if err := json.Unmarshal(msg.Data, &trade); err != nil {
			return nil, NewTransportError(TransportParse, err)
		}
		return TradeFrame{Trade: trade}, nil

	default:
		return UnknownFrame{Stream: msg.Stream}, nil
	}
}
