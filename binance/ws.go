package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "marketwatch/config"
	"marketwatch/logger"
	"marketwatch/models"
	"marketwatch/stream"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
)

// wsRequest is the SUBSCRIBE/UNSUBSCRIBE frame format of the combined
// stream endpoint.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// wsResponse acknowledges a wsRequest; it has no stream label.
type wsResponse struct {
	Result json.RawMessage `json:"result"`
	ID     *uint64         `json:"id"`
	Error  json.RawMessage `json:"error"`
}

// WSClient implements stream.Transport over one gorilla/websocket
// connection to the combined stream endpoint. Registered stream names are
// remembered so a reconnect restores them.
type WSClient struct {
	config *appconfig.Config
	log    *logger.Log

	mu      sync.RWMutex
	conn    *websocket.Conn
	status  stream.ConnectionStatus
	streams map[string]struct{}

	writeMu   sync.Mutex
	closing   atomic.Bool
	listening bool
	nextID    atomic.Uint64
	wg        sync.WaitGroup

	messages chan stream.Inbound
}

// NewWSClient creates a transport for the configured websocket endpoint.
func NewWSClient(cfg *appconfig.Config) *WSClient {
	return &WSClient{
		config:   cfg,
		log:      logger.GetLogger(),
		status:   stream.ConnectionStatus{State: stream.StateDisconnected},
		streams:  make(map[string]struct{}),
		messages: make(chan stream.Inbound, cfg.Channels.EventBuffer),
	}
}

// Status reports the current connection status.
func (c *WSClient) Status() stream.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Messages returns the ordered delivery channel. It stays open across
// reconnects and is owned by the client.
func (c *WSClient) Messages() <-chan stream.Inbound {
	return c.messages
}

// Connect dials the endpoint.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.status = stream.ConnectionStatus{State: stream.StateConnecting}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.Binance.WsURL, nil)
	if err != nil {
		c.status = stream.ConnectionStatus{State: stream.StateError, Reason: err.Error()}
		return stream.NewTransportError(stream.TransportConnection, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	c.conn = conn
	c.closing.Store(false)
	c.status = stream.ConnectionStatus{State: stream.StateConnected}

	c.log.WithComponent("binance_ws").WithFields(logger.Fields{
		"url": c.config.Binance.WsURL,
	}).Info("websocket connected")
	return nil
}

// Disconnect closes the connection. The read loop exits quietly.
func (c *WSClient) Disconnect() error {
	c.closing.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.status = stream.ConnectionStatus{State: stream.StateDisconnected}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	err := conn.Close()
	c.wg.Wait()

	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()

	if err != nil {
		return stream.NewTransportError(stream.TransportConnection, err)
	}
	return nil
}

// Reconnect is disconnect-then-connect plus restoration of the previously
// registered streams.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.status = stream.ConnectionStatus{State: stream.StateReconnecting}
	c.mu.Unlock()

	if err := c.Disconnect(); err != nil {
		c.log.WithComponent("binance_ws").WithError(err).Warn("disconnect before reconnect failed")
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.StartListening(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	streams := make([]string, 0, len(c.streams))
	for name := range c.streams {
		streams = append(streams, name)
	}
	c.mu.RUnlock()

	if len(streams) > 0 {
		if err := c.send(ctx, "SUBSCRIBE", streams); err != nil {
			return stream.NewTransportError(stream.TransportSubscription, err)
		}
	}

	return nil
}

// StartListening launches the read loop feeding Messages.
func (c *WSClient) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return stream.NewTransportError(stream.TransportConnection,
			fmt.Errorf("not connected"))
	}
	if c.listening {
		return nil
	}
	c.listening = true

	conn := c.conn
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.mu.Lock()
			c.status = stream.ConnectionStatus{State: stream.StateError, Reason: err.Error()}
			c.mu.Unlock()
			c.deliver(stream.Inbound{Err: stream.NewTransportError(stream.TransportIO, err)})
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg models.StreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.deliver(stream.Inbound{Err: stream.NewTransportError(stream.TransportParse, err)})
			continue
		}

		if msg.Stream == "" {
			// Request acknowledgment, not a stream frame.
			var resp wsResponse
			if err := json.Unmarshal(payload, &resp); err == nil && len(resp.Error) > 0 {
				c.deliver(stream.Inbound{Err: stream.NewTransportError(stream.TransportSubscription,
					fmt.Errorf("request rejected: %s", resp.Error))})
			}
			continue
		}

		logger.RecordChannelMessage("binance_ws", len(payload))
		if strings.Contains(msg.Stream, "@depth") {
			logger.IncrementDepthRead(len(payload))
		}
		c.deliver(stream.Inbound{Msg: &msg})
	}
}

// deliver pushes onto the message channel, dropping with a log line when
// the consumer has fallen too far behind.
func (c *WSClient) deliver(in stream.Inbound) {
	select {
	case c.messages <- in:
	default:
		c.log.WithComponent("binance_ws").Warn("message channel full, dropping frame")
	}
}

// SubscribeDepth registers the diff depth stream at the given update speed.
func (c *WSClient) SubscribeDepth(ctx context.Context, symbol string, updateSpeedMs int) error {
	name := fmt.Sprintf("%s@depth", strings.ToLower(symbol))
	if updateSpeedMs > 0 {
		name = fmt.Sprintf("%s@%dms", name, updateSpeedMs)
	}
	return c.subscribe(ctx, name)
}

// SubscribeTrade registers the trade stream.
func (c *WSClient) SubscribeTrade(ctx context.Context, symbol string) error {
	return c.subscribe(ctx, fmt.Sprintf("%s@trade", strings.ToLower(symbol)))
}

// SubscribeKline registers the kline stream for interval.
func (c *WSClient) SubscribeKline(ctx context.Context, symbol, interval string) error {
	return c.subscribe(ctx, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval))
}

// Unsubscribe removes the stream matching the stream-type label.
func (c *WSClient) Unsubscribe(ctx context.Context, symbol, streamType string) error {
	prefix := strings.ToLower(symbol) + "@" + streamType

	c.mu.Lock()
	var matched []string
	for name := range c.streams {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
			delete(c.streams, name)
		}
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return nil
	}
	if err := c.send(ctx, "UNSUBSCRIBE", matched); err != nil {
		return stream.NewTransportError(stream.TransportSubscription, err)
	}
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, name string) error {
	if err := c.send(ctx, "SUBSCRIBE", []string{name}); err != nil {
		return stream.NewTransportError(stream.TransportSubscription, err)
	}

	c.mu.Lock()
	c.streams[name] = struct{}{}
	c.mu.Unlock()

	c.log.WithComponent("binance_ws").WithFields(logger.Fields{"stream": name}).Info("subscribed")
	return nil
}

func (c *WSClient) send(ctx context.Context, method string, params []string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	req := wsRequest{Method: method, Params: params, ID: c.nextID.Add(1)}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}
	return nil
}
