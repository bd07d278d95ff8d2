package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/monitorbot/monitorbot/internal/domain"
)

// StreamState is the stream client's connection state.
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamConnected    StreamState = "CONNECTED"
	StreamSubscribing  StreamState = "SUBSCRIBING"
	StreamSubscribed   StreamState = "SUBSCRIBED"
	StreamClosed       StreamState = "CLOSED"
)

const (
	writeWait = 10 * time.Second

	// heartbeatInterval sends a ping/heartbeat at this cadence; the venue
	// is tolerant of plain-text "PONG"/"pong" and JSON {"type":"pong"}
	// replies, and "INVALID OPERATION" frames are ignored rather than
	// treated as a protocol error.
	heartbeatInterval = 5 * time.Second

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second

	// maxReconnectAttempts bounds the reconnect loop; after this many
	// consecutive failures the client gives up rather than retrying
	// forever. A subsequent Connect call resets the attempt budget.
	maxReconnectAttempts = 10
)

// PriceEventHandler is called for every price_change/book-derived event.
type PriceEventHandler func(domain.PriceEvent)

// TradeEventHandler is called for every trade/last_trade_price event.
type TradeEventHandler func(domain.TradeEvent)

// StreamClient is the venue real-time stream client. It owns one
// websocket connection, a local set of subscribed asset ids for replay
// on reconnect, and per-asset plus wildcard handler registries.
type StreamClient struct {
	wsURL string

	mu    sync.RWMutex
	conn  *websocket.Conn
	state StreamState
	subs  map[string]struct{}

	handlerMu      sync.RWMutex
	priceHandlers  map[string][]PriceEventHandler
	tradeHandlers  map[string][]TradeEventHandler
	priceWildcards []PriceEventHandler
	tradeWildcards []TradeEventHandler

	done chan struct{}
}

// NewStreamClient creates a venue stream client for wsURL.
func NewStreamClient(wsURL string) *StreamClient {
	return &StreamClient{
		wsURL:         wsURL,
		state:         StreamDisconnected,
		subs:          make(map[string]struct{}),
		priceHandlers: make(map[string][]PriceEventHandler),
		tradeHandlers: make(map[string][]TradeEventHandler),
		done:          make(chan struct{}),
	}
}

// State returns the client's current state.
func (c *StreamClient) State() StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *StreamClient) setState(s StreamState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the venue stream, starts the read and heartbeat loops,
// and resubscribes to every asset id previously registered via
// Subscribe (the full set, replayed in one frame).
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StreamClosed {
		c.mu.Unlock()
		return fmt.Errorf("venue/stream: %w", domain.ErrWSDisconnect)
	}
	c.mu.Unlock()
	c.setState(StreamConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setState(StreamDisconnected)
		return fmt.Errorf("venue/stream: connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StreamConnected)

	go c.readLoop()
	go c.heartbeatLoop()

	c.mu.RLock()
	assetIDs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		assetIDs = append(assetIDs, id)
	}
	c.mu.RUnlock()

	if len(assetIDs) > 0 {
		c.setState(StreamSubscribing)
		if err := c.sendSubscribe(assetIDs); err != nil {
			return fmt.Errorf("venue/stream: resubscribe: %w", err)
		}
		c.setState(StreamSubscribed)
	}

	return nil
}

// Subscribe adds assetIDs to the local subscription set (deduped) and,
// if connected, sends the subscribe frame immediately.
func (c *StreamClient) Subscribe(ctx context.Context, assetIDs []string) error {
	c.mu.Lock()
	var fresh []string
	for _, id := range assetIDs {
		if _, ok := c.subs[id]; !ok {
			c.subs[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected || len(fresh) == 0 {
		return nil
	}
	return c.sendSubscribe(fresh)
}

// Unsubscribe removes assetIDs from the local set and makes a
// best-effort attempt to notify the venue; failures are not
// propagated since the local set is already corrected.
func (c *StreamClient) Unsubscribe(assetIDs []string) {
	c.mu.Lock()
	for _, id := range assetIDs {
		delete(c.subs, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	frame := map[string]any{"type": "unsubscribe", "assets_ids": assetIDs}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
}

func (c *StreamClient) sendSubscribe(assetIDs []string) error {
	frame := map[string]any{"type": "market", "assets_ids": assetIDs}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("venue/stream: marshal subscribe: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("venue/stream: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("venue/stream: subscribe: %w", err)
	}
	return nil
}

// OnPriceEvent registers a handler for an asset id's price events;
// assetID == "" registers a wildcard handler invoked for every asset.
func (c *StreamClient) OnPriceEvent(assetID string, h PriceEventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if assetID == "" {
		c.priceWildcards = append(c.priceWildcards, h)
		return
	}
	c.priceHandlers[assetID] = append(c.priceHandlers[assetID], h)
}

// OnTradeEvent registers a handler for an asset id's trade events;
// assetID == "" registers a wildcard handler invoked for every asset.
func (c *StreamClient) OnTradeEvent(assetID string, h TradeEventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if assetID == "" {
		c.tradeWildcards = append(c.tradeWildcards, h)
		return
	}
	c.tradeHandlers[assetID] = append(c.tradeHandlers[assetID], h)
}

// Disconnect tears the client down fully: the connection is closed and
// all subscription and handler state is cleared. It will not reconnect.
func (c *StreamClient) Disconnect() error {
	c.mu.Lock()
	if c.state == StreamClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StreamClosed
	conn := c.conn
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	c.handlerMu.Lock()
	c.priceHandlers = make(map[string][]PriceEventHandler)
	c.tradeHandlers = make(map[string][]TradeEventHandler)
	c.priceWildcards = nil
	c.tradeWildcards = nil
	c.handlerMu.Unlock()

	close(c.done)

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (c *StreamClient) readLoop() {
	defer func() {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.reconnect()
			return
		}

		c.handleMessage(message)
	}
}

func (c *StreamClient) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage demultiplexes one frame. Plain-text keep-alive replies
// ("PONG", "pong") and the literal "INVALID OPERATION" error frame are
// both ignored rather than treated as malformed input.
func (c *StreamClient) handleMessage(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	upper := strings.ToUpper(trimmed)
	if upper == "PONG" || upper == "INVALID OPERATION" {
		return
	}

	var single wsEnvelope
	if err := json.Unmarshal(raw, &single); err == nil && single.EventType != "" {
		c.dispatch(single)
		return
	}

	var batch []wsEnvelope
	if err := json.Unmarshal(raw, &batch); err == nil {
		for _, env := range batch {
			c.dispatch(env)
		}
		return
	}

	var generic map[string]json.RawMessage
	if json.Unmarshal(raw, &generic) == nil {
		if t, ok := generic["type"]; ok {
			var typ string
			if json.Unmarshal(t, &typ) == nil && strings.EqualFold(typ, "pong") {
				return
			}
		}
	}
}

func (c *StreamClient) dispatch(env wsEnvelope) {
	now := time.Now()
	ts := now
	if v := numOrZero(env.Timestamp); v > 0 {
		ts = time.UnixMilli(int64(v))
	}

	switch env.EventType {
	case "price_change", "book", "update":
		if len(env.PriceChanges) > 0 {
			for _, pc := range env.PriceChanges {
				c.deliverPrice(domain.PriceEvent{
					AssetID:   pc.AssetID,
					Bid:       numOrZero(pc.Bid),
					Ask:       numOrZero(pc.Ask),
					EventKind: env.EventType,
					Timestamp: ts,
				})
			}
			return
		}
		c.deliverPrice(domain.PriceEvent{
			AssetID:   env.AssetID,
			Bid:       numOrZero(env.Bid),
			Ask:       numOrZero(env.Ask),
			EventKind: env.EventType,
			Timestamp: ts,
		})

	case "price_changed", "last_trade_price", "trade":
		c.deliverTrade(domain.TradeEvent{
			AssetID:   env.AssetID,
			Price:     numOrZero(env.Price),
			Size:      numOrZero(env.Size),
			Side:      env.Side,
			Timestamp: ts,
		})
	}
}

func (c *StreamClient) deliverPrice(evt domain.PriceEvent) {
	c.handlerMu.RLock()
	handlers := append([]PriceEventHandler{}, c.priceHandlers[evt.AssetID]...)
	handlers = append(handlers, c.priceWildcards...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *StreamClient) deliverTrade(evt domain.TradeEvent) {
	c.handlerMu.RLock()
	handlers := append([]TradeEventHandler{}, c.tradeHandlers[evt.AssetID]...)
	handlers = append(handlers, c.tradeWildcards...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

// reconnect retries Connect with exponential backoff, bounded at
// maxReconnectAttempts. If every attempt fails, the client is left
// DISCONNECTED rather than retrying forever; a later Connect call can
// still dial again.
func (c *StreamClient) reconnect() {
	delay := reconnectBaseDelay

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	// Reconnection is exhausted, not closed: the client is not
	// reconnecting on its own anymore, but a fresh Connect call must
	// still be able to dial again.
	c.setState(StreamDisconnected)
}
