package walletfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// EventHandler is called for each decoded wallet event.
type EventHandler func(domain.WalletEvent)

// subscribeCommand is the wire format for (un)subscribing to addresses.
type subscribeCommand struct {
	Type      string   `json:"type"` // "subscribe" or "unsubscribe"
	Addresses []string `json:"addresses"`
}

// eventMessage is the wire format of one wallet-activity notification.
type eventMessage struct {
	Type          string  `json:"type"` // "wallet_event"
	SourceAddress string  `json:"source_address"`
	TxID          string  `json:"tx_id"`
	TokenID       string  `json:"token_id"`
	Direction     string  `json:"direction"`
	Amount        float64 `json:"amount"`
	ObservedAt    int64   `json:"observed_at"` // unix millis
}

// Client is a WebSocket client for the wallet-activity feed. It manages the
// connection lifecycle, address subscriptions, and dispatches decoded events
// to registered handlers. Delivery is at-least-once; deduplication happens
// downstream in the idempotency ledger.
type Client struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Addresses to restore on reconnect.
	addresses []string

	handlerMu sync.RWMutex
	handlers  []EventHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewClient creates a new client for the given wallet-activity WebSocket URL.
func NewClient(wsURL string) *Client {
	return &Client{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores any previously
// subscribed addresses.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("walletfeed: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("walletfeed: connect: %w", err)
	}

	c.conn = conn

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	if len(c.addresses) > 0 {
		cmd := subscribeCommand{Type: "subscribe", Addresses: c.addresses}
		if err := c.sendCommand(cmd); err != nil {
			return fmt.Errorf("walletfeed: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe registers the given source addresses for activity notifications.
func (c *Client) Subscribe(ctx context.Context, addresses []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("walletfeed: not connected")
	}

	cmd := subscribeCommand{Type: "subscribe", Addresses: addresses}
	if err := c.sendCommand(cmd); err != nil {
		return fmt.Errorf("walletfeed: subscribe: %w", err)
	}

	seen := make(map[string]struct{}, len(c.addresses))
	for _, a := range c.addresses {
		seen[a] = struct{}{}
	}
	for _, a := range addresses {
		if _, ok := seen[a]; !ok {
			c.addresses = append(c.addresses, a)
		}
	}

	return nil
}

// Unsubscribe removes the given addresses from the subscription set.
func (c *Client) Unsubscribe(ctx context.Context, addresses []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("walletfeed: not connected")
	}

	cmd := subscribeCommand{Type: "unsubscribe", Addresses: addresses}
	if err := c.sendCommand(cmd); err != nil {
		return fmt.Errorf("walletfeed: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		drop[a] = struct{}{}
	}
	filtered := c.addresses[:0]
	for _, a := range c.addresses {
		if _, ok := drop[a]; !ok {
			filtered = append(filtered, a)
		}
	}
	c.addresses = filtered

	return nil
}

// OnEvent registers a handler invoked for every decoded wallet event.
func (c *Client) OnEvent(handler EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Close shuts down the WebSocket connection and stops the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold c.mu.
func (c *Client) sendCommand(cmd subscribeCommand) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches them
// to the registered handlers. On disconnect it attempts to reconnect with
// exponential backoff; the subscribed address set is restored by Connect.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.reconnect()
			return // a new readLoop is started by reconnect -> Connect
		}

		c.handleMessage(message)
	}
}

// reconnect re-establishes the WebSocket connection with exponential backoff.
// It blocks until successful or the client is closed.
func (c *Client) reconnect() {
	delay := reconnectDelay

	for {
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
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes wallet events to
// the registered handlers. Unparseable or unknown messages are dropped.
func (c *Client) handleMessage(raw []byte) {
	var msg eventMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "wallet_event" {
		return
	}

	event := domain.WalletEvent{
		SourceAddress: msg.SourceAddress,
		TxID:          msg.TxID,
		TokenID:       msg.TokenID,
		Direction:     domain.EventDirection(msg.Direction),
		Amount:        msg.Amount,
		ObservedAt:    time.UnixMilli(msg.ObservedAt).UTC(),
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
