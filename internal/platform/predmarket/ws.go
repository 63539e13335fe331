package predmarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/hedgesettle/internal/crypto"
	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const (
	// dialTimeout bounds the handshake, both on first connect and on
	// every reconnect attempt.
	dialTimeout = 15 * time.Second

	// writeWait bounds each outbound frame.
	writeWait = 10 * time.Second

	// pongWait is how long the feed may stay silent before the read
	// deadline trips. pingPeriod must stay under it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay seeds the backoff; maxReconnectDelay caps it.
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// OrderUpdateHandler is called when an order status update is received on
// the user feed.
type OrderUpdateHandler func(OrderUpdate)

// WSClient is a WebSocket client for the CLOB user feed. It streams order
// status updates so fills resolve faster than REST polling; the REST client
// remains the fallback and the source of close receipts. The client manages
// the connection lifecycle, re-authenticates on reconnect, and dispatches
// updates to registered handlers.
type WSClient struct {
	wsURL string
	auth  *crypto.HMACAuth
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []WSCommand

	handlerMu     sync.RWMutex
	orderHandlers []OrderUpdateHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a user-feed client for the given WebSocket URL. auth
// supplies the credentials attached to every subscribe command.
func NewWSClient(wsURL string, auth *crypto.HMACAuth) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		auth:  auth,
		done:  make(chan struct{}),
	}
}

// Connect dials the user feed, arms the keep-alive machinery, and replays
// any subscriptions accumulated before a disconnect.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("predmarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("predmarket/ws: connect: %w", err)
	}
	w.conn = conn

	// Every pong pushes the read deadline forward; a dead feed trips it.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	for _, cmd := range w.subscriptions {
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("predmarket/ws: restore subscription: %w", err)
		}
	}
	return nil
}

// Subscribe subscribes to order updates for the given market IDs. The
// subscription carries the API credentials: the feed only delivers events
// for the authenticated account's orders.
func (w *WSClient) Subscribe(ctx context.Context, marketIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("predmarket/ws: not connected")
	}

	cmd := WSCommand{
		Type:    "subscribe",
		Channel: "user",
		Markets: marketIDs,
	}
	if w.auth != nil {
		cmd.Auth = &WSAuth{APIKey: w.auth.Key, Passphrase: w.auth.Passphrase}
	}

	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("predmarket/ws: subscribe: %w", err)
	}

	// Track subscription for reconnection.
	w.subscriptions = append(w.subscriptions, cmd)

	return nil
}

// Unsubscribe removes the given market IDs from the user-feed subscription.
func (w *WSClient) Unsubscribe(ctx context.Context, marketIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("predmarket/ws: not connected")
	}

	cmd := WSCommand{
		Type:    "unsubscribe",
		Channel: "user",
		Markets: marketIDs,
	}

	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("predmarket/ws: unsubscribe: %w", err)
	}

	// Remove the markets from the tracked subscriptions.
	marketSet := make(map[string]struct{}, len(marketIDs))
	for _, m := range marketIDs {
		marketSet[m] = struct{}{}
	}

	filtered := w.subscriptions[:0]
	for _, sub := range w.subscriptions {
		remaining := make([]string, 0, len(sub.Markets))
		for _, m := range sub.Markets {
			if _, found := marketSet[m]; !found {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) > 0 {
			sub.Markets = remaining
			filtered = append(filtered, sub)
		}
	}
	w.subscriptions = filtered

	return nil
}

// Close tears the connection down and stops the loops. Safe to call twice.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return w.conn.Close()
}

// OnOrderUpdate registers a handler that is called for every order status
// update received on the user feed.
func (w *WSClient) OnOrderUpdate(handler OrderUpdateHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.orderHandlers = append(w.orderHandlers, handler)
}

// shuttingDown reports whether Close has been called.
func (w *WSClient) shuttingDown() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// current snapshots the connection under the read lock. The loops never
// touch w.conn directly; Connect swaps it during reconnects.
func (w *WSClient) current() *websocket.Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn
}

// sendCommand writes cmd as a JSON frame. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains the feed and dispatches updates until the connection
// drops, then hands off to reconnect. Runs in its own goroutine; each
// successful Connect starts a fresh one.
func (w *WSClient) readLoop() {
	defer func() {
		if conn := w.current(); conn != nil {
			conn.Close()
		}
	}()

	for !w.shuttingDown() {
		conn := w.current()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !w.shuttingDown() {
				w.reconnect()
			}
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps the feed alive; the matching pongs refresh the read
// deadline set in Connect.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn := w.current()
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

// handleMessage parses a raw WebSocket message and routes order events to
// the registered handlers. Everything else is dropped.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	if envelope.EventType != "order" {
		return
	}

	var msg WSOrderMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	update := msg.ToOrderUpdate()

	w.handlerMu.RLock()
	handlers := w.orderHandlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(update)
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client is closed. The backoff wait aborts immediately on Close rather
// than sleeping it out.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		timer := time.NewTimer(delay)
		select {
		case <-w.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}
