package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
	"github.com/gorilla/websocket"
)

// Connection keepalive parameters. pingInterval must stay below pongWait or
// healthy clients get disconnected between pings.
const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	// Inbound frames carry only subscription commands, so a small limit is
	// plenty and caps what a misbehaving client can make us buffer.
	maxInboundBytes = 4096

	// Outbound buffer per client. When it fills, updates for that client
	// are dropped; the REST API remains the authoritative view.
	outboundBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS middleware layer; the status
	// stream itself is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub bridges the Redis signal bus to WebSocket clients. It subscribes to
// the configured bus channels once and fans each payload out to every
// connected client whose subscription set matches the source channel.
type Hub struct {
	bus      domain.SignalBus
	channels []string

	clients map[*client]struct{}
	attach  chan *client
	detach  chan *client
	fanout  chan busFrame

	mu        sync.RWMutex
	logger    *slog.Logger
	mode      string
	startedAt time.Time
}

// busFrame is one signal-bus payload tagged with its source channel.
type busFrame struct {
	channel string
	data    []byte
}

// client is one WebSocket connection with its private subscription set.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the only inbound message shape the hub understands.
// A trailing "*" in a channel name subscribes by prefix.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Config names the bus channels to bridge plus the process metadata echoed
// to each client in the hello frame.
type Config struct {
	Mode      string
	Channels  []string
	StartedAt time.Time
}

// NewHub builds a hub over the given signal bus. Run must be started for
// clients to receive anything.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		bus:       bus,
		channels:  cfg.Channels,
		clients:   make(map[*client]struct{}),
		attach:    make(chan *client),
		detach:    make(chan *client),
		fanout:    make(chan busFrame, 256),
		logger:    logger,
		mode:      mode,
		startedAt: startedAt,
	}
}

// Run owns the client set until ctx is cancelled. All membership changes and
// deliveries go through this loop, so no per-client state is shared between
// goroutines beyond the send channel.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.channels {
		go h.bridge(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.attach:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.detach:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case frame := <-h.fanout:
			h.deliver(frame)
		}
	}
}

// bridge forwards one bus channel into the fanout loop. Subscription
// failures are logged and the channel stays dark; the REST API still serves
// current state.
func (h *Hub) bridge(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: bridging channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			h.fanout <- busFrame{channel: channel, data: data}
		}
	}
}

// deliver sends a frame to every matching client, skipping clients whose
// outbound buffer is full.
func (h *Hub) deliver(frame busFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(frame.channel) {
			continue
		}
		select {
		case c.send <- frame.data:
		default:
			h.logger.Warn("ws: dropping frame for slow client",
				slog.String("channel", frame.channel))
		}
	}
}

// closeAll evicts every client on shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// HandleWS upgrades the request and hands the connection to the hub. New
// clients start subscribed to every bridged channel and can narrow the set
// with subscribe/unsubscribe commands.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, outboundBuffer),
		subs: make(map[string]bool, len(h.channels)),
	}
	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	h.attach <- c
	c.queueHello()

	go c.writeLoop()
	go c.readLoop()
}

// queueHello enqueues the greeting frame so clients can mark the connection
// healthy before any strategy update flows.
func (c *client) queueHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"channels":       c.hub.channels,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// readLoop consumes inbound frames until the connection drops. The only
// meaningful inbound traffic is subscription commands; everything else is
// ignored. Pongs refresh the read deadline.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var cmd subscribeMsg
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Action == "" {
			continue
		}
		c.applySubscription(cmd)
	}
}

// applySubscription mutates the client's subscription set.
func (c *client) applySubscription(cmd subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range cmd.Channels {
		switch cmd.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

// isSubscribed reports whether channel matches the client's subscription
// set, either exactly or through a "prefix*" entry.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writeLoop drains the send channel onto the wire and keeps the connection
// alive with pings. Bus payloads are JSON so everything goes out as text.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
