package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// replayLimit caps how many trades one replay request returns.
	replayLimit = 500
)

// ErrStopped is returned by Deliver once Run has returned.
var ErrStopped = errors.New("ws: hub stopped")

// busPatterns are the market feed channels the hub relays when it runs
// behind a bus instead of an in-process publisher.
var busPatterns = []string{
	marketdata.ChannelBookPrefix + "*",
	marketdata.ChannelTradesPrefix + "*",
	marketdata.ChannelOrders,
	marketdata.ChannelMarkets,
}

// defaultSubs are the channels a new client receives until it changes its
// subscriptions. Order updates are opt-in.
var defaultSubs = []string{
	marketdata.ChannelBookPrefix + "*",
	marketdata.ChannelTradesPrefix + "*",
	marketdata.ChannelMarkets,
}

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// frame is one outgoing message with its websocket message type.
type frame struct {
	kind int
	data []byte
}

// client represents a single WebSocket connection.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan frame
	encoding marketdata.Encoding
	subs     map[string]bool // subscribed channels
	closed   bool            // send is closed; guarded by mu
	mu       sync.RWMutex
}

// clientMsg is a control message sent by a client.
//
//	{"action":"subscribe","channels":["ch:book:mkt:1"]}
//	{"action":"unsubscribe","channels":["ch:trades:*"]}
//	{"action":"replay","since":"0-0"}
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Since    string   `json:"since"`
}

// Hub fans committed market data out to connected websocket clients. It is a
// marketdata.Sink for single-process deployments; with a bus it relays the
// bus channels instead so every replica's clients see every book.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan marketdata.Event
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	bus        domain.MarketFeed // optional
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.MarketFeed, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan marketdata.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver implements marketdata.Sink.
func (h *Hub) Deliver(ctx context.Context, ev marketdata.Event) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.broadcast <- ev:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and broadcasting, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		for _, ch := range busPatterns {
			go h.relay(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.closeSend()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("encoding", string(c.encoding)),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// fanOut encodes ev at most once per encoding and queues it for every
// subscribed client.
func (h *Hub) fanOut(ev marketdata.Event) {
	var frames map[marketdata.Encoding]frame

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(ev.Channel) {
			continue
		}
		if frames == nil {
			var err error
			if frames, err = encodeFrames(ev); err != nil {
				h.logger.Warn("encode event failed", slog.String("error", err.Error()))
				return
			}
		}
		select {
		case c.send <- frames[c.encoding]:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", ev.Channel))
		}
	}
}

func encodeFrames(ev marketdata.Event) (map[marketdata.Encoding]frame, error) {
	text, err := marketdata.Encode(ev)
	if err != nil {
		return nil, err
	}
	bin, err := marketdata.JSONToProto(text)
	if err != nil {
		return nil, err
	}
	return map[marketdata.Encoding]frame{
		marketdata.EncodingJSON:  {kind: websocket.TextMessage, data: text},
		marketdata.EncodingProto: {kind: websocket.BinaryMessage, data: bin},
	}, nil
}

// relay subscribes to one bus channel pattern and forwards decoded events
// into the broadcast loop.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			ev, err := marketdata.Decode(data)
			if err != nil {
				h.logger.Warn("bad bus payload",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := h.Deliver(ctx, ev); err != nil {
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. ?encoding=proto selects binary protobuf frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "market data stream stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	enc := marketdata.EncodingJSON
	if strings.EqualFold(r.URL.Query().Get("encoding"), string(marketdata.EncodingProto)) {
		enc = marketdata.EncodingProto
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan frame, sendBufferSize),
		encoding: enc,
		subs:     make(map[string]bool),
	}
	for _, ch := range defaultSubs {
		c.subs[ch] = true
	}

	c.sendHello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads control messages from the connection.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.handleSubscription(msg)
		case "replay":
			c.replay(msg.Since)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
func (c *client) handleSubscription(msg clientMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range msg.Channels {
		if msg.Action == "subscribe" {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

// replay sends trades appended to the durable trade stream after since.
// Without a bus there is no stream and the request is answered with an
// empty replay.
func (c *client) replay(since string) {
	if since == "" {
		since = "0-0"
	}
	var trades []json.RawMessage
	last := since
	if c.hub.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		msgs, err := c.hub.bus.TradesAfter(ctx, since, replayLimit)
		cancel()
		if err != nil {
			c.hub.logger.Warn("replay failed", slog.String("error", err.Error()))
		}
		for _, m := range msgs {
			trades = append(trades, json.RawMessage(m.Payload))
			last = m.ID
		}
	}
	c.control("replay", map[string]any{"trades": trades, "last_id": last})
}

// sendHello pushes a small envelope so clients can mark the connection
// healthy before any market events flow.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	c.mu.RLock()
	subs := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.RUnlock()

	c.control("hello", map[string]any{
		"mode":           c.hub.mode,
		"encoding":       c.encoding,
		"uptime_seconds": uptime,
		"channels":       subs,
	})
}

// control queues a JSON control message. Control messages are always text
// frames regardless of the data encoding.
func (c *client) control(typ string, payload any) {
	msg, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame{kind: websocket.TextMessage, data: msg}:
	default:
	}
}

// closeSend closes the outgoing queue once; writePump then sends a close
// frame and exits.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
// A trailing '*' subscribes to every channel with that prefix.
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

// writePump pumps messages from the hub to the WebSocket connection and
// sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
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
