package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kraken-go-home/internal/events"
)

const (
	wsQueueLen     = 64
	wsWriteTimeout = 10 * time.Second
)

// wsFrame is one message on the event stream.
type wsFrame struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	Data   any    `json:"data"`
}

// frameFor wraps a bus event.
func frameFor(ev events.Event) wsFrame {
	f := wsFrame{Type: events.Name(ev), Data: ev}
	switch e := ev.(type) {
	case events.DeviceAttachedEvent:
		f.Device = e.DeviceID
	case events.DeviceDetachedEvent:
		f.Device = e.DeviceID
	case events.UpdateCompletedEvent:
		f.Device = e.DeviceID
	case events.UpdatesHaltedEvent:
		f.Device = e.DeviceID
	case events.AttributeChangedEvent:
		f.Device = e.DeviceID
	}
	return f
}

// WSHub fans frames out to websocket clients. A client that asked for one
// device only sees that device's frames.
type WSHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsFrame

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn   *websocket.Conn
	device string // empty for every device
	send   chan []byte
}

func (c *wsClient) wants(f wsFrame) bool {
	return c.device == "" || f.Device == "" || c.device == f.Device
}

// NewWSHub creates a hub. Call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsFrame, 256),
		done:       make(chan struct{}),
	}
}

// drop removes a client and closes its queue. Callers hold h.mu.
func (h *WSHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Run owns the client set until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "device", c.device, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", n)

		case f := <-h.broadcast:
			h.fanOut(f)
		}
	}
}

func (h *WSHub) fanOut(f wsFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("ws marshal", "type", f.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(f) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.drop(c)
			h.logger.Warn("ws client evicted, queue full")
		}
	}
}

// Stop shuts the hub down and closes every client queue. It is idempotent.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues f without blocking. Frames are dropped while the queue
// is full.
func (h *WSHub) Broadcast(f wsFrame) {
	select {
	case h.broadcast <- f:
	default:
		h.logger.Warn("ws broadcast queue full, dropping frame", "type", f.Type)
	}
}

// handleWS streams bus events. ?device=<id> limits the stream to one
// cooler.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &wsClient{conn: conn, device: r.URL.Query().Get("device"), send: make(chan []byte, wsQueueLen)}
	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWrite(c)
	s.wsRead(c)
}

// wsWrite drains the client queue until the hub closes it.
func (s *Server) wsWrite(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsRead discards client messages until the connection fails or the hub
// stops, then unregisters the client.
func (s *Server) wsRead(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			break
		}
	}

	select {
	case s.wsHub.unregister <- c:
	case <-s.wsHub.done:
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
