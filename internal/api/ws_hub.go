package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scoutx/session-engine/internal/metrics"
	"github.com/scoutx/session-engine/internal/model"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsClientBuf  = 64
)

// wsClient is one subscriber. An empty market receives every event.
type wsClient struct {
	conn   *websocket.Conn
	market string
	send   chan []byte
}

type wsFrame struct {
	market string
	data   []byte
}

// WSHub fans session events out to WebSocket subscribers. It implements
// session.Notifier. All client bookkeeping happens on the Run goroutine.
type WSHub struct {
	clients    map[*wsClient]struct{}
	events     chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	count      chan chan int
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		events:     make(chan wsFrame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is cancelled. Must be called in a
// goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "market_id", c.market, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case f := <-h.events:
			for c := range h.clients {
				if c.market != "" && f.market != "" && c.market != f.market {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					// Slow consumer; disconnect rather than stall everyone else.
					slog.Warn("ws client too slow, disconnecting", "market_id", c.market)
					h.drop(c)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Clients returns the number of connected subscribers.
func (h *WSHub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// Notify queues evt for delivery. Events for sessions_cleared carry no
// market and reach every subscriber.
func (h *WSHub) Notify(_ context.Context, evt model.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.events <- wsFrame{market: evt.MarketID, data: data}:
	default:
		// Never block the session lock holder.
		metrics.EventsDropped.WithLabelValues("ws").Inc()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins; the UI is served from another host.
	},
}

// HandleWS handles GET /api/v1/ws. An optional ?market_id= limits the
// stream to one market.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		market: r.URL.Query().Get("market_id"),
		send:   make(chan []byte, wsClientBuf),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only watches for disconnects and pongs; clients never send data.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
