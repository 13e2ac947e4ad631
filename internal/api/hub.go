package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pnl-trackerv1/internal/metrics"
	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/redis"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// UpdateBundle is the snapshot set pushed to websocket clients on
// every interval.
type UpdateBundle struct {
	PnLSummary     model.AccountPnLSnapshot     `json:"pnl_summary"`
	Positions      []model.PositionSnapshot     `json:"positions"`
	History        []model.HistorySnapshot      `json:"history"`
	DailyPnL       []model.DailyPnLPoint        `json:"daily_pnl"`
	AccountSummary model.AccountSummarySnapshot `json:"account_summary"`
	LastUpdate     time.Time                    `json:"-"`
}

// Hub fans snapshot bundles out to connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool

	build    func() UpdateBundle
	interval time.Duration
	rdb      *redis.Client
	metrics  *metrics.Metrics
	log      *slog.Logger

	lastPublished time.Time
}

// NewHub wires the broadcast hub. rdb and mtr may be nil.
func NewHub(build func() UpdateBundle, interval time.Duration, rdb *redis.Client, mtr *metrics.Metrics) *Hub {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	return &Hub{
		clients:  make(map[*wsClient]bool),
		build:    build,
		interval: interval,
		rdb:      rdb,
		metrics:  mtr,
		log:      slog.With(slog.String("component", "ws")),
	}
}

// Register adopts an upgraded connection and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, 256), hub: h}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
	h.log.Info("client connected", slog.Int("clients", n))
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
	h.log.Info("client disconnected", slog.Int("clients", n))
}

// Run pushes a bundle to every client each interval until ctx is done.
// Redis publication piggybacks on the same tick but only when the
// bundle changed since the previous publish.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Hub) tick(ctx context.Context) {
	h.mu.Lock()
	empty := len(h.clients) == 0
	h.mu.Unlock()

	bundle := h.build()

	if h.rdb != nil && bundle.LastUpdate.After(h.lastPublished) {
		h.rdb.PublishUpdate(ctx, "snapshot", bundle)
		h.lastPublished = bundle.LastUpdate
	}
	if empty {
		return
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		h.log.Error("marshal bundle", slog.String("error", err.Error()))
		return
	}
	h.broadcast(payload)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	// A full send buffer means the client stopped reading.
	for _, c := range slow {
		h.remove(c)
		c.conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
		c.conn.Close()
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
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

// readPump discards inbound frames; the stream is push-only. It exists
// to service pongs and detect the peer going away.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
