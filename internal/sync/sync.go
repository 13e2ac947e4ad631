// Package sync runs the reconciliation orchestrator: one long-lived
// worker owns the venue session, replays state on connect, dispatches
// venue events into the ledger/cache/store, flushes dirty aggregates
// on a fixed interval, and drains the bounded order queue. Reconnects
// use exponential backoff reset on every successful connect.
package sync

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"pnl-trackerv1/config"
	"pnl-trackerv1/internal/cache"
	"pnl-trackerv1/internal/metrics"
	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/sqlite"
	"pnl-trackerv1/internal/venue"
)

var (
	// ErrQueueFull is returned when the order queue is at capacity.
	ErrQueueFull = errors.New("sync: order queue full")
	// ErrDisconnected is returned for orders while no venue session
	// exists, and resolves every pending waiter on teardown.
	ErrDisconnected = errors.New("sync: venue disconnected")
	// ErrReadonly rejects order submission in readonly deployments.
	ErrReadonly = errors.New("sync: order submission disabled (readonly)")
)

// Status is the orchestrator lifecycle snapshot served to callers.
type Status struct {
	Running            bool       `json:"running"`
	Connected          bool       `json:"connected"`
	Error              string     `json:"error,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	LastUpdate         *time.Time `json:"last_update,omitempty"`
	LastConnectedAt    *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	VenueUp            bool       `json:"venue_up"`
	VenueLastUpAt      *time.Time `json:"venue_last_up_at,omitempty"`
	VenueLastDownAt    *time.Time `json:"venue_last_down_at,omitempty"`
}

// OrderPayload is one validated order request.
type OrderPayload struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Qty       float64  `json:"qty"`
	OrderType string   `json:"order_type"`
	Price     *float64 `json:"price,omitempty"`
	Exchange  string   `json:"exchange,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	TIF       string   `json:"tif,omitempty"`
	Account   string   `json:"account,omitempty"`
}

// OrderAck is the venue's initial acknowledgement relayed to the
// caller.
type OrderAck struct {
	OrderID   int64   `json:"order_id"`
	Status    string  `json:"status"`
	Filled    float64 `json:"filled"`
	Remaining float64 `json:"remaining"`
	AvgPrice  float64 `json:"avg_fill_price"`
}

// OrderResult is the outcome of EnqueueOrder. Queued means the worker
// had not processed the request before the caller's timeout; the
// request stays in the queue.
type OrderResult struct {
	Success   bool      `json:"success"`
	Queued    bool      `json:"queued,omitempty"`
	Ack       *OrderAck `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

type orderJob struct {
	requestID string
	payload   OrderPayload
}

// Manager owns the venue session worker.
type Manager struct {
	cfg     *config.Config
	store   *sqlite.Store
	cache   *cache.Cache
	venue   venue.Venue
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger

	mu      gosync.Mutex
	running bool
	stop    chan struct{}
	status  Status

	orders  chan orderJob
	waiters map[string]chan OrderResult
}

// New wires the orchestrator. metrics and health may be nil (tests).
func New(cfg *config.Config, st *sqlite.Store, c *cache.Cache, v venue.Venue,
	mtr *metrics.Metrics, health *metrics.HealthStatus) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		cache:   c,
		venue:   v,
		metrics: mtr,
		health:  health,
		log:     slog.With(slog.String("component", "sync")),
		orders:  make(chan orderJob, cfg.OrderQueueMax),
		waiters: make(map[string]chan OrderResult),
	}
}

// Start launches the worker. Idempotent while running.
func (m *Manager) Start() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.status
	}
	m.running = true
	m.stop = make(chan struct{})
	now := time.Now().UTC()
	m.status = Status{Running: true, StartedAt: &now}
	go m.run(m.stop)
	return m.status
}

// Stop signals the worker to shut down after the current tick.
func (m *Manager) Stop() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
	return m.status
}

// Status returns a copy of the lifecycle snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := m.status
	m.mu.Unlock()
	if lu := m.cache.LastUpdate(); !lu.IsZero() {
		st.LastUpdate = &lu
	}
	return st
}

// EnqueueOrder validates a request, places it on the bounded queue and
// blocks until the worker resolves it or timeout elapses. On timeout
// the request stays queued and the caller gets a queued result.
func (m *Manager) EnqueueOrder(payload OrderPayload, requestID string, timeout time.Duration) OrderResult {
	if m.cfg.Readonly {
		return OrderResult{Error: ErrReadonly.Error(), RequestID: requestID}
	}
	if err := validateOrder(payload); err != nil {
		return OrderResult{Error: err.Error(), RequestID: requestID}
	}
	m.mu.Lock()
	connected := m.status.Connected
	m.mu.Unlock()
	if !connected {
		return OrderResult{Error: ErrDisconnected.Error(), RequestID: requestID}
	}

	if requestID == "" {
		requestID = newRequestID()
	}
	ch := make(chan OrderResult, 1)
	m.mu.Lock()
	m.waiters[requestID] = ch
	m.mu.Unlock()

	select {
	case m.orders <- orderJob{requestID: requestID, payload: payload}:
	default:
		m.mu.Lock()
		delete(m.waiters, requestID)
		m.mu.Unlock()
		return OrderResult{Error: ErrQueueFull.Error(), RequestID: requestID}
	}
	m.log.Info("order queued",
		slog.String("request_id", requestID),
		slog.String("symbol", payload.Symbol),
		slog.String("side", payload.Side),
		slog.Float64("qty", payload.Qty))

	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		return OrderResult{Success: true, Queued: true, RequestID: requestID}
	}
}

func validateOrder(p OrderPayload) error {
	if strings.TrimSpace(p.Symbol) == "" {
		return errors.New("sync: symbol required")
	}
	if p.Qty <= 0 {
		return errors.New("sync: quantity must be positive")
	}
	switch model.NormalizeSide(p.Side) {
	case model.SideBuy, model.SideSell:
	default:
		return fmt.Errorf("sync: invalid side %q", p.Side)
	}
	switch normalizeOrderType(p.OrderType) {
	case venue.OrderTypeMarket:
	case venue.OrderTypeLimit:
		if p.Price == nil || *p.Price <= 0 {
			return errors.New("sync: limit price required")
		}
	default:
		return fmt.Errorf("sync: invalid order type %q", p.OrderType)
	}
	return nil
}

func normalizeOrderType(t string) venue.OrderType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "mkt", "market":
		return venue.OrderTypeMarket
	case "lmt", "limit":
		return venue.OrderTypeLimit
	default:
		return venue.OrderType("")
	}
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func (m *Manager) run(stop chan struct{}) {
	backoff := m.cfg.ReconnectMinDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		select {
		case <-stop:
			m.finish()
			return
		default:
		}

		connected, err := m.runSession(stop)
		m.setDisconnected(err)
		m.failAllWaiters()
		if connected {
			backoff = m.cfg.ReconnectMinDelay
		}

		select {
		case <-stop:
			m.finish()
			return
		case <-time.After(backoff):
		}
		if m.metrics != nil {
			m.metrics.Reconnects.Inc()
		}
		backoff *= 2
		if max := m.cfg.ReconnectMaxDelay; max > 0 && backoff > max {
			backoff = max
		}
	}
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.running = false
	m.status.Running = false
	m.status.Connected = false
	m.mu.Unlock()
	m.failAllWaiters()
}

func (m *Manager) setConnected() {
	now := time.Now().UTC()
	m.mu.Lock()
	m.status.Connected = true
	m.status.LastConnectedAt = &now
	m.status.VenueUp = true
	m.status.VenueLastUpAt = &now
	m.status.Error = ""
	m.mu.Unlock()
	if m.health != nil {
		m.health.SetVenueConnected(true)
	}
	if m.metrics != nil {
		m.metrics.VenueConnected.Set(1)
	}
}

func (m *Manager) setDisconnected(err error) {
	now := time.Now().UTC()
	m.mu.Lock()
	wasConnected := m.status.Connected
	m.status.Connected = false
	m.status.VenueUp = false
	if wasConnected {
		m.status.LastDisconnectedAt = &now
		m.status.VenueLastDownAt = &now
	}
	if err != nil {
		m.status.Error = err.Error()
	}
	m.mu.Unlock()
	if m.health != nil {
		m.health.SetVenueConnected(false)
	}
	if m.metrics != nil {
		m.metrics.VenueConnected.Set(0)
	}
	if err != nil {
		m.log.Warn("session ended", slog.String("error", err.Error()))
	}
}

func (m *Manager) setVenueUp(up bool) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.status.VenueUp = up
	if up {
		m.status.VenueLastUpAt = &now
	} else {
		m.status.VenueLastDownAt = &now
	}
	m.mu.Unlock()
	if m.health != nil {
		m.health.SetVenueConnected(up)
	}
}

func (m *Manager) resolveOrder(requestID string, res OrderResult) {
	res.RequestID = requestID
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	if ok {
		delete(m.waiters, requestID)
	}
	m.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (m *Manager) failAllWaiters() {
	m.mu.Lock()
	pending := m.waiters
	m.waiters = make(map[string]chan OrderResult)
	m.mu.Unlock()
	for requestID, ch := range pending {
		ch <- OrderResult{Error: ErrDisconnected.Error(), RequestID: requestID}
	}
	// Jobs already queued will never run; drop them so a reconnected
	// session does not submit stale orders.
	for {
		select {
		case <-m.orders:
		default:
			return
		}
	}
}

func (m *Manager) countEvent(kind string) {
	if m.metrics != nil {
		m.metrics.EventsTotal.WithLabelValues(kind).Inc()
	}
	if m.health != nil {
		m.health.SetLastEventTime(time.Now())
	}
}
