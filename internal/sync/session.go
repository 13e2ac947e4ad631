package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/sqlite"
	"pnl-trackerv1/internal/venue"
)

var errSessionLost = errors.New("sync: venue session lost")

const (
	connectTimeout = 30 * time.Second
	replayTimeout  = 30 * time.Second
	orderTimeout   = 10 * time.Second
)

// valSeen is the last (daily, unrealized) pair observed for a
// contract; repeats are dropped before they reach the cache or the
// write-back batch.
type valSeen struct {
	unrealized float64
	daily      *float64
}

func (v valSeen) equal(unrealized float64, daily *float64) bool {
	if v.unrealized != unrealized {
		return false
	}
	if (v.daily == nil) != (daily == nil) {
		return false
	}
	return v.daily == nil || *v.daily == *daily
}

// session is the per-connection state. It lives on the worker
// goroutine only; nothing here needs locking.
type session struct {
	m         *Manager
	account   string
	accountID int64

	pendingReports map[string]venue.CommissionEvent
	subscribed     map[int64]struct{}
	lastVal        map[int64]valSeen
	pendingVals    map[int64]sqlite.ValuationUpdate
}

func newSession(m *Manager, account string, accountID int64) *session {
	return &session{
		m:              m,
		account:        account,
		accountID:      accountID,
		pendingReports: make(map[string]venue.CommissionEvent),
		subscribed:     make(map[int64]struct{}),
		lastVal:        make(map[int64]valSeen),
		pendingVals:    make(map[int64]sqlite.ValuationUpdate),
	}
}

// eventSink adapts the venue handler callbacks onto the worker's event
// channel. Sends abort once the session loop has exited so the
// adapter's read loop can never wedge on a dead session.
type eventSink struct {
	ch   chan interface{}
	done chan struct{}
}

func (e *eventSink) send(ev interface{}) {
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *eventSink) OnExecution(ev venue.ExecutionEvent)       { e.send(ev) }
func (e *eventSink) OnCommission(ev venue.CommissionEvent)     { e.send(ev) }
func (e *eventSink) OnPosition(ev venue.PositionEvent)         { e.send(ev) }
func (e *eventSink) OnAccountValue(ev venue.AccountValueEvent) { e.send(ev) }
func (e *eventSink) OnAccountPnL(ev venue.AccountPnLEvent)     { e.send(ev) }
func (e *eventSink) OnPositionPnL(ev venue.PositionPnLEvent)   { e.send(ev) }
func (e *eventSink) OnConnectivity(ev venue.ConnectivityEvent) { e.send(ev) }

// runSession drives one venue connection from dial to teardown. The
// bool reports whether a session was established at all, so the
// reconnect loop knows when to reset its backoff.
func (m *Manager) runSession(stop <-chan struct{}) (bool, error) {
	events := make(chan interface{}, 256)
	done := make(chan struct{})
	defer close(done)
	sink := &eventSink{ch: events, done: done}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err := m.venue.Connect(ctx, sink)
	cancel()
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer m.venue.Close()

	account, err := m.venue.Account()
	if err != nil || account == "" {
		account = "LOCAL"
	}
	accountID, err := m.store.UpsertAccount(account, m.cfg.BaseCurrency)
	if err != nil {
		return true, fmt.Errorf("upsert account: %w", err)
	}
	m.cache.SetAccount(accountID, m.cfg.BaseCurrency)

	if !m.cache.Ready() {
		start := time.Now()
		snap, err := m.store.LoadSnapshot(accountID, m.cfg.BaseCurrency)
		if err != nil {
			return true, fmt.Errorf("hydrate: %w", err)
		}
		m.cache.Hydrate(snap)
		if m.metrics != nil {
			m.metrics.HydrateDur.Observe(time.Since(start).Seconds())
		}
		m.log.Info("cache hydrated",
			slog.Int("positions", len(snap.Positions)),
			slog.Int("history", len(snap.History)))
	}

	s := newSession(m, account, accountID)
	m.setConnected()
	m.log.Info("venue connected", slog.String("account", account))

	s.replayPositions()
	s.replayExecutions()
	if err := m.venue.SubscribeAccountPnL(); err != nil {
		m.log.Warn("subscribe account pnl", slog.String("error", err.Error()))
	}
	if err := m.venue.SubscribeAccountSummary(); err != nil {
		m.log.Warn("subscribe account summary", slog.String("error", err.Error()))
	}

	return true, s.loop(stop, events)
}

// loop is the single-threaded event/tick/order dispatcher. Every venue
// callback, flush and order submission runs here, so handlers never
// race each other.
func (s *session) loop(stop <-chan struct{}, events <-chan interface{}) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastKeepalive := time.Now()
	lastFlush := time.Now()

	for {
		select {
		case <-stop:
			s.flush()
			return nil
		case ev := <-events:
			s.dispatch(ev)
		case job := <-s.m.orders:
			s.processOrder(job)
		case <-ticker.C:
			if !s.m.venue.IsConnected() {
				return errSessionLost
			}
			if time.Since(lastKeepalive) >= s.m.cfg.KeepaliveInterval {
				if err := s.m.venue.Ping(); err != nil {
					return fmt.Errorf("keepalive: %w", err)
				}
				lastKeepalive = time.Now()
			}
			if time.Since(lastFlush) >= s.m.cfg.CacheFlushEvery {
				s.flush()
				lastFlush = time.Now()
			}
			if s.m.metrics != nil {
				s.m.metrics.OrderQueueLen.Set(float64(len(s.m.orders)))
			}
		}
	}
}

func (s *session) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case venue.ExecutionEvent:
		s.m.countEvent("execution")
		s.onExecution(e)
	case venue.CommissionEvent:
		s.m.countEvent("commission")
		s.onCommission(e)
	case venue.PositionEvent:
		s.m.countEvent("position")
		s.onPosition(e)
	case venue.AccountValueEvent:
		s.m.countEvent("account_value")
		s.onAccountValue(e)
	case venue.AccountPnLEvent:
		s.m.countEvent("account_pnl")
		s.onAccountPnL(e)
	case venue.PositionPnLEvent:
		s.m.countEvent("position_pnl")
		s.onPositionPnL(e)
	case venue.ConnectivityEvent:
		s.m.countEvent("connectivity")
		s.onConnectivity(e)
	}
}

// replayPositions refreshes the open set from the venue's full
// snapshot and archives anything durable storage still considers open
// but the venue no longer reports.
func (s *session) replayPositions() {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	rows, err := s.m.venue.RequestPositions(ctx)
	cancel()
	if err != nil {
		s.m.log.Warn("request positions", slog.String("error", err.Error()))
		return
	}

	seen := make(map[model.PositionKey]struct{}, len(rows))
	for _, ev := range rows {
		if ev.Account != "" && ev.Account != s.account {
			continue
		}
		s.onPosition(ev)
		seen[model.PositionKey{Symbol: ev.Symbol, Exchange: ev.Exchange, Currency: ev.Currency}] = struct{}{}
	}

	positions, err := s.m.store.ListPositions(s.accountID)
	if err != nil {
		s.m.log.Warn("list positions", slog.String("error", err.Error()))
		return
	}
	for _, p := range positions {
		if _, ok := seen[p.Key]; ok {
			continue
		}
		s.archivePosition(p)
	}
	s.m.log.Info("positions replayed", slog.Int("count", len(rows)))
}

func (s *session) replayExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	evs, err := s.m.venue.RequestExecutions(ctx, time.Time{})
	cancel()
	if err != nil {
		s.m.log.Warn("request executions", slog.String("error", err.Error()))
		return
	}
	for _, ev := range evs {
		s.onExecution(ev)
	}
	s.m.log.Info("executions replayed", slog.Int("count", len(evs)))
}

// flush writes batched per-position valuations, dirty account-summary
// fields and any staged final daily row, then clears exactly what was
// persisted.
func (s *session) flush() {
	start := time.Now()

	if len(s.pendingVals) > 0 {
		updates := make([]sqlite.ValuationUpdate, 0, len(s.pendingVals))
		for _, u := range s.pendingVals {
			updates = append(updates, u)
		}
		if err := s.m.store.BatchUpdateValuations(s.accountID, updates); err != nil {
			s.m.log.Warn("flush valuations", slog.String("error", err.Error()))
		} else {
			s.pendingVals = make(map[int64]sqlite.ValuationUpdate)
			s.m.cache.MarkUpdate()
		}
	}

	payload := s.m.cache.CollectDirty()
	if payload.Daily != nil {
		if err := s.m.store.UpsertDailyPnL(s.accountID, *payload.Daily); err != nil {
			s.m.log.Warn("flush daily pnl", slog.String("error", err.Error()))
		} else {
			s.m.cache.ClearDirty(nil, payload.Daily)
		}
	}
	if len(payload.SummaryFields) > 0 {
		if err := s.m.store.UpsertAccountSummary(s.accountID, payload.SummaryFields, payload.SummaryAsOf); err != nil {
			s.m.log.Warn("flush account summary", slog.String("error", err.Error()))
		} else {
			s.m.cache.ClearDirty(payload.SummaryFields, nil)
		}
	}

	if s.m.metrics != nil {
		s.m.metrics.FlushDur.Observe(time.Since(start).Seconds())
	}
}

func (s *session) processOrder(job orderJob) {
	p := job.payload
	s.m.log.Info("placing order",
		slog.String("request_id", job.requestID),
		slog.String("symbol", p.Symbol),
		slog.String("side", p.Side),
		slog.Float64("qty", p.Qty),
		slog.String("type", p.OrderType))

	inst := venue.Instrument{
		Symbol:   strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Exchange: p.Exchange,
		Currency: p.Currency,
	}
	if inst.Exchange == "" {
		inst.Exchange = "SMART"
	}
	if inst.Currency == "" {
		inst.Currency = s.m.cfg.BaseCurrency
	}

	ctx, cancel := context.WithTimeout(context.Background(), orderTimeout)
	defer cancel()

	qualified, err := s.m.venue.QualifyInstrument(ctx, inst)
	if err != nil {
		s.m.log.Warn("order failed to qualify",
			slog.String("request_id", job.requestID),
			slog.String("symbol", inst.Symbol),
			slog.String("error", err.Error()))
		s.countOrder("rejected")
		s.m.resolveOrder(job.requestID, OrderResult{Error: "unable to qualify instrument"})
		return
	}

	ord := venue.Order{
		Side: string(model.NormalizeSide(p.Side)),
		Qty:  p.Qty,
		Type: normalizeOrderType(p.OrderType),
	}
	if ord.Type == venue.OrderTypeLimit {
		ord.LimitPrice = *p.Price
	}

	status, err := s.m.venue.PlaceOrder(ctx, qualified, ord)
	if err != nil {
		s.countOrder("failed")
		s.m.resolveOrder(job.requestID, OrderResult{Error: err.Error()})
		return
	}

	s.m.log.Info("order placed",
		slog.String("request_id", job.requestID),
		slog.Int64("order_id", status.OrderID),
		slog.String("status", status.Status),
		slog.Float64("filled", status.Filled),
		slog.Float64("remaining", status.Remaining))
	s.countOrder("placed")
	s.m.resolveOrder(job.requestID, OrderResult{
		Success: true,
		Ack: &OrderAck{
			OrderID:   status.OrderID,
			Status:    status.Status,
			Filled:    status.Filled,
			Remaining: status.Remaining,
			AvgPrice:  status.AvgPrice,
		},
	})
}

func (s *session) countOrder(outcome string) {
	if s.m.metrics != nil {
		s.m.metrics.OrdersTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *session) subscribePnL(conID int64) {
	if conID == 0 {
		return
	}
	if _, ok := s.subscribed[conID]; ok {
		return
	}
	if err := s.m.venue.SubscribePositionPnL(conID); err != nil {
		return
	}
	s.subscribed[conID] = struct{}{}
}

func (s *session) unsubscribePnL(conID int64) {
	if conID == 0 {
		return
	}
	if _, ok := s.subscribed[conID]; !ok {
		return
	}
	delete(s.subscribed, conID)
	delete(s.pendingVals, conID)
	if err := s.m.venue.UnsubscribePositionPnL(conID); err != nil {
		s.m.log.Debug("unsubscribe pnl", slog.Int64("con_id", conID), slog.String("error", err.Error()))
	}
}
