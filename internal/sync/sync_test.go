package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pnl-trackerv1/config"
	"pnl-trackerv1/internal/cache"
	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/sqlite"
	"pnl-trackerv1/internal/venue"
)

type fakeVenue struct {
	connected    bool
	account      string
	positions    []venue.PositionEvent
	executions   []venue.ExecutionEvent
	subscribed   map[int64]bool
	unsubscribed []int64
	qualifyErr   error
	placeErr     error
	status       venue.OrderStatus
	placed       []venue.Order
}

var _ venue.Venue = (*fakeVenue)(nil)

func newFakeVenue() *fakeVenue {
	return &fakeVenue{connected: true, account: "U100", subscribed: make(map[int64]bool)}
}

func (f *fakeVenue) Connect(ctx context.Context, h venue.Handler) error {
	f.connected = true
	return nil
}
func (f *fakeVenue) Close() error        { f.connected = false; return nil }
func (f *fakeVenue) IsConnected() bool   { return f.connected }
func (f *fakeVenue) Account() (string, error) { return f.account, nil }
func (f *fakeVenue) RequestPositions(ctx context.Context) ([]venue.PositionEvent, error) {
	return f.positions, nil
}
func (f *fakeVenue) RequestExecutions(ctx context.Context, since time.Time) ([]venue.ExecutionEvent, error) {
	return f.executions, nil
}
func (f *fakeVenue) SubscribeAccountPnL() error     { return nil }
func (f *fakeVenue) SubscribeAccountSummary() error { return nil }
func (f *fakeVenue) SubscribePositionPnL(conID int64) error {
	f.subscribed[conID] = true
	return nil
}
func (f *fakeVenue) UnsubscribePositionPnL(conID int64) error {
	delete(f.subscribed, conID)
	f.unsubscribed = append(f.unsubscribed, conID)
	return nil
}
func (f *fakeVenue) QualifyInstrument(ctx context.Context, inst venue.Instrument) (venue.Instrument, error) {
	if f.qualifyErr != nil {
		return venue.Instrument{}, f.qualifyErr
	}
	inst.ConID = 99
	return inst, nil
}
func (f *fakeVenue) PlaceOrder(ctx context.Context, inst venue.Instrument, ord venue.Order) (venue.OrderStatus, error) {
	if f.placeErr != nil {
		return venue.OrderStatus{}, f.placeErr
	}
	f.placed = append(f.placed, ord)
	return f.status, nil
}
func (f *fakeVenue) Ping() error { return nil }

var testKey = model.PositionKey{Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD"}

func newTestSession(t *testing.T) (*Manager, *session, *fakeVenue) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	accountID, err := st.UpsertAccount("U100", "USD")
	if err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	c := cache.New()
	c.SetAccount(accountID, "USD")
	fv := newFakeVenue()
	cfg := &config.Config{
		BaseCurrency:      "USD",
		OrderQueueMax:     4,
		KeepaliveInterval: time.Minute,
		CacheFlushEvery:   time.Minute,
		ReconnectMinDelay: time.Millisecond,
		ReconnectMaxDelay: time.Second,
	}
	m := New(cfg, st, c, fv, nil, nil)
	return m, newSession(m, "U100", accountID), fv
}

func execEvent(execID string, side string, qty, price float64, at time.Time) venue.ExecutionEvent {
	return venue.ExecutionEvent{
		Account:  "U100",
		ExecID:   execID,
		Symbol:   "AAPL",
		Exchange: "NASDAQ",
		Currency: "USD",
		Side:     side,
		Qty:      qty,
		Price:    price,
		Time:     at,
	}
}

func TestExecutionOpenCloseLifecycle(t *testing.T) {
	m, s, _ := newTestSession(t)
	t0 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	s.onExecution(execEvent("e1", "BOT", 10, 100, t0))
	p, ok := m.cache.Position(testKey)
	if !ok || p.Qty != 10 || p.AvgCost != 100 {
		t.Fatalf("after open: position = %+v ok=%v", p, ok)
	}
	if _, ok, _ := m.store.GetPosition(s.accountID, testKey); !ok {
		t.Fatal("open position not persisted")
	}

	// Replaying the same execution must not book it twice.
	s.onExecution(execEvent("e1", "BOT", 10, 100, t0))
	trades, _ := m.store.ListTrades(s.accountID, 0)
	if len(trades) != 1 {
		t.Fatalf("after replay: %d trades, want 1", len(trades))
	}
	p, _ = m.cache.Position(testKey)
	if p.Qty != 10 {
		t.Fatalf("after replay: qty = %v, want 10", p.Qty)
	}

	t1 := t0.Add(time.Hour)
	s.onExecution(execEvent("e2", "SLD", 10, 110, t1))
	if _, ok := m.cache.Position(testKey); ok {
		t.Fatal("position still open after full close")
	}
	if _, ok, _ := m.store.GetPosition(s.accountID, testKey); ok {
		t.Fatal("position row still present after full close")
	}
	h, ok, err := m.store.LatestHistory(s.accountID, "AAPL", "USD")
	if err != nil || !ok {
		t.Fatalf("latest history: ok=%v err=%v", ok, err)
	}
	if h.RealizedPnL != 100 || !h.CloseTime.Equal(t1) {
		t.Errorf("history = %+v, want realized 100 close %v", h, t1)
	}
	if got := m.cache.RealizedTotal(); got != 100 {
		t.Errorf("realized total = %v, want 100", got)
	}

	// A corrected realization report applies only the delta.
	realized := 98.0
	s.onCommission(venue.CommissionEvent{ExecID: "e2", Commission: 1, Realized: &realized})
	if got := m.cache.RealizedTotal(); got != 98 {
		t.Errorf("realized total after report = %v, want 98", got)
	}
	rec, ok, _ := m.store.TradeByExecID("e2")
	if !ok || rec.Commission != 1 || rec.RealizedPnL != 98 {
		t.Errorf("trade row = %+v, want commission 1 realized 98", rec)
	}
	h, _, _ = m.store.LatestHistory(s.accountID, "AAPL", "USD")
	if h.RealizedPnL != 98 {
		t.Errorf("history realized = %v, want resummed 98", h.RealizedPnL)
	}
}

func TestExecutionFlip(t *testing.T) {
	m, s, _ := newTestSession(t)
	t0 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	s.onExecution(execEvent("e1", "buy", 10, 100, t0))
	s.onExecution(execEvent("e2", "sell", 15, 110, t0.Add(time.Hour)))

	p, ok := m.cache.Position(testKey)
	if !ok || p.Qty != -5 || p.AvgCost != 110 {
		t.Fatalf("flip position = %+v ok=%v, want qty -5 avg 110", p, ok)
	}
	if _, ok, _ := m.store.LatestHistory(s.accountID, "AAPL", "USD"); !ok {
		t.Fatal("flip did not archive the long position")
	}
	if _, ok, _ := m.store.TradeByExecID("e2-close"); !ok {
		t.Error("closing leg row missing")
	}
	if _, ok, _ := m.store.TradeByExecID("e2-open"); !ok {
		t.Error("opening leg row missing")
	}
	trades, _ := m.store.ListTrades(s.accountID, 0)
	if len(trades) != 3 {
		t.Errorf("trade rows = %d, want 3", len(trades))
	}
	if got := m.cache.RealizedTotal(); got != 100 {
		t.Errorf("realized total = %v, want 100", got)
	}
}

func TestCommissionReportBeforeTrade(t *testing.T) {
	m, s, _ := newTestSession(t)
	t0 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	s.onCommission(venue.CommissionEvent{ExecID: "e1", Commission: 1.5})
	if len(s.pendingReports) != 1 {
		t.Fatalf("pending reports = %d, want 1", len(s.pendingReports))
	}

	s.onExecution(execEvent("e1", "buy", 10, 100, t0))
	if len(s.pendingReports) != 0 {
		t.Error("pending report not consumed by trade insert")
	}
	rec, ok, _ := m.store.TradeByExecID("e1")
	if !ok || rec.Commission != 1.5 {
		t.Errorf("trade row = %+v, want back-filled commission 1.5", rec)
	}
}

func TestOpenTimeBackdatedByReplayedExecution(t *testing.T) {
	m, s, _ := newTestSession(t)
	t0 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	s.onExecution(execEvent("e1", "buy", 10, 100, t0))
	s.onExecution(execEvent("e0", "buy", 5, 99, t0.Add(-time.Hour)))

	p, _ := m.cache.Position(testKey)
	if !p.OpenTime.Equal(t0.Add(-time.Hour)) {
		t.Errorf("open time = %v, want backdated %v", p.OpenTime, t0.Add(-time.Hour))
	}
	stored, _, _ := m.store.GetPosition(s.accountID, testKey)
	if !stored.OpenTime.Equal(t0.Add(-time.Hour)) {
		t.Errorf("stored open time = %v, want backdated", stored.OpenTime)
	}
}

func TestOnPositionSnapshot(t *testing.T) {
	m, s, fv := newTestSession(t)

	s.onPosition(venue.PositionEvent{
		Account: "U100", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		ConID: 7, Qty: 5, AvgCost: 100,
	})
	p, ok := m.cache.Position(testKey)
	if !ok || p.Qty != 5 || p.ConID != 7 {
		t.Fatalf("position = %+v ok=%v", p, ok)
	}
	if !fv.subscribed[7] {
		t.Error("per-position valuation not subscribed")
	}
	openTime := p.OpenTime

	// A refresh must preserve the known open time and valuations.
	m.cache.UpdateValuationByContract(7, 25, nil)
	s.onPosition(venue.PositionEvent{
		Account: "U100", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		ConID: 7, Qty: 6, AvgCost: 101,
	})
	p, _ = m.cache.Position(testKey)
	if p.Qty != 6 || !p.OpenTime.Equal(openTime) || p.UnrealizedPnL != 25 {
		t.Errorf("refreshed position = %+v, want qty 6 same open time unrealized 25", p)
	}

	// Zero quantity archives.
	s.onPosition(venue.PositionEvent{
		Account: "U100", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		ConID: 7, Qty: 0,
	})
	if _, ok := m.cache.Position(testKey); ok {
		t.Error("position still open after zero-qty snapshot")
	}
	if _, ok, _ := m.store.LatestHistory(s.accountID, "AAPL", "USD"); !ok {
		t.Error("zero-qty snapshot did not archive")
	}
	if fv.subscribed[7] {
		t.Error("valuation subscription not cancelled on archive")
	}
}

func TestReplayPositionsArchivesUnseen(t *testing.T) {
	m, s, fv := newTestSession(t)
	open := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	m.store.UpsertPosition(s.accountID, model.Position{Key: testKey, Qty: 10, AvgCost: 100, TotalCost: 1000, OpenTime: open})
	staleKey := model.PositionKey{Symbol: "MSFT", Exchange: "NASDAQ", Currency: "USD"}
	m.store.UpsertPosition(s.accountID, model.Position{Key: staleKey, Qty: 3, AvgCost: 400, TotalCost: 1200, OpenTime: open})

	fv.positions = []venue.PositionEvent{{
		Account: "U100", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		ConID: 7, Qty: 10, AvgCost: 100,
	}}
	s.replayPositions()

	if _, ok, _ := m.store.GetPosition(s.accountID, testKey); !ok {
		t.Error("venue-reported position was archived")
	}
	if _, ok, _ := m.store.GetPosition(s.accountID, staleKey); ok {
		t.Error("stale position not archived")
	}
	if _, ok, _ := m.store.LatestHistory(s.accountID, "MSFT", "USD"); !ok {
		t.Error("stale position has no history entry")
	}
}

func TestOnAccountValue(t *testing.T) {
	m, s, _ := newTestSession(t)

	s.onAccountValue(venue.AccountValueEvent{Account: "U100", Tag: "NetLiquidation", Value: "10000", Currency: "JPY"})
	s.onAccountValue(venue.AccountValueEvent{Account: "U100", Tag: "SomeUnknownTag", Value: "1", Currency: "USD"})
	s.onAccountValue(venue.AccountValueEvent{Account: "U100", Tag: "NetLiquidation", Value: "garbage", Currency: "USD"})
	s.onAccountValue(venue.AccountValueEvent{Account: "U100", Tag: "NetLiquidation", Value: "10000", Currency: "USD"})

	snap := m.cache.SnapshotAccountSummary()
	if snap.NetLiquidation == nil || *snap.NetLiquidation != 10000 {
		t.Fatalf("net liquidation = %v, want 10000", snap.NetLiquidation)
	}
	// The field flushes immediately and must not stay dirty.
	if payload := m.cache.CollectDirty(); len(payload.SummaryFields) != 0 {
		t.Errorf("dirty fields after immediate flush = %v", payload.SummaryFields)
	}
	loaded, err := m.store.LoadSnapshot(s.accountID, "USD")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.Summary[model.FieldNetLiquidation] != 10000 {
		t.Errorf("stored summary = %v", loaded.Summary)
	}
}

func TestPositionPnLDedupeAndFlush(t *testing.T) {
	m, s, _ := newTestSession(t)
	s.onPosition(venue.PositionEvent{
		Account: "U100", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		ConID: 7, Qty: 5, AvgCost: 100,
	})

	u, d := 25.0, 5.0
	s.onPositionPnL(venue.PositionPnLEvent{ConID: 7, Unrealized: &u, Daily: &d})
	s.onPositionPnL(venue.PositionPnLEvent{ConID: 7, Unrealized: &u, Daily: &d})
	if len(s.pendingVals) != 1 {
		t.Fatalf("pending valuations = %d, want deduped 1", len(s.pendingVals))
	}

	s.flush()
	if len(s.pendingVals) != 0 {
		t.Error("pending valuations not cleared by flush")
	}
	p, _, _ := m.store.GetPosition(s.accountID, testKey)
	if p.UnrealizedPnL != 25 || p.DailyPnL != 5 {
		t.Errorf("flushed valuation = %v/%v, want 25/5", p.UnrealizedPnL, p.DailyPnL)
	}

	u2 := 30.0
	s.onPositionPnL(venue.PositionPnLEvent{ConID: 7, Unrealized: &u2})
	if len(s.pendingVals) != 1 {
		t.Error("changed valuation not queued")
	}
	cached, _ := m.cache.Position(testKey)
	if cached.UnrealizedPnL != 30 || cached.DailyPnL != 5 {
		t.Errorf("cached valuation = %v/%v, want 30/5", cached.UnrealizedPnL, cached.DailyPnL)
	}
}

func TestEnqueueOrderValidation(t *testing.T) {
	m, _, _ := newTestSession(t)

	if res := m.EnqueueOrder(OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "market"}, "", time.Millisecond); res.Error != ErrDisconnected.Error() {
		t.Errorf("disconnected enqueue = %+v", res)
	}

	m.mu.Lock()
	m.status.Connected = true
	m.mu.Unlock()

	cases := []struct {
		name    string
		payload OrderPayload
	}{
		{"missing symbol", OrderPayload{Side: "buy", Qty: 1, OrderType: "market"}},
		{"zero qty", OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 0, OrderType: "market"}},
		{"bad side", OrderPayload{Symbol: "AAPL", Side: "hold", Qty: 1, OrderType: "market"}},
		{"bad type", OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "stop"}},
		{"limit without price", OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "limit"}},
	}
	for _, tc := range cases {
		if res := m.EnqueueOrder(tc.payload, "", time.Millisecond); res.Error == "" {
			t.Errorf("%s: accepted invalid order", tc.name)
		}
	}

	// Unprocessed but valid orders report queued, not failed.
	res := m.EnqueueOrder(OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "market"}, "req-1", 10*time.Millisecond)
	if !res.Success || !res.Queued || res.RequestID != "req-1" {
		t.Errorf("queued result = %+v", res)
	}
}

func TestEnqueueOrderQueueFullAndReadonly(t *testing.T) {
	m, _, _ := newTestSession(t)
	m.mu.Lock()
	m.status.Connected = true
	m.mu.Unlock()

	payload := OrderPayload{Symbol: "AAPL", Side: "buy", Qty: 1, OrderType: "market"}
	for i := 0; i < cap(m.orders); i++ {
		m.EnqueueOrder(payload, "", time.Millisecond)
	}
	if res := m.EnqueueOrder(payload, "", time.Millisecond); res.Error != ErrQueueFull.Error() {
		t.Errorf("full queue result = %+v", res)
	}

	m.cfg.Readonly = true
	if res := m.EnqueueOrder(payload, "", time.Millisecond); res.Error != ErrReadonly.Error() {
		t.Errorf("readonly result = %+v", res)
	}
}

func TestProcessOrderResolvesWaiter(t *testing.T) {
	m, s, fv := newTestSession(t)
	fv.status = venue.OrderStatus{OrderID: 31, Status: "Submitted", Remaining: 2}

	ch := make(chan OrderResult, 1)
	m.mu.Lock()
	m.waiters["req-1"] = ch
	m.mu.Unlock()

	price := 100.5
	s.processOrder(orderJob{requestID: "req-1", payload: OrderPayload{
		Symbol: "aapl", Side: "BUY", Qty: 2, OrderType: "LMT", Price: &price,
	}})

	res := <-ch
	if !res.Success || res.Ack == nil || res.Ack.OrderID != 31 || res.RequestID != "req-1" {
		t.Fatalf("order result = %+v", res)
	}
	if len(fv.placed) != 1 || fv.placed[0].LimitPrice != 100.5 || fv.placed[0].Side != "buy" {
		t.Errorf("placed order = %+v", fv.placed)
	}
}

func TestOnAccountPnL(t *testing.T) {
	m, s, _ := newTestSession(t)

	s.onAccountPnL(venue.AccountPnLEvent{Daily: 42, Unrealized: 10, Realized: 5})
	series := m.cache.SnapshotDailyPnL()
	if len(series) != 1 || series[0].DailyPnL != 42 {
		t.Fatalf("daily series = %+v, want one bucket of 42", series)
	}
}

func TestConnectivityCodes(t *testing.T) {
	m, s, _ := newTestSession(t)

	s.onConnectivity(venue.ConnectivityEvent{Code: 1100})
	if m.Status().VenueUp {
		t.Error("venue still up after 1100")
	}
	s.onConnectivity(venue.ConnectivityEvent{Code: 1101})
	if !m.Status().VenueUp {
		t.Error("venue not restored after 1101")
	}
}
