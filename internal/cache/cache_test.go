package cache

import (
	"math"
	"testing"
	"time"

	"pnl-trackerv1/internal/model"
)

var testKey = model.PositionKey{Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD"}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordExecRealizedDeltaIdempotency(t *testing.T) {
	c := New()
	c.UpsertPosition(model.Position{ID: 1, Key: testKey, Qty: 10, AvgCost: 100})

	c.RecordExecRealized("e1", testKey, 5)
	if got := c.RealizedTotal(); !almostEqual(got, 5) {
		t.Fatalf("total after first report = %v, want 5", got)
	}

	// Same value again applies nothing.
	c.RecordExecRealized("e1", testKey, 5)
	if got := c.RealizedTotal(); !almostEqual(got, 5) {
		t.Fatalf("total after repeat = %v, want 5", got)
	}

	// Corrected value applies only the correction.
	c.RecordExecRealized("e1", testKey, 8)
	if got := c.RealizedTotal(); !almostEqual(got, 8) {
		t.Fatalf("total after correction = %v, want 8", got)
	}
	if got, ok := c.PositionRealized(testKey); !ok || !almostEqual(got, 8) {
		t.Fatalf("position realized = %v (ok=%v), want 8", got, ok)
	}
}

func TestUpdateDailyPnLCumulativeOrderIndependent(t *testing.T) {
	values := map[string]float64{
		"2026-03-02": 10,
		"2026-03-03": -4,
		"2026-03-04": 7,
	}

	inOrder := New()
	for _, date := range []string{"2026-03-02", "2026-03-03", "2026-03-04"} {
		inOrder.UpdateDailyPnL(date, values[date])
	}
	shuffled := New()
	for _, date := range []string{"2026-03-04", "2026-03-02", "2026-03-03"} {
		shuffled.UpdateDailyPnL(date, values[date])
	}

	a, b := inOrder.SnapshotDailyPnL(), shuffled.SnapshotDailyPnL()
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("series lengths = %d, %d, want 3", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("series[%d]: in-order %+v != shuffled %+v", i, a[i], b[i])
		}
	}
	if !almostEqual(a[2].CumulativePnL, 13) {
		t.Errorf("final cumulative = %v, want 13", a[2].CumulativePnL)
	}
}

func TestUpdateDailyPnLStagesPreviousDateOnRollover(t *testing.T) {
	c := New()
	c.UpdateDailyPnL("2026-03-02", 10)
	if p := c.CollectDirty(); p.Daily != nil {
		t.Fatalf("daily payload staged before rollover: %+v", p.Daily)
	}

	c.UpdateDailyPnL("2026-03-02", 12) // same date, still current
	if p := c.CollectDirty(); p.Daily != nil {
		t.Fatalf("daily payload staged on same-date update: %+v", p.Daily)
	}

	c.UpdateDailyPnL("2026-03-03", 3)
	p := c.CollectDirty()
	if p.Daily == nil {
		t.Fatal("expected previous date staged after rollover")
	}
	if p.Daily.TradeDate != "2026-03-02" || !almostEqual(p.Daily.DailyPnL, 12) {
		t.Errorf("staged payload = %+v, want 2026-03-02 / 12", p.Daily)
	}
	if !almostEqual(p.Daily.CumulativePnL, 12) {
		t.Errorf("staged cumulative = %v, want 12", p.Daily.CumulativePnL)
	}

	c.ClearDirty(nil, p.Daily)
	if p := c.CollectDirty(); p.Daily != nil {
		t.Errorf("daily payload survived ClearDirty: %+v", p.Daily)
	}
}

func TestCollectClearDirtyKeepsLaterMutations(t *testing.T) {
	c := New()
	c.UpdateAccountSummaryField(model.FieldNetLiquidation, 1000)
	c.UpdateAccountSummaryField(model.FieldTotalCashValue, 500)

	p := c.CollectDirty()
	if len(p.SummaryFields) != 2 {
		t.Fatalf("dirty fields = %v, want 2 entries", p.SummaryFields)
	}

	// Mutation after the collect must survive the clear.
	c.UpdateAccountSummaryField(model.FieldNetLiquidation, 1100)

	c.ClearDirty(p.SummaryFields, nil)

	p2 := c.CollectDirty()
	if len(p2.SummaryFields) != 1 {
		t.Fatalf("dirty fields after clear = %v, want only net_liquidation", p2.SummaryFields)
	}
	if v, ok := p2.SummaryFields[model.FieldNetLiquidation]; !ok || !almostEqual(v, 1100) {
		t.Errorf("net_liquidation = %v (ok=%v), want 1100", v, ok)
	}
}

func TestClearDirtyKeepsDailyRestagedAfterCollect(t *testing.T) {
	c := New()
	c.UpdateDailyPnL("2026-03-02", 10)
	c.UpdateDailyPnL("2026-03-03", 3)
	p := c.CollectDirty()
	if p.Daily == nil {
		t.Fatal("expected staged daily payload after rollover")
	}

	// Another rollover between collect and clear replaces the staged
	// payload; the stale clear must not drop it.
	c.UpdateDailyPnL("2026-03-04", 7)
	c.ClearDirty(nil, p.Daily)

	p2 := c.CollectDirty()
	if p2.Daily == nil {
		t.Fatal("restaged daily payload dropped by stale clear")
	}
	if p2.Daily.TradeDate != "2026-03-03" {
		t.Errorf("staged trade date = %q, want 2026-03-03", p2.Daily.TradeDate)
	}
}

func TestUpsertPositionPreservesValuationFields(t *testing.T) {
	c := New()
	open := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	c.UpsertPosition(model.Position{ID: 7, Key: testKey, Qty: 10, AvgCost: 100, OpenTime: open, ConID: 42})
	c.UpdateValuationByContract(42, 25, nil)
	c.ApplyRealizedDelta(testKey, 3)

	// Venue snapshot refresh: identity and qty/cost only.
	c.UpsertPosition(model.Position{Key: testKey, Qty: 12, AvgCost: 101, ConID: 42})

	p, ok := c.Position(testKey)
	if !ok {
		t.Fatal("position missing after upsert")
	}
	if p.Qty != 12 || !almostEqual(p.AvgCost, 101) {
		t.Errorf("qty/avg = %v/%v, want 12/101", p.Qty, p.AvgCost)
	}
	if !almostEqual(p.UnrealizedPnL, 25) {
		t.Errorf("unrealized = %v, want preserved 25", p.UnrealizedPnL)
	}
	if !almostEqual(p.RealizedPnL, 3) {
		t.Errorf("realized = %v, want preserved 3", p.RealizedPnL)
	}
	if p.ID != 7 {
		t.Errorf("id = %d, want preserved 7", p.ID)
	}
	if !p.OpenTime.Equal(open) {
		t.Errorf("open time = %v, want preserved %v", p.OpenTime, open)
	}
}

func TestUpdateValuationByContractIgnoresUnknownContract(t *testing.T) {
	c := New()
	c.UpsertPosition(model.Position{ID: 1, Key: testKey, Qty: 10, ConID: 42})
	c.UpdateValuationByContract(99, 50, nil)
	p, _ := c.Position(testKey)
	if p.UnrealizedPnL != 0 {
		t.Errorf("unrealized = %v, want 0 for unknown contract", p.UnrealizedPnL)
	}

	daily := 5.0
	c.UpdateValuationByContract(42, 50, &daily)
	p, _ = c.Position(testKey)
	if !almostEqual(p.UnrealizedPnL, 50) || !almostEqual(p.DailyPnL, 5) {
		t.Errorf("valuation = %v/%v, want 50/5", p.UnrealizedPnL, p.DailyPnL)
	}
}

func TestRemovePositionDropsLookups(t *testing.T) {
	c := New()
	c.UpsertPosition(model.Position{ID: 1, Key: testKey, Qty: 10, ConID: 42})
	c.RemovePosition(testKey)

	if _, ok := c.Position(testKey); ok {
		t.Fatal("position still present after remove")
	}
	// Late valuation for the dropped contract must be a no-op.
	c.UpdateValuationByContract(42, 99, nil)
	if got := c.SnapshotPositions(); len(got) != 0 {
		t.Errorf("positions = %+v, want empty", got)
	}
}

func TestApplyRealizedDeltaMissingKeyIsNoop(t *testing.T) {
	c := New()
	c.ApplyRealizedDelta(testKey, 10)
	if got := c.RealizedTotal(); got != 0 {
		t.Errorf("total = %v, want 0", got)
	}
}

func TestSnapshotSorting(t *testing.T) {
	c := New()
	c.UpsertPosition(model.Position{ID: 1, Key: model.PositionKey{Symbol: "MSFT", Currency: "USD"}, Qty: 1})
	c.UpsertPosition(model.Position{ID: 2, Key: model.PositionKey{Symbol: "AAPL", Currency: "USD"}, Qty: 1})

	got := c.SnapshotPositions()
	if len(got) != 2 || got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
		t.Errorf("positions order = %+v, want AAPL then MSFT", got)
	}

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c.AddHistory(model.HistoryEntry{ID: 1, Key: testKey, CloseTime: t0})
	c.AddHistory(model.HistoryEntry{ID: 2, Key: testKey, CloseTime: t0.Add(time.Hour)})
	h := c.SnapshotHistory()
	if len(h) != 2 || h[0].ID != 2 || h[1].ID != 1 {
		t.Errorf("history order = %+v, want newest close first", h)
	}
}

func TestHydrateResetsState(t *testing.T) {
	c := New()
	c.UpdateAccountSummaryField(model.FieldNetLiquidation, 1)
	c.UpdateDailyPnL("2026-03-02", 10)
	c.UpdateDailyPnL("2026-03-03", 5)

	c.Hydrate(model.CacheSnapshot{
		AccountID:     9,
		BaseCurrency:  "USD",
		RealizedTotal: 77,
		Positions:     []model.Position{{ID: 1, Key: testKey, Qty: 10, ConID: 42}},
		Summary:       map[string]float64{model.FieldNetLiquidation: 2000},
		Daily:         map[string]float64{"2026-03-01": 4},
	})

	if !c.Ready() {
		t.Fatal("cache not ready after hydrate")
	}
	if id, ccy := c.Account(); id != 9 || ccy != "USD" {
		t.Errorf("account = %d/%s, want 9/USD", id, ccy)
	}
	if got := c.RealizedTotal(); !almostEqual(got, 77) {
		t.Errorf("realized total = %v, want 77", got)
	}
	// Hydrated state is in sync; nothing is dirty.
	if p := c.CollectDirty(); len(p.SummaryFields) != 0 || p.Daily != nil {
		t.Errorf("dirty after hydrate = %+v, want none", p)
	}
	series := c.SnapshotDailyPnL()
	if len(series) != 1 || series[0].TradeDate != "2026-03-01" {
		t.Errorf("daily series = %+v, want single hydrated row", series)
	}
	// Contract mapping rebuilt from the snapshot.
	c.UpdateValuationByContract(42, 11, nil)
	p, _ := c.Position(testKey)
	if !almostEqual(p.UnrealizedPnL, 11) {
		t.Errorf("unrealized = %v, want 11", p.UnrealizedPnL)
	}
}

func TestSetAccountFirstWriterWins(t *testing.T) {
	c := New()
	c.SetAccount(1, "USD")
	c.SetAccount(2, "EUR")
	if id, ccy := c.Account(); id != 1 || ccy != "USD" {
		t.Errorf("account = %d/%s, want 1/USD", id, ccy)
	}
}
