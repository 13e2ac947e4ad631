package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"pnl-trackerv1/internal/model"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestApplyOpensNewPosition(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	res, err := Apply(nil, Trade{
		Side: model.SideBuy, Qty: 10, Price: 100, Commission: 1,
		Time: now, ExecID: "e1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Opened || res.Closed || res.Flipped {
		t.Fatalf("flags = opened %v closed %v flipped %v, want open only",
			res.Opened, res.Closed, res.Flipped)
	}
	if res.State.Qty != 10 {
		t.Errorf("qty = %v, want 10", res.State.Qty)
	}
	if !almostEqual(res.State.AvgCost, 100.1) {
		t.Errorf("avg cost = %v, want 100.1", res.State.AvgCost)
	}
	if !almostEqual(res.State.TotalCost, 1001) {
		t.Errorf("total cost = %v, want 1001", res.State.TotalCost)
	}
	if res.RealizedDelta != 0 {
		t.Errorf("realized delta = %v, want 0", res.RealizedDelta)
	}
	if len(res.Rows) != 1 || res.Rows[0].ExecID != "e1" {
		t.Fatalf("rows = %+v, want one row with exec id e1", res.Rows)
	}
	if !res.State.OpenTime.Equal(now) {
		t.Errorf("open time = %v, want %v", res.State.OpenTime, now)
	}
}

func TestApplyAddSameDirectionRecomputesAverage(t *testing.T) {
	prev := &State{Qty: 10, AvgCost: 100.1, TotalCost: 1001}
	res, err := Apply(prev, Trade{Side: model.SideBuy, Qty: 10, Price: 110, Commission: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// (1001 + 1100 + 1) / 20
	if !almostEqual(res.State.AvgCost, 105.1) {
		t.Errorf("avg cost = %v, want 105.1", res.State.AvgCost)
	}
	if res.State.Qty != 20 {
		t.Errorf("qty = %v, want 20", res.State.Qty)
	}
	if !almostEqual(res.State.AvgCost*res.State.Qty, res.State.TotalCost) {
		t.Errorf("avg*qty = %v, total = %v",
			res.State.AvgCost*res.State.Qty, res.State.TotalCost)
	}
	if res.RealizedDelta != 0 {
		t.Errorf("realized delta = %v, want 0", res.RealizedDelta)
	}
	if res.Opened || res.Closed {
		t.Errorf("add must neither open nor close")
	}
}

func TestApplyFullCloseLong(t *testing.T) {
	prev := &State{Qty: 10, AvgCost: 100.1, TotalCost: 1001}
	res, err := Apply(prev, Trade{
		Side: model.SideSell, Qty: 10, Price: 110, Commission: 1, ExecID: "e2",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Closed || res.Opened {
		t.Fatalf("flags = closed %v opened %v, want close only", res.Closed, res.Opened)
	}
	// (110 - 100.1) * 10 - 1
	if !almostEqual(res.RealizedDelta, 98) {
		t.Errorf("realized = %v, want 98", res.RealizedDelta)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	if !almostEqual(res.Rows[0].RealizedPnL, 98) {
		t.Errorf("row realized = %v, want 98", res.Rows[0].RealizedPnL)
	}
	if res.Rows[0].ExecID != "e2" {
		t.Errorf("exec id = %q, want e2", res.Rows[0].ExecID)
	}
}

func TestApplyPartialCloseKeepsBasis(t *testing.T) {
	prev := &State{Qty: 10, AvgCost: 100.1, TotalCost: 1001, RealizedPnL: 5}
	res, err := Apply(prev, Trade{Side: model.SideSell, Qty: 4, Price: 110, Commission: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Closed || res.Opened {
		t.Fatalf("partial close must keep the position open")
	}
	if res.State.Qty != 6 {
		t.Errorf("qty = %v, want 6", res.State.Qty)
	}
	if !almostEqual(res.State.AvgCost, 100.1) {
		t.Errorf("avg cost = %v, want unchanged 100.1", res.State.AvgCost)
	}
	if !almostEqual(res.State.TotalCost, 100.1*6) {
		t.Errorf("total cost = %v, want %v", res.State.TotalCost, 100.1*6)
	}
	// (110 - 100.1) * 4 - 1
	want := 38.6
	if !almostEqual(res.RealizedDelta, want) {
		t.Errorf("realized delta = %v, want %v", res.RealizedDelta, want)
	}
	if !almostEqual(res.State.RealizedPnL, 5+want) {
		t.Errorf("state realized = %v, want %v", res.State.RealizedPnL, 5+want)
	}
}

func TestApplyFlipLongToShort(t *testing.T) {
	prev := &State{Qty: 10, AvgCost: 100, TotalCost: 1000}
	res, err := Apply(prev, Trade{
		Side: model.SideSell, Qty: 15, Price: 110, Commission: 3, ExecID: "e3",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Flipped || !res.Closed || !res.Opened {
		t.Fatalf("flags = flipped %v closed %v opened %v, want all set",
			res.Flipped, res.Closed, res.Opened)
	}
	// Commission splits 10/15 close, 5/15 open.
	// Realized = (110-100)*10 - 2 = 98.
	if !almostEqual(res.RealizedDelta, 98) {
		t.Errorf("realized = %v, want 98", res.RealizedDelta)
	}
	if res.State.Qty != -5 {
		t.Errorf("new qty = %v, want -5", res.State.Qty)
	}
	// New basis: (-5*110 + 1) / -5 = 109.8
	if !almostEqual(res.State.AvgCost, 109.8) {
		t.Errorf("new avg cost = %v, want 109.8", res.State.AvgCost)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	if res.Rows[0].ExecID != "e3-close" || res.Rows[1].ExecID != "e3-open" {
		t.Errorf("exec ids = %q, %q, want e3-close, e3-open",
			res.Rows[0].ExecID, res.Rows[1].ExecID)
	}
	if res.Rows[0].Qty != 10 || res.Rows[1].Qty != 5 {
		t.Errorf("row qtys = %v, %v, want 10, 5", res.Rows[0].Qty, res.Rows[1].Qty)
	}
	if !almostEqual(res.Rows[0].Commission, 2) || !almostEqual(res.Rows[1].Commission, 1) {
		t.Errorf("row commissions = %v, %v, want 2, 1",
			res.Rows[0].Commission, res.Rows[1].Commission)
	}
	if !almostEqual(res.Rows[0].RealizedPnL, 98) {
		t.Errorf("close row realized = %v, want 98", res.Rows[0].RealizedPnL)
	}
	if res.Rows[1].RealizedPnL != 0 {
		t.Errorf("open row realized = %v, want 0", res.Rows[1].RealizedPnL)
	}
}

func TestApplyShortSideRealized(t *testing.T) {
	// Short 10 @ 100, buy back 10 @ 90: realized (100-90)*10 - 1 = 99.
	open, err := Apply(nil, Trade{Side: model.SideSell, Qty: 10, Price: 100})
	if err != nil {
		t.Fatalf("open short: %v", err)
	}
	if open.State.Qty != -10 {
		t.Fatalf("short qty = %v, want -10", open.State.Qty)
	}
	res, err := Apply(&open.State, Trade{Side: model.SideBuy, Qty: 10, Price: 90, Commission: 1})
	if err != nil {
		t.Fatalf("close short: %v", err)
	}
	if !res.Closed {
		t.Fatalf("expected full close")
	}
	if !almostEqual(res.RealizedDelta, 99) {
		t.Errorf("realized = %v, want 99", res.RealizedDelta)
	}
}

func TestApplyValidation(t *testing.T) {
	if _, err := Apply(nil, Trade{Side: model.SideBuy, Qty: 0, Price: 10}); !errors.Is(err, ErrZeroQuantity) {
		t.Errorf("zero qty: err = %v, want ErrZeroQuantity", err)
	}
	if _, err := Apply(nil, Trade{Side: model.SideBuy, Qty: 1, Price: 0}); !errors.Is(err, ErrZeroPrice) {
		t.Errorf("zero price: err = %v, want ErrZeroPrice", err)
	}
	if _, err := Apply(nil, Trade{Side: model.Side("short"), Qty: 1, Price: 10}); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("bad side: err = %v, want ErrInvalidSide", err)
	}
}
