// Package ledger implements the cost-basis accounting engine.
//
// It operates on one position at a time with no I/O and no locking:
// given the prior position state (or none) and a signed trade, it
// computes the new state, the realized P&L contributed by the trade,
// the trade-log rows to append, and whether the position archives
// and/or a new one opens (direction flip).
//
// Money arithmetic is float64 end to end, matching the reference
// behavior of the durable schema (DOUBLE PRECISION columns); callers
// needing stricter rounding guarantees should convert at the boundary.
package ledger

import (
	"errors"
	"time"

	"pnl-trackerv1/internal/model"
)

var (
	// ErrZeroQuantity rejects zero-quantity trades; average cost is
	// undefined for them.
	ErrZeroQuantity = errors.New("ledger: trade quantity must be non-zero")
	// ErrZeroPrice rejects zero-price trades as malformed input.
	ErrZeroPrice = errors.New("ledger: trade price must be non-zero")
	// ErrInvalidSide rejects sides other than buy/sell.
	ErrInvalidSide = errors.New("ledger: side must be buy or sell")
)

// Trade is one execution to apply. Qty is always positive; Side
// carries the direction.
type Trade struct {
	Side       model.Side
	Qty        float64
	Price      float64
	Commission float64
	Time       time.Time
	ExecID     string
}

// State is the cost-basis state of one open position.
type State struct {
	Qty         float64
	AvgCost     float64
	TotalCost   float64
	RealizedPnL float64
	OpenTime    time.Time
}

// Row is a trade-log row produced by applying a trade. A flip
// produces two rows sharing the input's exec id with distinct
// suffixes.
type Row struct {
	Side        model.Side
	Qty         float64
	Price       float64
	Commission  float64
	RealizedPnL float64
	Time        time.Time
	ExecID      string
}

// Result describes every effect of applying one trade.
type Result struct {
	// State is the resulting open-position state. When the trade
	// closes the position exactly to zero it is the zero State and
	// Closed is set. On a flip it is the state of the newly opened
	// position.
	State State
	// RealizedDelta is the realized P&L contributed by this trade
	// (net of the closing share of commission). Zero for opens/adds.
	RealizedDelta float64
	// Rows are the trade-log rows to append: one, or two on a flip.
	Rows []Row
	// Closed reports that the previously open position must be
	// archived (full close or flip).
	Closed bool
	// Opened reports that a brand-new position must be created
	// (first trade for the key, or the opening leg of a flip).
	Opened bool
	// Flipped reports the close-then-open case.
	Flipped bool
}

func direction(qty float64) int {
	switch {
	case qty > 0:
		return 1
	case qty < 0:
		return -1
	default:
		return 0
	}
}

// realizedForClose computes gross realized P&L for closing closeQty
// units of a position held in the given direction, before commission.
func realizedForClose(avgCost, price, closeQty float64, dir int) float64 {
	if dir >= 0 {
		return (price - avgCost) * closeQty
	}
	return (avgCost - price) * closeQty
}

// Apply computes the effect of one trade against the prior state.
// prev == nil means no open position exists for the key.
func Apply(prev *State, t Trade) (Result, error) {
	if t.Qty == 0 {
		return Result{}, ErrZeroQuantity
	}
	if t.Price == 0 {
		return Result{}, ErrZeroPrice
	}

	var signed float64
	switch t.Side {
	case model.SideBuy:
		signed = t.Qty
	case model.SideSell:
		signed = -t.Qty
	default:
		return Result{}, ErrInvalidSide
	}

	if prev == nil {
		totalCost := signed*t.Price + t.Commission
		return Result{
			State: State{
				Qty:       signed,
				AvgCost:   totalCost / signed,
				TotalCost: totalCost,
				OpenTime:  t.Time,
			},
			Rows: []Row{{
				Side:   t.Side,
				Qty:    t.Qty,
				Price:  t.Price,
				Time:   t.Time,
				ExecID: t.ExecID,
				Commission: t.Commission,
			}},
			Opened: true,
		}, nil
	}

	dir := direction(prev.Qty)
	if dir == 0 || dir == direction(signed) {
		// Same direction (or a flat row): add to the position.
		totalCost := prev.TotalCost + signed*t.Price + t.Commission
		qty := prev.Qty + signed
		avg := 0.0
		if qty != 0 {
			avg = totalCost / qty
		}
		return Result{
			State: State{
				Qty:         qty,
				AvgCost:     avg,
				TotalCost:   totalCost,
				RealizedPnL: prev.RealizedPnL,
				OpenTime:    prev.OpenTime,
			},
			Rows: []Row{{
				Side:       t.Side,
				Qty:        t.Qty,
				Price:      t.Price,
				Commission: t.Commission,
				Time:       t.Time,
				ExecID:     t.ExecID,
			}},
		}, nil
	}

	// Opposing direction: close min(|trade|, |position|) units.
	// Commission splits pro-rata between the closing and opening
	// quantity when the trade is larger than the position.
	closeQty := t.Qty
	if abs := absFloat(prev.Qty); abs < closeQty {
		closeQty = abs
	}
	closeRatio := closeQty / t.Qty
	commissionClose := t.Commission * closeRatio
	commissionOpen := t.Commission - commissionClose

	realizedClose := realizedForClose(prev.AvgCost, t.Price, closeQty, dir)
	realizedTrade := realizedClose - commissionClose
	remaining := prev.Qty + signed

	if remaining == 0 {
		return Result{
			RealizedDelta: realizedTrade,
			Rows: []Row{{
				Side:        t.Side,
				Qty:         closeQty,
				Price:       t.Price,
				Commission:  commissionClose,
				RealizedPnL: realizedTrade,
				Time:        t.Time,
				ExecID:      t.ExecID,
			}},
			Closed: true,
		}, nil
	}

	if direction(remaining) == dir {
		// Partial close: cost basis is unchanged.
		return Result{
			State: State{
				Qty:         remaining,
				AvgCost:     prev.AvgCost,
				TotalCost:   prev.AvgCost * remaining,
				RealizedPnL: prev.RealizedPnL + realizedTrade,
				OpenTime:    prev.OpenTime,
			},
			RealizedDelta: realizedTrade,
			Rows: []Row{{
				Side:        t.Side,
				Qty:         closeQty,
				Price:       t.Price,
				Commission:  commissionClose,
				RealizedPnL: realizedTrade,
				Time:        t.Time,
				ExecID:      t.ExecID,
			}},
		}, nil
	}

	// Flip: the close consumes the whole prior position; the
	// remainder opens a new one at the trade price with the opening
	// share of commission and a fresh identity.
	openTotalCost := remaining*t.Price + commissionOpen
	return Result{
		State: State{
			Qty:       remaining,
			AvgCost:   openTotalCost / remaining,
			TotalCost: openTotalCost,
			OpenTime:  t.Time,
		},
		RealizedDelta: realizedTrade,
		Rows: []Row{
			{
				Side:        t.Side,
				Qty:         closeQty,
				Price:       t.Price,
				Commission:  commissionClose,
				RealizedPnL: realizedTrade,
				Time:        t.Time,
				ExecID:      suffixExecID(t.ExecID, "-close"),
			},
			{
				Side:       t.Side,
				Qty:        absFloat(remaining),
				Price:      t.Price,
				Commission: commissionOpen,
				Time:       t.Time,
				ExecID:     suffixExecID(t.ExecID, "-open"),
			},
		},
		Closed:  true,
		Opened:  true,
		Flipped: true,
	}, nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func suffixExecID(execID, suffix string) string {
	if execID == "" {
		return ""
	}
	return execID + suffix
}
