// Package model defines the shared domain types for the PnL tracker:
// position identity, open/closed positions, trade records, and the
// snapshot payloads served to API consumers.
package model

import (
	"strings"
	"time"
)

// Side is a normalized trade side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NormalizeSide maps venue side spellings ("BOT"/"SLD"/"BUY"/"SELL")
// to the canonical buy/sell values. Unknown sides are returned
// lowercased so callers can reject them.
func NormalizeSide(side string) Side {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "bot", "buy":
		return SideBuy
	case "sld", "sell":
		return SideSell
	default:
		return Side(strings.ToLower(strings.TrimSpace(side)))
	}
}

// PositionKey identifies at most one open position at a time.
// Exchange may be empty (unspecified/primary listing).
type PositionKey struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

func (k PositionKey) String() string {
	return k.Symbol + ":" + k.Exchange + ":" + k.Currency
}

// Position is an open position. ID is assigned by durable storage on
// first insert and is stable for the life of the position, including
// its archived form. ConID correlates the live-valuation subscription
// for this position; 0 means no venue contract is known yet.
type Position struct {
	ID            int64       `json:"id"`
	Key           PositionKey `json:"key"`
	Qty           float64     `json:"qty"`
	AvgCost       float64     `json:"avg_cost"`
	TotalCost     float64     `json:"total_cost"`
	RealizedPnL   float64     `json:"realized_pnl"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	DailyPnL      float64     `json:"daily_pnl"`
	OpenTime      time.Time   `json:"open_time"`
	ConID         int64       `json:"con_id"`
}

// TotalPnL is realized + unrealized, recomputed on demand so the two
// inputs can never drift from their sum.
func (p Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// HistoryEntry is an archived position. It keeps the id the position
// had while open so closed positions stay addressable.
type HistoryEntry struct {
	ID          int64       `json:"id"`
	Key         PositionKey `json:"key"`
	OpenTime    time.Time   `json:"open_time"`
	CloseTime   time.Time   `json:"close_time"`
	RealizedPnL float64     `json:"realized_pnl"`
}

// TradeRecord is one append-only row of the durable trade log.
// Commission and RealizedPnL may be back-filled once when a delayed
// commission report arrives; nothing else is ever mutated.
type TradeRecord struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	PositionID  int64     `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	Currency    string    `json:"currency"`
	Side        Side      `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Commission  float64   `json:"commission"`
	RealizedPnL float64   `json:"realized_pnl"`
	TradeTime   time.Time `json:"trade_time"`
	ExecID      string    `json:"exec_id"`
	PermID      string    `json:"perm_id"`
}

// Account summary field names. These are the durable column names; the
// venue's tag spellings are mapped onto them at the sync boundary.
const (
	FieldNetLiquidation     = "net_liquidation"
	FieldTotalCashValue     = "total_cash_value"
	FieldAvailableFunds     = "available_funds"
	FieldExcessLiquidity    = "excess_liquidity"
	FieldInitMarginReq      = "init_margin_req"
	FieldMaintMarginReq     = "maint_margin_req"
	FieldGrossPositionValue = "gross_position_value"
	FieldShortMarketValue   = "short_market_value"
)

// AccountSummaryFields lists every valuation field in column order.
var AccountSummaryFields = []string{
	FieldNetLiquidation,
	FieldTotalCashValue,
	FieldAvailableFunds,
	FieldExcessLiquidity,
	FieldInitMarginReq,
	FieldMaintMarginReq,
	FieldGrossPositionValue,
	FieldShortMarketValue,
}

// DailyPnLPoint is one row of the account daily-PnL series.
// CumulativePnL is a running sum over the date-ordered series.
type DailyPnLPoint struct {
	TradeDate     string  `json:"trade_date"`
	DailyPnL      float64 `json:"daily_pnl"`
	CumulativePnL float64 `json:"cumulative_pnl"`
}

// CacheSnapshot is the bulk-load payload read from durable storage at
// startup. The cache replaces all in-memory state with it atomically.
type CacheSnapshot struct {
	AccountID     int64
	BaseCurrency  string
	RealizedTotal float64
	Positions     []Position
	History       []HistoryEntry
	Summary       map[string]float64
	SummaryAsOf   time.Time
	Daily         map[string]float64
}
