package model

import "time"

// Display timezone for snapshot timestamps. The dashboard renders
// Beijing wall-clock times regardless of the trading calendar, which
// stays pinned to the venue's exchange timezone (see tradingday).
var displayTZ = time.FixedZone("UTC+8", 8*3600)

// FormatDisplayTime renders t in the display timezone. Zero times
// render as an empty string so JSON consumers see "" not year 1.
func FormatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(displayTZ).Format("2006-01-02 15:04:05")
}

// PositionSnapshot is the read-model view of one open position.
type PositionSnapshot struct {
	ID            int64   `json:"id"`
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgCost       float64 `json:"avg_cost"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`
	OpenTime      string  `json:"open_time"`
}

// HistorySnapshot is the read-model view of one closed position.
type HistorySnapshot struct {
	ID          int64   `json:"id"`
	Symbol      string  `json:"symbol"`
	OpenTime    string  `json:"open_time"`
	CloseTime   string  `json:"close_time"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// AccountPnLSnapshot aggregates account-wide PnL.
type AccountPnLSnapshot struct {
	AccountID     int64   `json:"account_id"`
	BaseCurrency  string  `json:"base_currency"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	AsOf          string  `json:"as_of"`
}

// AccountSummarySnapshot carries the venue valuation fields. Pointers
// distinguish "never reported" from a reported zero.
type AccountSummarySnapshot struct {
	AccountID          int64    `json:"account_id"`
	BaseCurrency       string   `json:"base_currency"`
	NetLiquidation     *float64 `json:"net_liquidation"`
	TotalCashValue     *float64 `json:"total_cash_value"`
	AvailableFunds     *float64 `json:"available_funds"`
	ExcessLiquidity    *float64 `json:"excess_liquidity"`
	InitMarginReq      *float64 `json:"init_margin_req"`
	MaintMarginReq     *float64 `json:"maint_margin_req"`
	GrossPositionValue *float64 `json:"gross_position_value"`
	ShortMarketValue   *float64 `json:"short_market_value"`
	AsOf               string   `json:"as_of"`
}

// SetField assigns a named valuation field. Unknown names are ignored,
// matching the event-handling contract.
func (s *AccountSummarySnapshot) SetField(name string, value float64) {
	v := value
	switch name {
	case FieldNetLiquidation:
		s.NetLiquidation = &v
	case FieldTotalCashValue:
		s.TotalCashValue = &v
	case FieldAvailableFunds:
		s.AvailableFunds = &v
	case FieldExcessLiquidity:
		s.ExcessLiquidity = &v
	case FieldInitMarginReq:
		s.InitMarginReq = &v
	case FieldMaintMarginReq:
		s.MaintMarginReq = &v
	case FieldGrossPositionValue:
		s.GrossPositionValue = &v
	case FieldShortMarketValue:
		s.ShortMarketValue = &v
	}
}

// TradeSnapshot is the read-model view of one trade-log row.
type TradeSnapshot struct {
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	Currency    string  `json:"currency"`
	Side        Side    `json:"side"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price"`
	Commission  float64 `json:"commission"`
	RealizedPnL float64 `json:"realized_pnl"`
	TradeTime   string  `json:"trade_time"`
	PermID      string  `json:"perm_id"`
}
