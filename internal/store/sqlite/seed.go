package sqlite

import (
	"fmt"
	"time"

	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/tradingday"
)

const demoAccount = "DU0000001"

// SeedDemo populates a paper account with a closed round trip, an
// open position and a short daily series so the serving layer has
// data without a venue connection. Re-runs are no-ops once trades
// exist.
func (s *Store) SeedDemo(baseCurrency string) error {
	accountID, err := s.UpsertAccount(demoAccount, baseCurrency)
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	existing, err := s.ListTrades(accountID, 1)
	if err != nil {
		return fmt.Errorf("seed probe: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	opened := now.Add(-72 * time.Hour)
	closed := now.Add(-24 * time.Hour)

	// Closed round trip: long 10 AAPL, out two days later.
	aapl := model.Position{
		Key:         model.PositionKey{Symbol: "AAPL", Exchange: "NASDAQ", Currency: baseCurrency},
		Qty:         10,
		AvgCost:     180,
		TotalCost:   1800,
		RealizedPnL: 98,
		OpenTime:    opened,
	}
	aaplID, err := s.UpsertPosition(accountID, aapl)
	if err != nil {
		return fmt.Errorf("seed position: %w", err)
	}
	aapl.ID = aaplID

	trades := []model.TradeRecord{
		{
			AccountID: accountID, PositionID: aaplID,
			Symbol: "AAPL", Exchange: "NASDAQ", Currency: baseCurrency,
			Side: model.SideBuy, Qty: 10, Price: 180, Commission: 1,
			TradeTime: opened, ExecID: "demo-aapl-open",
		},
		{
			AccountID: accountID, PositionID: aaplID,
			Symbol: "AAPL", Exchange: "NASDAQ", Currency: baseCurrency,
			Side: model.SideSell, Qty: 10, Price: 190, Commission: 1, RealizedPnL: 99,
			TradeTime: closed, ExecID: "demo-aapl-close",
		},
	}
	for _, rec := range trades {
		if _, _, err := s.InsertTrade(rec); err != nil {
			return fmt.Errorf("seed trade %s: %w", rec.ExecID, err)
		}
	}
	if err := s.ArchivePosition(accountID, aapl, closed, 98); err != nil {
		return fmt.Errorf("seed archive: %w", err)
	}

	// Still-open position.
	msft := model.Position{
		Key:       model.PositionKey{Symbol: "MSFT", Exchange: "NASDAQ", Currency: baseCurrency},
		Qty:       5,
		AvgCost:   400,
		TotalCost: 2000,
		OpenTime:  closed,
	}
	msftID, err := s.UpsertPosition(accountID, msft)
	if err != nil {
		return fmt.Errorf("seed position: %w", err)
	}
	if _, _, err := s.InsertTrade(model.TradeRecord{
		AccountID: accountID, PositionID: msftID,
		Symbol: "MSFT", Exchange: "NASDAQ", Currency: baseCurrency,
		Side: model.SideBuy, Qty: 5, Price: 400, Commission: 1,
		TradeTime: closed, ExecID: "demo-msft-open",
	}); err != nil {
		return fmt.Errorf("seed trade demo-msft-open: %w", err)
	}

	cumulative := 0.0
	for i := 3; i >= 1; i-- {
		day := now.Add(-time.Duration(i) * 24 * time.Hour)
		daily := float64(4-i) * 25
		cumulative += daily
		point := model.DailyPnLPoint{
			TradeDate:     tradingday.TradeDate(day),
			DailyPnL:      daily,
			CumulativePnL: cumulative,
		}
		if err := s.UpsertDailyPnL(accountID, point); err != nil {
			return fmt.Errorf("seed daily pnl: %w", err)
		}
	}

	summary := map[string]float64{
		model.FieldNetLiquidation:     25000,
		model.FieldTotalCashValue:     22900,
		model.FieldAvailableFunds:     21000,
		model.FieldExcessLiquidity:    20500,
		model.FieldInitMarginReq:      1100,
		model.FieldMaintMarginReq:     1000,
		model.FieldGrossPositionValue: 2100,
		model.FieldShortMarketValue:   0,
	}
	if err := s.UpsertAccountSummary(accountID, summary, now); err != nil {
		return fmt.Errorf("seed summary: %w", err)
	}
	return nil
}
