package sync

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"pnl-trackerv1/internal/ledger"
	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/sqlite"
	"pnl-trackerv1/internal/tradingday"
	"pnl-trackerv1/internal/venue"
)

// Exchanges that label alternative execution venues rather than the
// primary listing; never adopted as a position's exchange when a
// better label is known.
var alternativeExchanges = map[string]bool{
	"IBKRATS":   true,
	"OVERNIGHT": true,
}

// accountSummaryTags maps the venue's valuation tag spellings onto
// durable column names. Unknown tags are ignored.
var accountSummaryTags = map[string]string{
	"NetLiquidation":     model.FieldNetLiquidation,
	"TotalCashValue":     model.FieldTotalCashValue,
	"AvailableFunds":     model.FieldAvailableFunds,
	"ExcessLiquidity":    model.FieldExcessLiquidity,
	"InitMarginReq":      model.FieldInitMarginReq,
	"MaintMarginReq":     model.FieldMaintMarginReq,
	"GrossPositionValue": model.FieldGrossPositionValue,
	"ShortMarketValue":   model.FieldShortMarketValue,
}

// resolveExchange picks the exchange label a trade should be booked
// under: the reported one if a position already carries it, else the
// first non-alternative exchange among open positions for the
// symbol/currency, else any known one, else the reported label.
func (s *session) resolveExchange(symbol, currency, reported string) string {
	var matches []model.Position
	for _, p := range s.m.cache.Positions() {
		if p.Key.Symbol == symbol && p.Key.Currency == currency {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return reported
	}
	for _, p := range matches {
		if p.Key.Exchange == reported {
			return reported
		}
	}
	for _, p := range matches {
		if ex := p.Key.Exchange; ex != "" && !alternativeExchanges[ex] {
			return ex
		}
	}
	return matches[0].Key.Exchange
}

// onExecution books one fill: it runs the trade through the ledger,
// appends the resulting trade-log rows (duplicates on exec id are
// swallowed), applies the position transition (add, partial close,
// archive, flip) to cache and store, and settles any commission report
// that arrived before the trade row existed.
func (s *session) onExecution(ev venue.ExecutionEvent) {
	if ev.Account != "" && ev.Account != s.account {
		return
	}
	side := model.NormalizeSide(ev.Side)
	exchange := s.resolveExchange(ev.Symbol, ev.Currency, ev.Exchange)
	key := model.PositionKey{Symbol: ev.Symbol, Exchange: exchange, Currency: ev.Currency}

	var (
		prev    *ledger.State
		prevPos model.Position
	)
	if p, ok := s.m.cache.Position(key); ok {
		prevPos = p
		prev = &ledger.State{
			Qty:         p.Qty,
			AvgCost:     p.AvgCost,
			TotalCost:   p.TotalCost,
			RealizedPnL: p.RealizedPnL,
			OpenTime:    p.OpenTime,
		}
	}

	when := ev.Time
	if when.IsZero() {
		when = time.Now().UTC()
	}
	res, err := ledger.Apply(prev, ledger.Trade{
		Side:   side,
		Qty:    ev.Qty,
		Price:  ev.Price,
		Time:   when,
		ExecID: ev.ExecID,
	})
	if err != nil {
		s.m.log.Warn("execution rejected",
			slog.String("exec_id", ev.ExecID),
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()))
		return
	}

	// Replay guard: the first row's exec id already in the log means
	// this fill was booked in a previous session.
	if id := res.Rows[0].ExecID; id != "" {
		if _, found, err := s.m.store.TradeByExecID(id); err == nil && found {
			if s.m.metrics != nil {
				s.m.metrics.DuplicateTrades.Inc()
			}
			return
		}
	}

	if res.Closed {
		realized := prevPos.RealizedPnL + res.RealizedDelta
		if err := s.m.store.ArchivePosition(s.accountID, prevPos, when, realized); err != nil {
			s.m.log.Warn("archive on close", slog.String("symbol", ev.Symbol), slog.String("error", err.Error()))
		}
		s.m.cache.AddHistory(model.HistoryEntry{
			ID:          prevPos.ID,
			Key:         key,
			OpenTime:    prevPos.OpenTime,
			CloseTime:   when,
			RealizedPnL: realized,
		})
		s.m.cache.RemovePosition(key)
		s.unsubscribePnL(prevPos.ConID)
	}

	var positionID int64
	if res.State.Qty != 0 {
		pos := model.Position{
			Key:         key,
			Qty:         res.State.Qty,
			AvgCost:     res.State.AvgCost,
			TotalCost:   res.State.TotalCost,
			RealizedPnL: res.State.RealizedPnL,
			OpenTime:    res.State.OpenTime,
			ConID:       ev.ConID,
		}
		if !res.Opened {
			pos.ID = prevPos.ID
			pos.UnrealizedPnL = prevPos.UnrealizedPnL
			pos.DailyPnL = prevPos.DailyPnL
			if pos.ConID == 0 {
				pos.ConID = prevPos.ConID
			}
		}
		id, err := s.m.store.UpsertPosition(s.accountID, pos)
		if err != nil {
			s.m.log.Warn("upsert position", slog.String("symbol", ev.Symbol), slog.String("error", err.Error()))
		} else {
			pos.ID = id
			positionID = id
		}
		s.m.cache.UpsertPosition(pos)
		s.subscribePnL(pos.ConID)
	}

	for i, row := range res.Rows {
		rowPositionID := positionID
		if res.Closed && i == 0 {
			rowPositionID = prevPos.ID
		}
		_, dup, err := s.m.store.InsertTrade(model.TradeRecord{
			AccountID:   s.accountID,
			PositionID:  rowPositionID,
			Symbol:      ev.Symbol,
			Exchange:    exchange,
			Currency:    ev.Currency,
			Side:        row.Side,
			Qty:         row.Qty,
			Price:       row.Price,
			Commission:  row.Commission,
			RealizedPnL: row.RealizedPnL,
			TradeTime:   row.Time,
			ExecID:      row.ExecID,
			PermID:      ev.PermID,
		})
		if err != nil {
			s.m.log.Warn("insert trade", slog.String("exec_id", row.ExecID), slog.String("error", err.Error()))
			continue
		}
		if dup {
			if s.m.metrics != nil {
				s.m.metrics.DuplicateTrades.Inc()
			}
			continue
		}
		if s.m.metrics != nil {
			s.m.metrics.TradesInserted.Inc()
		}
	}

	if ev.ExecID != "" {
		if rep, ok := s.pendingReports[ev.ExecID]; ok {
			delete(s.pendingReports, ev.ExecID)
			s.applyTradeReport(rep)
		}
	}

	s.maybeUpdateOpenTime(ev.Symbol, ev.Currency, when)
	if ev.ExecID != "" && res.RealizedDelta != 0 {
		s.m.cache.RecordExecRealized(ev.ExecID, key, res.RealizedDelta)
		s.updatePositionRealized(key)
	}
	// A late execution for an already archived position opens a fresh
	// position above instead of widening its history entry; the next
	// venue position snapshot reconciles that state.
	s.maybeWidenHistory(ev.Symbol, ev.Currency, when, res.RealizedDelta)
	s.m.cache.MarkUpdate()
}

// onCommission settles a commission/realization report. Reports
// arriving before their trade row are buffered by exec id.
func (s *session) onCommission(ev venue.CommissionEvent) {
	if ev.ExecID == "" {
		return
	}
	s.applyTradeReport(ev)
}

func (s *session) applyTradeReport(ev venue.CommissionEvent) {
	realized := 0.0
	if ev.Realized != nil {
		realized = *ev.Realized
	}

	// Flips store the closing leg under a suffixed exec id.
	target := ev.ExecID
	rec, found, err := s.m.store.TradeByExecID(target)
	if err == nil && !found {
		target = ev.ExecID + "-close"
		rec, found, err = s.m.store.TradeByExecID(target)
	}
	if err != nil {
		s.m.log.Warn("trade lookup", slog.String("exec_id", ev.ExecID), slog.String("error", err.Error()))
		return
	}
	if !found {
		s.pendingReports[ev.ExecID] = ev
		return
	}

	if _, err := s.m.store.UpdateTradeReport(target, ev.Commission, realized); err != nil {
		s.m.log.Warn("update trade report", slog.String("exec_id", target), slog.String("error", err.Error()))
		return
	}
	key := model.PositionKey{Symbol: rec.Symbol, Exchange: rec.Exchange, Currency: rec.Currency}
	s.m.cache.RecordExecRealized(ev.ExecID, key, realized)
	s.updatePositionRealized(key)
	s.maybeWidenHistory(rec.Symbol, rec.Currency, rec.TradeTime, realized)
	s.m.cache.MarkUpdate()
}

// updatePositionRealized mirrors the cache's accumulated realized PnL
// for an open position into durable storage.
func (s *session) updatePositionRealized(key model.PositionKey) {
	realized, ok := s.m.cache.PositionRealized(key)
	if !ok {
		return
	}
	p, ok := s.m.cache.Position(key)
	if !ok || p.ID == 0 {
		return
	}
	if err := s.m.store.UpdatePositionRealized(p.ID, realized); err != nil {
		s.m.log.Warn("update position realized", slog.String("key", key.String()), slog.String("error", err.Error()))
	}
}

// maybeUpdateOpenTime backdates a position's recorded open time when a
// replayed execution predates it.
func (s *session) maybeUpdateOpenTime(symbol, currency string, tradeTime time.Time) {
	p, ok := s.m.cache.FindPosition(symbol, currency)
	if !ok || p.OpenTime.IsZero() {
		return
	}
	if !tradeTime.Before(p.OpenTime) {
		return
	}
	if err := s.m.store.UpdatePositionOpenTime(s.accountID, symbol, currency, tradeTime); err != nil {
		s.m.log.Warn("backdate open time", slog.String("symbol", symbol), slog.String("error", err.Error()))
		return
	}
	s.m.cache.AdvanceOpenTime(symbol, currency, tradeTime)
}

// maybeWidenHistory extends the latest closed position's window when a
// late realization lands after archival: the close time becomes the
// later of the two and realized PnL is re-summed from the trade log
// over the widened window.
func (s *session) maybeWidenHistory(symbol, currency string, tradeTime time.Time, realized float64) {
	if realized == 0 {
		return
	}
	if _, open := s.m.cache.FindPosition(symbol, currency); open {
		return
	}
	h, found, err := s.m.store.LatestHistory(s.accountID, symbol, currency)
	if err != nil || !found {
		return
	}
	newClose := h.CloseTime
	if tradeTime.After(newClose) {
		newClose = tradeTime
	}
	total, err := s.m.store.SumRealized(s.accountID, symbol, currency, h.OpenTime, newClose)
	if err != nil {
		s.m.log.Warn("resum realized", slog.String("symbol", symbol), slog.String("error", err.Error()))
		return
	}
	if err := s.m.store.WidenHistory(h.ID, newClose, total); err != nil {
		s.m.log.Warn("widen history", slog.String("symbol", symbol), slog.String("error", err.Error()))
		return
	}
	s.m.cache.UpdateHistoryRealized(h.ID, newClose, total)
}

// onPosition reconciles one venue position snapshot row. Zero quantity
// archives the open position; otherwise the venue's quantity, average
// cost and contract id are adopted while realized/valuation fields and
// the known open time are preserved.
func (s *session) onPosition(ev venue.PositionEvent) {
	if ev.Account != "" && ev.Account != s.account {
		return
	}
	key := model.PositionKey{Symbol: ev.Symbol, Exchange: ev.Exchange, Currency: ev.Currency}

	if ev.Qty == 0 {
		if p, ok, err := s.m.store.GetPosition(s.accountID, key); err == nil && ok {
			s.archivePosition(p)
		}
		return
	}

	existing, found, err := s.m.store.GetPosition(s.accountID, key)
	if err != nil {
		s.m.log.Warn("get position", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}

	openTime := existing.OpenTime
	if openTime.IsZero() {
		var lastClose time.Time
		if h, ok, _ := s.m.store.LatestHistory(s.accountID, ev.Symbol, ev.Currency); ok {
			lastClose = h.CloseTime
		}
		if first, ok, _ := s.m.store.FirstTradeTime(s.accountID, ev.Symbol, ev.Currency, lastClose); ok {
			openTime = first
		} else {
			openTime = time.Now().UTC()
		}
	}

	pos := model.Position{
		Key:       key,
		Qty:       ev.Qty,
		AvgCost:   ev.AvgCost,
		TotalCost: ev.Qty * ev.AvgCost,
		ConID:     ev.ConID,
		OpenTime:  openTime,
	}
	if found {
		pos.ID = existing.ID
		pos.RealizedPnL = existing.RealizedPnL
		pos.UnrealizedPnL = existing.UnrealizedPnL
		pos.DailyPnL = existing.DailyPnL
	}
	id, err := s.m.store.UpsertPosition(s.accountID, pos)
	if err != nil {
		s.m.log.Warn("upsert position", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}
	pos.ID = id
	s.m.cache.UpsertPosition(pos)
	s.subscribePnL(ev.ConID)
}

// archivePosition closes an open position against the trade log: close
// time is the last trade time (or now), realized is re-summed over the
// open window.
func (s *session) archivePosition(p model.Position) {
	closeTime, ok, err := s.m.store.LastTradeTime(s.accountID, p.Key.Symbol, p.Key.Currency)
	if err != nil || !ok {
		closeTime = time.Now().UTC()
	}
	realized, err := s.m.store.SumRealized(s.accountID, p.Key.Symbol, p.Key.Currency, p.OpenTime, closeTime)
	if err != nil {
		s.m.log.Warn("sum realized for archive", slog.String("key", p.Key.String()), slog.String("error", err.Error()))
		realized = p.RealizedPnL
	}
	if err := s.m.store.ArchivePosition(s.accountID, p, closeTime, realized); err != nil {
		s.m.log.Warn("archive position", slog.String("key", p.Key.String()), slog.String("error", err.Error()))
		return
	}
	s.m.cache.AddHistory(model.HistoryEntry{
		ID:          p.ID,
		Key:         p.Key,
		OpenTime:    p.OpenTime,
		CloseTime:   closeTime,
		RealizedPnL: realized,
	})
	s.m.cache.RemovePosition(p.Key)
	s.unsubscribePnL(p.ConID)
}

// onAccountValue maps one named valuation field into the cache and
// flushes that single field immediately; values outside the account's
// base-currency scope and malformed numbers are dropped.
func (s *session) onAccountValue(ev venue.AccountValueEvent) {
	if ev.Account != "" && ev.Account != s.account {
		return
	}
	if ev.Currency != "" && ev.Currency != "BASE" && ev.Currency != s.m.cfg.BaseCurrency {
		return
	}
	column, ok := accountSummaryTags[ev.Tag]
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(ev.Value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.m.cache.UpdateAccountSummaryField(column, v)
	if err := s.m.store.UpsertAccountSummary(s.accountID, map[string]float64{column: v}, time.Now().UTC()); err != nil {
		s.m.log.Warn("flush summary field", slog.String("field", column), slog.String("error", err.Error()))
		return
	}
	s.m.cache.ClearDirty(map[string]float64{column: v}, nil)
}

// onAccountPnL buckets the account-level daily PnL under the current
// trading date. Non-finite realized/unrealized figures invalidate the
// event; a missing daily defaults to zero.
func (s *session) onAccountPnL(ev venue.AccountPnLEvent) {
	if !isFinite(ev.Realized) || !isFinite(ev.Unrealized) {
		return
	}
	daily := ev.Daily
	if !isFinite(daily) {
		daily = 0
	}
	s.m.cache.UpdateDailyPnL(tradingday.TradeDate(time.Now()), daily)
}

// onPositionPnL updates one position's live valuation. Repeats of the
// same (daily, unrealized) pair are dropped; accepted values update
// the cache immediately and join the next durable write-back batch.
func (s *session) onPositionPnL(ev venue.PositionPnLEvent) {
	if ev.ConID == 0 || ev.Unrealized == nil || !isFinite(*ev.Unrealized) {
		return
	}
	daily := ev.Daily
	if daily != nil && !isFinite(*daily) {
		daily = nil
	}
	if last, ok := s.lastVal[ev.ConID]; ok && last.equal(*ev.Unrealized, daily) {
		return
	}
	s.lastVal[ev.ConID] = valSeen{unrealized: *ev.Unrealized, daily: daily}
	s.pendingVals[ev.ConID] = sqlite.ValuationUpdate{
		ConID:      ev.ConID,
		Unrealized: *ev.Unrealized,
		Daily:      daily,
	}
	s.m.cache.UpdateValuationByContract(ev.ConID, *ev.Unrealized, daily)
}

// onConnectivity tracks venue reachability codes: 1100 means the venue
// session degraded, 1101/1102 mean it was restored.
func (s *session) onConnectivity(ev venue.ConnectivityEvent) {
	switch ev.Code {
	case 1100:
		s.m.setVenueUp(false)
	case 1101, 1102:
		s.m.setVenueUp(true)
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
