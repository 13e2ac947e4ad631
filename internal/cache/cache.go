// Package cache holds the in-process mirror of ledger and account
// state. It is the single source of truth for reads once hydrated
// from durable storage, and it tracks exactly which aggregate fields
// are out of sync with storage so the flusher can write back only
// what changed.
//
// Every method takes the lock for the duration of one logical
// operation and never performs I/O while holding it.
package cache

import (
	"sort"
	"sync"
	"time"

	"pnl-trackerv1/internal/model"
)

type execRealized struct {
	key      model.PositionKey
	realized float64
}

// Cache mirrors one account's positions, history, valuation fields
// and daily PnL series. The zero value is not usable; call New.
type Cache struct {
	mu sync.Mutex

	ready        bool
	accountID    int64
	baseCurrency string
	lastUpdate   time.Time

	realizedTotal  float64
	positionsByKey map[model.PositionKey]model.Position
	positionsByID  map[int64]model.PositionKey
	historyByID    map[int64]model.HistoryEntry
	conIDToKey     map[int64]model.PositionKey

	summary     map[string]float64
	summaryAsOf time.Time

	dailyByDate      map[string]float64
	dailySeries      []model.DailyPnLPoint
	currentTradeDate string

	execRealizedByID map[string]execRealized

	dirtySummary map[string]struct{}
	pendingDaily *model.DailyPnLPoint
}

// FlushPayload is the result of CollectDirty: the dirty valuation
// fields with their current values, and the staged final daily-PnL
// row for a rolled-over trading date, if any.
type FlushPayload struct {
	SummaryFields map[string]float64
	SummaryAsOf   time.Time
	Daily         *model.DailyPnLPoint
}

func New() *Cache {
	return &Cache{
		positionsByKey:   make(map[model.PositionKey]model.Position),
		positionsByID:    make(map[int64]model.PositionKey),
		historyByID:      make(map[int64]model.HistoryEntry),
		conIDToKey:       make(map[int64]model.PositionKey),
		summary:          make(map[string]float64),
		dailyByDate:      make(map[string]float64),
		execRealizedByID: make(map[string]execRealized),
		dirtySummary:     make(map[string]struct{}),
	}
}

// Ready reports whether the cache has been hydrated (or received its
// first live mutation) and may serve reads.
func (c *Cache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// LastUpdate is the time of the most recent mutation.
func (c *Cache) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Account returns the account identity, zero-valued until SetAccount
// or Hydrate runs.
func (c *Cache) Account() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID, c.baseCurrency
}

// SetAccount initializes account identity. First writer wins; later
// calls with a different identity are ignored.
func (c *Cache) SetAccount(accountID int64, baseCurrency string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountID == 0 {
		c.accountID = accountID
	}
	if c.baseCurrency == "" {
		c.baseCurrency = baseCurrency
	}
}

// Hydrate replaces all in-memory state with a snapshot loaded from
// durable storage and marks the cache ready. Dirty tracking resets:
// everything loaded is, by definition, in sync.
func (c *Cache) Hydrate(snap model.CacheSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accountID = snap.AccountID
	c.baseCurrency = snap.BaseCurrency
	c.realizedTotal = snap.RealizedTotal

	c.positionsByKey = make(map[model.PositionKey]model.Position, len(snap.Positions))
	c.positionsByID = make(map[int64]model.PositionKey, len(snap.Positions))
	c.conIDToKey = make(map[int64]model.PositionKey)
	for _, p := range snap.Positions {
		c.positionsByKey[p.Key] = p
		if p.ID != 0 {
			c.positionsByID[p.ID] = p.Key
		}
		if p.ConID != 0 {
			c.conIDToKey[p.ConID] = p.Key
		}
	}

	c.historyByID = make(map[int64]model.HistoryEntry, len(snap.History))
	for _, h := range snap.History {
		c.historyByID[h.ID] = h
	}

	c.summary = make(map[string]float64, len(snap.Summary))
	for name, v := range snap.Summary {
		c.summary[name] = v
	}
	c.summaryAsOf = snap.SummaryAsOf
	c.dirtySummary = make(map[string]struct{})

	c.dailyByDate = make(map[string]float64, len(snap.Daily))
	for date, v := range snap.Daily {
		c.dailyByDate[date] = v
	}
	c.rebuildDailySeriesLocked()
	c.currentTradeDate = ""
	for date := range c.dailyByDate {
		if date > c.currentTradeDate {
			c.currentTradeDate = date
		}
	}
	c.pendingDaily = nil

	c.ready = true
	c.lastUpdate = time.Now().UTC()
}

// MarkUpdate bumps the freshness timestamp without changing state.
func (c *Cache) MarkUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked()
}

func (c *Cache) touchLocked() {
	c.ready = true
	c.lastUpdate = time.Now().UTC()
}

// UpsertPosition creates or replaces the open position for p.Key.
// Valuation fields the caller does not own (unrealized, daily,
// realized PnL) carry over from the existing entry; a zero ID or
// OpenTime likewise keeps the existing value.
func (c *Cache) UpsertPosition(p model.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.positionsByKey[p.Key]; ok {
		p.UnrealizedPnL = existing.UnrealizedPnL
		p.DailyPnL = existing.DailyPnL
		p.RealizedPnL = existing.RealizedPnL
		if p.ID == 0 {
			p.ID = existing.ID
		}
		if p.OpenTime.IsZero() {
			p.OpenTime = existing.OpenTime
		}
		if p.ConID == 0 {
			p.ConID = existing.ConID
		}
	}
	c.positionsByKey[p.Key] = p
	if p.ID != 0 {
		c.positionsByID[p.ID] = p.Key
	}
	if p.ConID != 0 {
		c.conIDToKey[p.ConID] = p.Key
	}
	c.touchLocked()
}

// Position returns the open position for key.
func (c *Cache) Position(key model.PositionKey) (model.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positionsByKey[key]
	return p, ok
}

// FindPosition returns the open position matching symbol and currency
// regardless of exchange label. Used to resolve the exchange for
// executions that report an alternative venue.
func (c *Cache) FindPosition(symbol, currency string) (model.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.positionsByKey {
		if key.Symbol == symbol && key.Currency == currency {
			return p, true
		}
	}
	return model.Position{}, false
}

// Positions returns a copy of all open positions, unsorted.
func (c *Cache) Positions() []model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Position, 0, len(c.positionsByKey))
	for _, p := range c.positionsByKey {
		out = append(out, p)
	}
	return out
}

// RemovePosition deletes the open entry for key. History is
// untouched.
func (c *Cache) RemovePosition(key model.PositionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.positionsByKey[key]
	if ok {
		delete(c.positionsByKey, key)
		if existing.ID != 0 {
			delete(c.positionsByID, existing.ID)
		}
		if existing.ConID != 0 {
			delete(c.conIDToKey, existing.ConID)
		}
	}
	c.touchLocked()
}

// AddHistory records a closed position, keyed by its open-era id.
func (c *Cache) AddHistory(h model.HistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyByID[h.ID] = h
	c.touchLocked()
}

// UpdateHistoryRealized amends a closed position's close time and
// realized PnL. Unknown ids are ignored.
func (c *Cache) UpdateHistoryRealized(id int64, closeTime time.Time, realized float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.historyByID[id]
	if !ok {
		return
	}
	h.CloseTime = closeTime
	h.RealizedPnL = realized
	c.historyByID[id] = h
	c.touchLocked()
}

// AdvanceOpenTime rewrites the open time of every open position
// matching symbol and currency. Callers invoke it when a replayed
// execution predates the recorded open time.
func (c *Cache) AdvanceOpenTime(symbol, currency string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.positionsByKey {
		if key.Symbol == symbol && key.Currency == currency {
			p.OpenTime = t
			c.positionsByKey[key] = p
		}
	}
	c.touchLocked()
}

// UpdateValuationByContract updates the live valuation of the open
// position subscribed under conID. A nil daily leaves the daily PnL
// unchanged. No-op when the contract maps to nothing (the position
// closed and unsubscribed already).
func (c *Cache) UpdateValuationByContract(conID int64, unrealized float64, daily *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.conIDToKey[conID]
	if !ok {
		return
	}
	p, ok := c.positionsByKey[key]
	if !ok {
		return
	}
	p.UnrealizedPnL = unrealized
	if daily != nil {
		p.DailyPnL = *daily
	}
	c.positionsByKey[key] = p
	c.touchLocked()
}

// ApplyRealizedDelta adds delta to the named open position's realized
// PnL. A missing position is a no-op; late corrections never
// resurrect archived entries.
func (c *Cache) ApplyRealizedDelta(key model.PositionKey, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyRealizedDeltaLocked(key, delta)
	c.touchLocked()
}

func (c *Cache) applyRealizedDeltaLocked(key model.PositionKey, delta float64) {
	p, ok := c.positionsByKey[key]
	if !ok {
		return
	}
	p.RealizedPnL += delta
	c.positionsByKey[key] = p
}

// RecordExecRealized is the idempotency boundary for commission and
// realization reports. The delta against the last value seen for the
// execution id, not the raw value, is what flows into the account
// total and the position. Repeats with an unchanged value apply
// nothing; a corrected value applies only the correction.
func (c *Cache) RecordExecRealized(execID string, key model.PositionKey, realized float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta := realized
	if prev, ok := c.execRealizedByID[execID]; ok {
		delta = realized - prev.realized
	}
	c.execRealizedByID[execID] = execRealized{key: key, realized: realized}
	if delta != 0 {
		c.realizedTotal += delta
		c.applyRealizedDeltaLocked(key, delta)
	}
	c.touchLocked()
}

// PositionRealized returns the open position's accumulated realized
// PnL.
func (c *Cache) PositionRealized(key model.PositionKey) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positionsByKey[key]
	if !ok {
		return 0, false
	}
	return p.RealizedPnL, true
}

// RealizedTotal returns the account-wide realized PnL.
func (c *Cache) RealizedTotal() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizedTotal
}

// UpdateDailyPnL upserts one trading date's value and rebuilds the
// cumulative series. When the trading date rolls over, the previous
// date's final row is staged for durable flush; its number will not
// change again.
func (c *Cache) UpdateDailyPnL(tradeDate string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.currentTradeDate
	c.dailyByDate[tradeDate] = value
	c.rebuildDailySeriesLocked()
	if previous != "" && previous != tradeDate {
		if payload, ok := c.dailyPayloadLocked(previous); ok {
			c.pendingDaily = &payload
		}
	}
	c.currentTradeDate = tradeDate
	c.touchLocked()
}

func (c *Cache) rebuildDailySeriesLocked() {
	dates := make([]string, 0, len(c.dailyByDate))
	for date := range c.dailyByDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	series := make([]model.DailyPnLPoint, 0, len(dates))
	cumulative := 0.0
	for _, date := range dates {
		v := c.dailyByDate[date]
		cumulative += v
		series = append(series, model.DailyPnLPoint{
			TradeDate:     date,
			DailyPnL:      v,
			CumulativePnL: cumulative,
		})
	}
	c.dailySeries = series
}

func (c *Cache) dailyPayloadLocked(tradeDate string) (model.DailyPnLPoint, bool) {
	for _, p := range c.dailySeries {
		if p.TradeDate == tradeDate {
			return p, true
		}
	}
	return model.DailyPnLPoint{}, false
}

// UpdateAccountSummaryField sets one valuation field, stamps
// freshness, and marks exactly that field dirty.
func (c *Cache) UpdateAccountSummaryField(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary[name] = value
	c.summaryAsOf = time.Now().UTC()
	c.dirtySummary[name] = struct{}{}
	c.touchLocked()
}

// CollectDirty returns the current dirty account-summary fields with
// their values plus any staged daily payload. It does not clear
// anything: the flusher calls ClearDirty with what it actually
// persisted, so a field mutated between collect and clear stays
// dirty.
func (c *Cache) CollectDirty() FlushPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload FlushPayload
	if len(c.dirtySummary) > 0 {
		payload.SummaryFields = make(map[string]float64, len(c.dirtySummary))
		for name := range c.dirtySummary {
			payload.SummaryFields[name] = c.summary[name]
		}
		payload.SummaryAsOf = c.summaryAsOf
	}
	if c.pendingDaily != nil {
		d := *c.pendingDaily
		payload.Daily = &d
	}
	return payload
}

// ClearDirty marks summary fields as persisted at the given values,
// and the staged daily payload if it still matches. A field mutated
// after the flusher read it no longer matches and stays dirty.
func (c *Cache) ClearDirty(summaryFields map[string]float64, daily *model.DailyPnLPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range summaryFields {
		if c.summary[name] == v {
			delete(c.dirtySummary, name)
		}
	}
	if daily != nil && c.pendingDaily != nil && *c.pendingDaily == *daily {
		c.pendingDaily = nil
	}
}

// SnapshotPositions returns all open positions sorted by symbol.
func (c *Cache) SnapshotPositions() []model.PositionSnapshot {
	positions := c.Positions()
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Key.Symbol < positions[j].Key.Symbol
	})
	out := make([]model.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, model.PositionSnapshot{
			ID:            p.ID,
			Symbol:        p.Key.Symbol,
			Qty:           p.Qty,
			AvgCost:       p.AvgCost,
			RealizedPnL:   p.RealizedPnL,
			UnrealizedPnL: p.UnrealizedPnL,
			TotalPnL:      p.TotalPnL(),
			DailyPnL:      p.DailyPnL,
			OpenTime:      model.FormatDisplayTime(p.OpenTime),
		})
	}
	return out
}

// SnapshotHistory returns closed positions sorted by close time,
// newest first.
func (c *Cache) SnapshotHistory() []model.HistorySnapshot {
	c.mu.Lock()
	entries := make([]model.HistoryEntry, 0, len(c.historyByID))
	for _, h := range c.historyByID {
		entries = append(entries, h)
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CloseTime.After(entries[j].CloseTime)
	})
	out := make([]model.HistorySnapshot, 0, len(entries))
	for _, h := range entries {
		out = append(out, model.HistorySnapshot{
			ID:          h.ID,
			Symbol:      h.Key.Symbol,
			OpenTime:    model.FormatDisplayTime(h.OpenTime),
			CloseTime:   model.FormatDisplayTime(h.CloseTime),
			RealizedPnL: h.RealizedPnL,
		})
	}
	return out
}

// SnapshotAccountPnL aggregates account-wide PnL: the realized total,
// the sum of open unrealized, and the latest daily bucket.
func (c *Cache) SnapshotAccountPnL() model.AccountPnLSnapshot {
	c.mu.Lock()
	accountID := c.accountID
	baseCurrency := c.baseCurrency
	realized := c.realizedTotal
	daily := 0.0
	if len(c.dailySeries) > 0 {
		daily = c.dailySeries[len(c.dailySeries)-1].DailyPnL
	}
	unrealized := 0.0
	for _, p := range c.positionsByKey {
		unrealized += p.UnrealizedPnL
	}
	asOf := c.lastUpdate
	c.mu.Unlock()

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return model.AccountPnLSnapshot{
		AccountID:     accountID,
		BaseCurrency:  baseCurrency,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		DailyPnL:      daily,
		TotalPnL:      realized + unrealized,
		AsOf:          model.FormatDisplayTime(asOf),
	}
}

// SnapshotAccountSummary returns the venue valuation fields. Fields
// never reported stay nil.
func (c *Cache) SnapshotAccountSummary() model.AccountSummarySnapshot {
	c.mu.Lock()
	snap := model.AccountSummarySnapshot{
		AccountID:    c.accountID,
		BaseCurrency: c.baseCurrency,
	}
	for name, v := range c.summary {
		snap.SetField(name, v)
	}
	asOf := c.summaryAsOf
	c.mu.Unlock()

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	snap.AsOf = model.FormatDisplayTime(asOf)
	return snap
}

// SnapshotDailyPnL returns the date-ordered daily series with running
// cumulative.
func (c *Cache) SnapshotDailyPnL() []model.DailyPnLPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.DailyPnLPoint, len(c.dailySeries))
	copy(out, c.dailySeries)
	return out
}
