// Package sqlite is the durable storage layer: the append-only trade
// log, open positions, closed-position history, account valuation
// fields, and the daily PnL series.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"pnl-trackerv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single-writer SQLite database.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database at path, enables WAL
// mode, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			venue_account TEXT NOT NULL UNIQUE,
			base_currency TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trades (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id   INTEGER NOT NULL REFERENCES accounts(id),
			position_id  INTEGER,
			symbol       TEXT NOT NULL,
			exchange     TEXT,
			currency     TEXT NOT NULL,
			side         TEXT NOT NULL,
			qty          REAL NOT NULL,
			price        REAL NOT NULL,
			commission   REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			trade_time   TEXT NOT NULL,
			exec_id      TEXT UNIQUE,
			perm_id      TEXT
		);

		CREATE TABLE IF NOT EXISTS positions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id     INTEGER NOT NULL REFERENCES accounts(id),
			symbol         TEXT NOT NULL,
			exchange       TEXT,
			currency       TEXT NOT NULL,
			qty            REAL NOT NULL,
			avg_cost       REAL NOT NULL,
			total_cost     REAL NOT NULL,
			realized_pnl   REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			daily_pnl      REAL NOT NULL DEFAULT 0,
			con_id         INTEGER,
			open_time      TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			UNIQUE(account_id, symbol, exchange, currency)
		);

		CREATE TABLE IF NOT EXISTS positions_history (
			id           INTEGER PRIMARY KEY,
			account_id   INTEGER NOT NULL REFERENCES accounts(id),
			symbol       TEXT NOT NULL,
			exchange     TEXT,
			currency     TEXT NOT NULL,
			qty          REAL NOT NULL,
			avg_cost     REAL NOT NULL,
			total_cost   REAL NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			open_time    TEXT NOT NULL,
			close_time   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS account_summary (
			account_id           INTEGER PRIMARY KEY REFERENCES accounts(id),
			net_liquidation      REAL,
			total_cash_value     REAL,
			available_funds      REAL,
			excess_liquidity     REAL,
			init_margin_req      REAL,
			maint_margin_req     REAL,
			gross_position_value REAL,
			short_market_value   REAL,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS account_daily_pnl (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id     INTEGER NOT NULL REFERENCES accounts(id),
			trade_date     TEXT NOT NULL,
			daily_pnl      REAL NOT NULL DEFAULT 0,
			cumulative_pnl REAL NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL,
			UNIQUE(account_id, trade_date)
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nowStamp() string {
	return fmtTime(time.Now())
}

// UpsertAccount creates or refreshes the account row for the venue
// account id and returns the internal id.
func (s *Store) UpsertAccount(venueAccount, baseCurrency string) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO accounts (venue_account, base_currency)
		VALUES (?, ?)
		ON CONFLICT(venue_account) DO UPDATE SET base_currency = excluded.base_currency
	`, venueAccount, baseCurrency)
	if err != nil {
		return 0, fmt.Errorf("upsert account: %w", err)
	}
	var id int64
	err = s.db.QueryRow(`SELECT id FROM accounts WHERE venue_account = ?`, venueAccount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select account: %w", err)
	}
	return id, nil
}

// DefaultAccount returns the first account row, if any. Serving-layer
// reads fall back to it before the sync session resolves the live
// account.
func (s *Store) DefaultAccount() (int64, string, string, bool, error) {
	var (
		id            int64
		venueAccount  string
		baseCurrency  string
	)
	err := s.db.QueryRow(`SELECT id, venue_account, base_currency FROM accounts ORDER BY id LIMIT 1`).
		Scan(&id, &venueAccount, &baseCurrency)
	if err == sql.ErrNoRows {
		return 0, "", "", false, nil
	}
	if err != nil {
		return 0, "", "", false, fmt.Errorf("select default account: %w", err)
	}
	return id, venueAccount, baseCurrency, true, nil
}

// InsertTrade appends one trade-log row. Duplicate execution ids are
// swallowed: the second return reports whether the row was a
// duplicate and nothing was written.
func (s *Store) InsertTrade(rec model.TradeRecord) (int64, bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO trades
			(account_id, position_id, symbol, exchange, currency, side, qty, price,
			 commission, realized_pnl, trade_time, exec_id, perm_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.AccountID, rec.PositionID, rec.Symbol, rec.Exchange, rec.Currency, string(rec.Side),
		rec.Qty, rec.Price, rec.Commission, rec.RealizedPnL, fmtTime(rec.TradeTime),
		nullString(rec.ExecID), rec.PermID)
	if err != nil {
		return 0, false, fmt.Errorf("insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpdateTradeReport back-fills commission and realized PnL on the
// trade row for execID. Returns false when no such row exists yet.
func (s *Store) UpdateTradeReport(execID string, commission, realized float64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE trades SET commission = ?, realized_pnl = ? WHERE exec_id = ?
	`, commission, realized, execID)
	if err != nil {
		return false, fmt.Errorf("update trade report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TradeByExecID returns the trade row carrying the given execution id.
func (s *Store) TradeByExecID(execID string) (model.TradeRecord, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, account_id, position_id, `+tradeColumns+`
		FROM trades
		WHERE exec_id = ?
	`, execID)
	var (
		rec        model.TradeRecord
		positionID sql.NullInt64
		exchange   sql.NullString
		side       string
		tradeTime  string
		permID     sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.AccountID, &positionID, &rec.Symbol, &exchange, &rec.Currency,
		&side, &rec.Qty, &rec.Price, &rec.Commission, &rec.RealizedPnL, &tradeTime, &permID)
	if err == sql.ErrNoRows {
		return model.TradeRecord{}, false, nil
	}
	if err != nil {
		return model.TradeRecord{}, false, fmt.Errorf("trade by exec id: %w", err)
	}
	rec.PositionID = positionID.Int64
	rec.Exchange = exchange.String
	rec.Side = model.Side(side)
	rec.TradeTime = parseTime(tradeTime)
	rec.PermID = permID.String
	rec.ExecID = execID
	return rec, true, nil
}

// SumRealized totals realized PnL over the trade log for one symbol
// and currency, optionally bounded by time.
func (s *Store) SumRealized(accountID int64, symbol, currency string, start, end time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE account_id = ? AND symbol = ? AND currency = ?`
	args := []interface{}{accountID, symbol, currency}
	if !start.IsZero() {
		query += " AND trade_time >= ?"
		args = append(args, fmtTime(start))
	}
	if !end.IsZero() {
		query += " AND trade_time <= ?"
		args = append(args, fmtTime(end))
	}
	var total float64
	if err := s.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum realized: %w", err)
	}
	return total, nil
}

// FirstTradeTime returns the earliest trade time for the symbol and
// currency, optionally restricted to trades strictly after a bound,
// or false when the log has none in range.
func (s *Store) FirstTradeTime(accountID int64, symbol, currency string, after time.Time) (time.Time, bool, error) {
	query := `SELECT MIN(trade_time) FROM trades WHERE account_id = ? AND symbol = ? AND currency = ?`
	args := []interface{}{accountID, symbol, currency}
	if !after.IsZero() {
		query += " AND trade_time > ?"
		args = append(args, fmtTime(after))
	}
	var v sql.NullString
	if err := s.db.QueryRow(query, args...).Scan(&v); err != nil {
		return time.Time{}, false, fmt.Errorf("first trade time: %w", err)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(v.String), true, nil
}

// LastTradeTime returns the latest trade time for the symbol and
// currency, or false when the log has none.
func (s *Store) LastTradeTime(accountID int64, symbol, currency string) (time.Time, bool, error) {
	return s.tradeTimeBound(accountID, symbol, currency, "MAX")
}

func (s *Store) tradeTimeBound(accountID int64, symbol, currency, agg string) (time.Time, bool, error) {
	var v sql.NullString
	err := s.db.QueryRow(
		`SELECT `+agg+`(trade_time) FROM trades WHERE account_id = ? AND symbol = ? AND currency = ?`,
		accountID, symbol, currency,
	).Scan(&v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("trade time bound: %w", err)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(v.String), true, nil
}

const positionColumns = `id, symbol, exchange, currency, qty, avg_cost, total_cost,
	realized_pnl, unrealized_pnl, daily_pnl, con_id, open_time`

func scanPosition(scan func(dest ...interface{}) error) (model.Position, error) {
	var (
		p        model.Position
		exchange sql.NullString
		conID    sql.NullInt64
		openTime string
	)
	err := scan(&p.ID, &p.Key.Symbol, &exchange, &p.Key.Currency, &p.Qty, &p.AvgCost,
		&p.TotalCost, &p.RealizedPnL, &p.UnrealizedPnL, &p.DailyPnL, &conID, &openTime)
	if err != nil {
		return model.Position{}, err
	}
	p.Key.Exchange = exchange.String
	p.ConID = conID.Int64
	p.OpenTime = parseTime(openTime)
	return p, nil
}

// GetPosition loads the open position for key.
func (s *Store) GetPosition(accountID int64, key model.PositionKey) (model.Position, bool, error) {
	row := s.db.QueryRow(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE account_id = ? AND symbol = ? AND exchange = ? AND currency = ?
	`, accountID, key.Symbol, key.Exchange, key.Currency)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, fmt.Errorf("get position: %w", err)
	}
	return p, true, nil
}

// ListPositions loads all open positions for the account, sorted by
// symbol.
func (s *Store) ListPositions(accountID int64) ([]model.Position, error) {
	rows, err := s.db.Query(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE account_id = ?
		ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPosition creates or replaces the open position row for p.Key
// and returns its id.
func (s *Store) UpsertPosition(accountID int64, p model.Position) (int64, error) {
	var conID interface{}
	if p.ConID != 0 {
		conID = p.ConID
	}
	_, err := s.db.Exec(`
		INSERT INTO positions
			(account_id, symbol, exchange, currency, qty, avg_cost, total_cost,
			 realized_pnl, unrealized_pnl, daily_pnl, con_id, open_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol, exchange, currency) DO UPDATE SET
			qty = excluded.qty,
			avg_cost = excluded.avg_cost,
			total_cost = excluded.total_cost,
			realized_pnl = excluded.realized_pnl,
			con_id = COALESCE(excluded.con_id, positions.con_id),
			open_time = excluded.open_time,
			updated_at = excluded.updated_at
	`, accountID, p.Key.Symbol, p.Key.Exchange, p.Key.Currency, p.Qty, p.AvgCost, p.TotalCost,
		p.RealizedPnL, p.UnrealizedPnL, p.DailyPnL, conID, fmtTime(p.OpenTime), nowStamp())
	if err != nil {
		return 0, fmt.Errorf("upsert position: %w", err)
	}
	var id int64
	err = s.db.QueryRow(`
		SELECT id FROM positions
		WHERE account_id = ? AND symbol = ? AND exchange = ? AND currency = ?
	`, accountID, p.Key.Symbol, p.Key.Exchange, p.Key.Currency).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select position id: %w", err)
	}
	return id, nil
}

// UpdatePositionRealized overwrites the position's accumulated
// realized PnL.
func (s *Store) UpdatePositionRealized(positionID int64, realized float64) error {
	_, err := s.db.Exec(`UPDATE positions SET realized_pnl = ?, updated_at = ? WHERE id = ?`,
		realized, nowStamp(), positionID)
	if err != nil {
		return fmt.Errorf("update position realized: %w", err)
	}
	return nil
}

// UpdatePositionOpenTime rewrites the open time of every open
// position matching symbol and currency.
func (s *Store) UpdatePositionOpenTime(accountID int64, symbol, currency string, t time.Time) error {
	_, err := s.db.Exec(`
		UPDATE positions SET open_time = ?, updated_at = ?
		WHERE account_id = ? AND symbol = ? AND currency = ?
	`, fmtTime(t), nowStamp(), accountID, symbol, currency)
	if err != nil {
		return fmt.Errorf("update open time: %w", err)
	}
	return nil
}

// ArchivePosition moves an open position to history in one
// transaction: the history row keeps the position's id, the open row
// is deleted.
func (s *Store) ArchivePosition(accountID int64, p model.Position, closeTime time.Time, realized float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO positions_history
			(id, account_id, symbol, exchange, currency, qty, avg_cost, total_cost,
			 realized_pnl, open_time, close_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, accountID, p.Key.Symbol, p.Key.Exchange, p.Key.Currency, p.Qty, p.AvgCost,
		p.TotalCost, realized, fmtTime(p.OpenTime), fmtTime(closeTime), nowStamp())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert history: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM positions WHERE id = ?`, p.ID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete position: %w", err)
	}
	return tx.Commit()
}

// LatestHistory returns the most recently closed history entry for
// symbol and currency.
func (s *Store) LatestHistory(accountID int64, symbol, currency string) (model.HistoryEntry, bool, error) {
	var (
		h         model.HistoryEntry
		exchange  sql.NullString
		openTime  string
		closeTime string
	)
	err := s.db.QueryRow(`
		SELECT id, symbol, exchange, currency, open_time, close_time, realized_pnl
		FROM positions_history
		WHERE account_id = ? AND symbol = ? AND currency = ?
		ORDER BY close_time DESC
		LIMIT 1
	`, accountID, symbol, currency).Scan(&h.ID, &h.Key.Symbol, &exchange, &h.Key.Currency,
		&openTime, &closeTime, &h.RealizedPnL)
	if err == sql.ErrNoRows {
		return model.HistoryEntry{}, false, nil
	}
	if err != nil {
		return model.HistoryEntry{}, false, fmt.Errorf("latest history: %w", err)
	}
	h.Key.Exchange = exchange.String
	h.OpenTime = parseTime(openTime)
	h.CloseTime = parseTime(closeTime)
	return h, true, nil
}

// WidenHistory extends a closed position's close time and overwrites
// its realized PnL, used when a late execution lands after archival.
func (s *Store) WidenHistory(historyID int64, closeTime time.Time, realized float64) error {
	_, err := s.db.Exec(`
		UPDATE positions_history SET close_time = ?, realized_pnl = ?, updated_at = ?
		WHERE id = ?
	`, fmtTime(closeTime), realized, nowStamp(), historyID)
	if err != nil {
		return fmt.Errorf("widen history: %w", err)
	}
	return nil
}

// ValuationUpdate is one batched per-position valuation write,
// addressed by venue contract id. A nil Daily leaves the stored daily
// PnL untouched.
type ValuationUpdate struct {
	ConID      int64
	Unrealized float64
	Daily      *float64
}

// BatchUpdateValuations writes queued per-position valuations in a
// single transaction.
func (s *Store) BatchUpdateValuations(accountID int64, updates []ValuationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	withDaily, err := tx.Prepare(`
		UPDATE positions SET unrealized_pnl = ?, daily_pnl = ?, updated_at = ?
		WHERE account_id = ? AND con_id = ?
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer withDaily.Close()
	withoutDaily, err := tx.Prepare(`
		UPDATE positions SET unrealized_pnl = ?, updated_at = ?
		WHERE account_id = ? AND con_id = ?
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer withoutDaily.Close()

	stamp := nowStamp()
	for _, u := range updates {
		var execErr error
		if u.Daily != nil {
			_, execErr = withDaily.Exec(u.Unrealized, *u.Daily, stamp, accountID, u.ConID)
		} else {
			_, execErr = withoutDaily.Exec(u.Unrealized, stamp, accountID, u.ConID)
		}
		if execErr != nil {
			tx.Rollback()
			return fmt.Errorf("valuation update con_id %d: %w", u.ConID, execErr)
		}
	}
	return tx.Commit()
}

// UpsertAccountSummary writes the given valuation fields, leaving
// columns not in the map untouched. Field names outside the known set
// are rejected.
func (s *Store) UpsertAccountSummary(accountID int64, fields map[string]float64, asOf time.Time) error {
	if len(fields) == 0 {
		return nil
	}
	known := make(map[string]bool, len(model.AccountSummaryFields))
	for _, name := range model.AccountSummaryFields {
		known[name] = true
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !known[name] {
			return fmt.Errorf("unknown summary field %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := []string{"account_id"}
	placeholders := []string{"?"}
	args := []interface{}{accountID}
	var sets []string
	for _, name := range names {
		cols = append(cols, name)
		placeholders = append(placeholders, "?")
		args = append(args, fields[name])
		sets = append(sets, name+" = excluded."+name)
	}
	cols = append(cols, "updated_at")
	placeholders = append(placeholders, "?")
	args = append(args, fmtTime(asOf))
	sets = append(sets, "updated_at = excluded.updated_at")

	query := "INSERT INTO account_summary (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT(account_id) DO UPDATE SET " +
		strings.Join(sets, ", ")
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("upsert account summary: %w", err)
	}
	return nil
}

// UpsertDailyPnL writes one date's daily and cumulative PnL.
func (s *Store) UpsertDailyPnL(accountID int64, point model.DailyPnLPoint) error {
	_, err := s.db.Exec(`
		INSERT INTO account_daily_pnl (account_id, trade_date, daily_pnl, cumulative_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, trade_date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			cumulative_pnl = excluded.cumulative_pnl,
			updated_at = excluded.updated_at
	`, accountID, point.TradeDate, point.DailyPnL, point.CumulativePnL, nowStamp())
	if err != nil {
		return fmt.Errorf("upsert daily pnl: %w", err)
	}
	return nil
}

// LoadSnapshot reads everything the cache needs for hydration.
func (s *Store) LoadSnapshot(accountID int64, baseCurrency string) (model.CacheSnapshot, error) {
	snap := model.CacheSnapshot{
		AccountID:    accountID,
		BaseCurrency: baseCurrency,
		Summary:      make(map[string]float64),
		Daily:        make(map[string]float64),
	}

	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades WHERE account_id = ?
	`, accountID).Scan(&snap.RealizedTotal)
	if err != nil {
		return model.CacheSnapshot{}, fmt.Errorf("sum account realized: %w", err)
	}

	snap.Positions, err = s.ListPositions(accountID)
	if err != nil {
		return model.CacheSnapshot{}, err
	}

	rows, err := s.db.Query(`
		SELECT id, symbol, exchange, currency, open_time, close_time, realized_pnl
		FROM positions_history
		WHERE account_id = ?
		ORDER BY close_time DESC
	`, accountID)
	if err != nil {
		return model.CacheSnapshot{}, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			h         model.HistoryEntry
			exchange  sql.NullString
			openTime  string
			closeTime string
		)
		if err := rows.Scan(&h.ID, &h.Key.Symbol, &exchange, &h.Key.Currency,
			&openTime, &closeTime, &h.RealizedPnL); err != nil {
			return model.CacheSnapshot{}, fmt.Errorf("scan history: %w", err)
		}
		h.Key.Exchange = exchange.String
		h.OpenTime = parseTime(openTime)
		h.CloseTime = parseTime(closeTime)
		snap.History = append(snap.History, h)
	}
	if err := rows.Err(); err != nil {
		return model.CacheSnapshot{}, err
	}

	var (
		summaryVals [8]sql.NullFloat64
		updatedAt   string
	)
	err = s.db.QueryRow(`
		SELECT net_liquidation, total_cash_value, available_funds, excess_liquidity,
		       init_margin_req, maint_margin_req, gross_position_value, short_market_value,
		       updated_at
		FROM account_summary
		WHERE account_id = ?
	`, accountID).Scan(&summaryVals[0], &summaryVals[1], &summaryVals[2], &summaryVals[3],
		&summaryVals[4], &summaryVals[5], &summaryVals[6], &summaryVals[7], &updatedAt)
	if err != nil && err != sql.ErrNoRows {
		return model.CacheSnapshot{}, fmt.Errorf("load account summary: %w", err)
	}
	if err == nil {
		for i, name := range model.AccountSummaryFields {
			if summaryVals[i].Valid {
				snap.Summary[name] = summaryVals[i].Float64
			}
		}
		snap.SummaryAsOf = parseTime(updatedAt)
	}

	dailyRows, err := s.db.Query(`
		SELECT trade_date, daily_pnl FROM account_daily_pnl
		WHERE account_id = ?
		ORDER BY trade_date
	`, accountID)
	if err != nil {
		return model.CacheSnapshot{}, fmt.Errorf("list daily pnl: %w", err)
	}
	defer dailyRows.Close()
	for dailyRows.Next() {
		var (
			date string
			v    float64
		)
		if err := dailyRows.Scan(&date, &v); err != nil {
			return model.CacheSnapshot{}, fmt.Errorf("scan daily pnl: %w", err)
		}
		snap.Daily[date] = v
	}
	return snap, dailyRows.Err()
}

const tradeColumns = `symbol, exchange, currency, side, qty, price, commission,
	realized_pnl, trade_time, perm_id`

func scanTrade(scan func(dest ...interface{}) error) (model.TradeRecord, error) {
	var (
		rec       model.TradeRecord
		exchange  sql.NullString
		side      string
		tradeTime string
		permID    sql.NullString
	)
	err := scan(&rec.Symbol, &exchange, &rec.Currency, &side, &rec.Qty, &rec.Price,
		&rec.Commission, &rec.RealizedPnL, &tradeTime, &permID)
	if err != nil {
		return model.TradeRecord{}, err
	}
	rec.Exchange = exchange.String
	rec.Side = model.Side(side)
	rec.TradeTime = parseTime(tradeTime)
	rec.PermID = permID.String
	return rec, nil
}

// ListTrades returns the account's trade log, newest first, capped at
// limit (0 means no cap).
func (s *Store) ListTrades(accountID int64, limit int) ([]model.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE account_id = ? ORDER BY trade_time DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTrades(query, args...)
}

// TradesForPosition returns the trade rows linked to one position id,
// oldest first.
func (s *Store) TradesForPosition(accountID, positionID int64) ([]model.TradeRecord, error) {
	return s.queryTrades(`
		SELECT `+tradeColumns+` FROM trades
		WHERE account_id = ? AND position_id = ?
		ORDER BY trade_time
	`, accountID, positionID)
}

func (s *Store) queryTrades(query string, args ...interface{}) ([]model.TradeRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
