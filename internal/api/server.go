// Package api is the serving layer: REST reads over cache snapshots
// (falling back to durable storage before hydration), order submission
// with idempotency-key dedupe, and a websocket hub pushing snapshot
// bundles on a fixed interval.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pnl-trackerv1/config"
	"pnl-trackerv1/internal/cache"
	"pnl-trackerv1/internal/logger"
	"pnl-trackerv1/internal/metrics"
	"pnl-trackerv1/internal/model"
	"pnl-trackerv1/internal/store/redis"
	"pnl-trackerv1/internal/store/sqlite"
	syncmgr "pnl-trackerv1/internal/sync"
	"pnl-trackerv1/internal/tradingday"
)

const orderWaitTimeout = 8 * time.Second

// orderReserver is the cross-instance idempotency guard. Reservations
// taken for an order that fails must be released so retries under the
// same key are not stuck behind a stale reservation.
type orderReserver interface {
	ReserveOrder(ctx context.Context, key, requestID string) (bool, string, error)
	ReleaseOrder(ctx context.Context, key string) error
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
}

// Server serves the REST and websocket API.
type Server struct {
	cfg      *config.Config
	cache    *cache.Cache
	store    *sqlite.Store
	manager  *syncmgr.Manager
	rdb      *redis.Client
	reserver orderReserver
	metrics  *metrics.Metrics
	hub      *Hub
	idemp    *idempotencyStore
	srv      *http.Server
	log      *slog.Logger
}

// NewServer wires the serving layer. rdb and mtr may be nil.
func NewServer(cfg *config.Config, c *cache.Cache, st *sqlite.Store, mgr *syncmgr.Manager,
	rdb *redis.Client, mtr *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		cache:   c,
		store:   st,
		manager: mgr,
		rdb:     rdb,
		metrics: mtr,
		idemp:   newIdempotencyStore(),
		log:     slog.With(slog.String("component", "api")),
	}
	if rdb != nil {
		s.reserver = rdb
	}
	s.hub = NewHub(s.buildUpdate, cfg.WSUpdateInterval, rdb, mtr)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/sync/health", s.handleSyncHealth)
	mux.HandleFunc("/sync/stop", s.handleSyncStop)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/positions/history", s.handleHistory)
	mux.HandleFunc("/positions/", s.handlePositionTrades)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/pnl/summary", s.handlePnLSummary)
	mux.HandleFunc("/pnl/daily", s.handleDailyPnL)
	mux.HandleFunc("/account/summary", s.handleAccountSummary)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/ws/updates", s.handleWS)

	s.srv = &http.Server{Addr: cfg.APIAddr, Handler: withCORS(mux)}
	return s
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start launches the HTTP server and the websocket broadcast loop.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go func() {
		s.log.Info("api server listening", slog.String("addr", s.cfg.APIAddr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("api server", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// readCache returns the live cache once it is hydrated. Before that,
// reads come from a throwaway cache loaded straight from storage so
// the API serves durable state during startup and venue outages.
func (s *Server) readCache() *cache.Cache {
	if s.cache.Ready() {
		return s.cache
	}
	fallback := cache.New()
	id, _, baseCurrency, ok, err := s.store.DefaultAccount()
	if err != nil || !ok {
		fallback.SetAccount(0, s.cfg.BaseCurrency)
		return fallback
	}
	snap, err := s.store.LoadSnapshot(id, baseCurrency)
	if err != nil {
		s.log.Warn("fallback snapshot load", slog.String("error", err.Error()))
		fallback.SetAccount(id, baseCurrency)
		return fallback
	}
	fallback.Hydrate(snap)
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, struct {
		syncmgr.Status
		MarketOpen   bool   `json:"market_open"`
		MarketStatus string `json:"market_status"`
	}{
		Status:       s.manager.Status(),
		MarketOpen:   tradingday.IsMarketOpen(now),
		MarketStatus: tradingday.StatusString(now),
	})
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Stop())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readCache().SnapshotPositions())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readCache().SnapshotHistory())
}

func (s *Server) handlePnLSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readCache().SnapshotAccountPnL())
}

func (s *Server) handleDailyPnL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readCache().SnapshotDailyPnL())
}

func (s *Server) handleAccountSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readCache().SnapshotAccountSummary())
}

func tradeSnapshots(recs []model.TradeRecord) []model.TradeSnapshot {
	out := make([]model.TradeSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.TradeSnapshot{
			Symbol:      rec.Symbol,
			Exchange:    rec.Exchange,
			Currency:    rec.Currency,
			Side:        rec.Side,
			Qty:         rec.Qty,
			Price:       rec.Price,
			Commission:  rec.Commission,
			RealizedPnL: rec.RealizedPnL,
			TradeTime:   model.FormatDisplayTime(rec.TradeTime),
			PermID:      rec.PermID,
		})
	}
	return out
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	accountID, _, _, ok, err := s.store.DefaultAccount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, []model.TradeSnapshot{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.ListTrades(accountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tradeSnapshots(recs))
}

// handlePositionTrades serves /positions/{id}/trades: the trade rows
// booked against one position, open or archived, oldest first.
func (s *Server) handlePositionTrades(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/positions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "trades" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	positionID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	accountID, _, _, ok, err := s.store.DefaultAccount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, []model.TradeSnapshot{})
		return
	}
	recs, err := s.store.TradesForPosition(accountID, positionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tradeSnapshots(recs))
}

// OrderRequest is the POST /orders body.
type OrderRequest struct {
	Symbol         string   `json:"symbol"`
	Qty            float64  `json:"qty"`
	Side           string   `json:"side"`
	OrderType      string   `json:"order_type"`
	Price          *float64 `json:"price,omitempty"`
	Exchange       string   `json:"exchange,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	TIF            string   `json:"tif,omitempty"`
	Account        string   `json:"account,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.cfg.Readonly {
		writeError(w, http.StatusBadRequest, "order submission disabled (readonly)")
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	if key != "" {
		if entry, ok := s.idemp.get(key); ok {
			if entry.status == idempotencyCompleted {
				SetCORS(w)
				w.Header().Set("Content-Type", "application/json")
				w.Write(entry.response)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "request_id": entry.requestID})
			return
		}
		// Cross-instance guard when redis is configured.
		if s.reserver != nil {
			ok, existing, err := s.reserver.ReserveOrder(r.Context(), key, key)
			if err == nil && !ok {
				writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "request_id": existing})
				return
			}
		}
		s.idemp.putPending(key, key)
	}

	ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("order", time.Now()))
	s.log.Info("order received",
		append([]any{
			slog.String("symbol", req.Symbol),
			slog.String("side", req.Side),
			slog.Float64("qty", req.Qty),
		}, logger.LogWithTrace(ctx)...)...)

	result := s.manager.EnqueueOrder(syncmgr.OrderPayload{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Qty,
		OrderType: req.OrderType,
		Price:     req.Price,
		Exchange:  req.Exchange,
		Currency:  req.Currency,
		TIF:       req.TIF,
		Account:   req.Account,
	}, key, orderWaitTimeout)

	if !result.Success {
		if key != "" {
			s.idemp.drop(key)
			if s.reserver != nil {
				if err := s.reserver.ReleaseOrder(ctx, key); err != nil {
					s.log.Warn("release idempotency key",
						append([]any{slog.String("error", err.Error())}, logger.LogWithTrace(ctx)...)...)
				}
			}
		}
		detail := result.Error
		if detail == "" {
			detail = "order failed"
		}
		writeError(w, http.StatusBadRequest, detail)
		return
	}

	var response interface{}
	if result.Queued {
		response = map[string]string{"status": "queued", "request_id": result.RequestID}
	} else {
		response = struct {
			*syncmgr.OrderAck
			RequestID string `json:"request_id"`
		}{result.Ack, result.RequestID}
	}
	if key != "" {
		body, err := json.Marshal(response)
		if err == nil {
			if result.Queued {
				s.idemp.putPending(key, result.RequestID)
			} else {
				s.idemp.putCompleted(key, result.RequestID, body)
			}
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", slog.String("error", err.Error()))
		return
	}
	s.hub.Register(conn)
}

// buildUpdate assembles the snapshot bundle the websocket hub pushes.
func (s *Server) buildUpdate() UpdateBundle {
	c := s.readCache()
	return UpdateBundle{
		PnLSummary:     c.SnapshotAccountPnL(),
		Positions:      c.SnapshotPositions(),
		History:        c.SnapshotHistory(),
		DailyPnL:       c.SnapshotDailyPnL(),
		AccountSummary: c.SnapshotAccountSummary(),
		LastUpdate:     c.LastUpdate(),
	}
}
