// Package gateway implements venue.Venue over the brokerage
// gateway's websocket bridge. Frames are JSON; commands carry a
// request id that the gateway echoes on the matching response, while
// event frames stream unsolicited and fan out to the venue.Handler.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"pnl-trackerv1/internal/venue"
)

const (
	handshakeTimeout = 15 * time.Second
	requestTimeout   = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config carries the gateway endpoint and session credentials. The
// TOTP secret produces a fresh one-time code per connect.
type Config struct {
	URL        string
	APIKey     string
	ClientCode string
	TOTPSecret string
	ClientID   int
}

// frame is the wire envelope in both directions.
type frame struct {
	Op    string          `json:"op,omitempty"`
	Type  string          `json:"type,omitempty"`
	ReqID int64           `json:"req_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a websocket session against the gateway bridge. It is
// safe for concurrent command use; one read loop feeds events to the
// handler registered at Connect.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	account   string
	handler   venue.Handler
	pending   map[int64]chan frame

	reqID  atomic.Int64
	closed chan struct{}
}

var _ venue.Venue = (*Client)(nil)

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect dials the gateway, authenticates with a fresh TOTP code,
// and starts the read loop. Events flow to h until the session dies
// or Close is called.
func (c *Client) Connect(ctx context.Context, h venue.Handler) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("totp generation: %w", err)
	}

	header := http.Header{}
	header.Add("Authorization", c.cfg.APIKey)
	header.Add("x-client-code", c.cfg.ClientCode)
	header.Add("x-totp", code)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gateway dial (status %s): %w", resp.Status, err)
		}
		return fmt.Errorf("gateway dial: %w", err)
	}

	login := frame{Op: "login", ReqID: c.reqID.Add(1)}
	login.Data, _ = json.Marshal(map[string]interface{}{"client_id": c.cfg.ClientID})
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return fmt.Errorf("gateway login write: %w", err)
	}

	// The login ack is the first frame on a fresh session; read it
	// synchronously before the read loop takes over the connection.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("gateway login read: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if ack.Error != "" {
		conn.Close()
		return fmt.Errorf("gateway login rejected: %s", ack.Error)
	}
	var loginData struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(ack.Data, &loginData); err != nil || loginData.Account == "" {
		conn.Close()
		return errors.New("gateway login: missing account in ack")
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.account = loginData.Account
	c.handler = h
	c.pending = make(map[int64]chan frame)
	c.closed = make(chan struct{})
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error { return nil })
	go c.readLoop(conn)

	log.Printf("[gateway] session established, account %s", loginData.Account)
	return nil
}

// Close tears down the session. Pending requests fail with
// ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = nil
	closed := c.closed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	select {
	case <-closed:
	default:
		close(closed)
	}
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Account() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", venue.ErrNotConnected
	}
	return c.account, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		pending := c.pending
		c.pending = nil
		handler := c.handler
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		if handler != nil {
			handler.OnConnectivity(venue.ConnectivityEvent{Code: 1100, Message: "gateway connection lost"})
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("[gateway] read error: %v", err)
			}
			return
		}

		if f.ReqID != 0 && f.Type == "response" {
			c.mu.Lock()
			ch := c.pending[f.ReqID]
			delete(c.pending, f.ReqID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
			continue
		}
		c.dispatchEvent(f)
	}
}

func (c *Client) dispatchEvent(f frame) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}

	switch f.Type {
	case "execution":
		var p executionPayload
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnExecution(p.toEvent())
		}
	case "commission":
		var p struct {
			ExecID     string   `json:"exec_id"`
			Commission float64  `json:"commission"`
			Realized   *float64 `json:"realized_pnl"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnCommission(venue.CommissionEvent{
				ExecID: p.ExecID, Commission: p.Commission, Realized: p.Realized,
			})
		}
	case "position":
		var p positionPayload
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnPosition(p.toEvent())
		}
	case "account_value":
		var p struct {
			Account  string `json:"account"`
			Tag      string `json:"tag"`
			Value    string `json:"value"`
			Currency string `json:"currency"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnAccountValue(venue.AccountValueEvent(p))
		}
	case "account_pnl":
		var p struct {
			Daily      float64 `json:"daily_pnl"`
			Unrealized float64 `json:"unrealized_pnl"`
			Realized   float64 `json:"realized_pnl"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnAccountPnL(venue.AccountPnLEvent(p))
		}
	case "position_pnl":
		var p struct {
			ConID      int64    `json:"con_id"`
			Daily      *float64 `json:"daily_pnl"`
			Unrealized *float64 `json:"unrealized_pnl"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnPositionPnL(venue.PositionPnLEvent(p))
		}
	case "error":
		var p struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(f.Data, &p) == nil {
			h.OnConnectivity(venue.ConnectivityEvent(p))
		}
	default:
		log.Printf("[gateway] unknown event type %q", f.Type)
	}
}

type executionPayload struct {
	Account  string  `json:"account"`
	ExecID   string  `json:"exec_id"`
	PermID   string  `json:"perm_id"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	Side     string  `json:"side"`
	Qty      float64 `json:"qty"`
	Price    float64 `json:"price"`
	ConID    int64   `json:"con_id"`
	Time     string  `json:"time"`
}

func (p executionPayload) toEvent() venue.ExecutionEvent {
	t, _ := time.Parse(time.RFC3339Nano, p.Time)
	return venue.ExecutionEvent{
		Account: p.Account, ExecID: p.ExecID, PermID: p.PermID,
		Symbol: p.Symbol, Exchange: p.Exchange, Currency: p.Currency,
		Side: p.Side, Qty: p.Qty, Price: p.Price, ConID: p.ConID, Time: t,
	}
}

type positionPayload struct {
	Account  string  `json:"account"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	ConID    int64   `json:"con_id"`
	Qty      float64 `json:"qty"`
	AvgCost  float64 `json:"avg_cost"`
}

func (p positionPayload) toEvent() venue.PositionEvent {
	return venue.PositionEvent(p)
}

// send writes a fire-and-forget command frame.
func (c *Client) send(op string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return venue.ErrNotConnected
	}
	f := frame{Op: op}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		f.Data = raw
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// request writes a command frame and waits for the correlated
// response.
func (c *Client) request(ctx context.Context, op string, data interface{}) (json.RawMessage, error) {
	id := c.reqID.Add(1)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.conn == nil || c.pending == nil {
		c.mu.Unlock()
		return nil, venue.ErrNotConnected
	}
	c.pending[id] = ch
	conn := c.conn
	f := frame{Op: op, ReqID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			delete(c.pending, id)
			c.mu.Unlock()
			return nil, err
		}
		f.Data = raw
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(f)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("gateway %s write: %w", op, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, venue.ErrNotConnected
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("gateway %s: %s", op, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("gateway %s: response timeout", op)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// RequestPositions asks for a full position snapshot.
func (c *Client) RequestPositions(ctx context.Context) ([]venue.PositionEvent, error) {
	raw, err := c.request(ctx, "positions", nil)
	if err != nil {
		return nil, err
	}
	var rows []positionPayload
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("gateway positions decode: %w", err)
	}
	out := make([]venue.PositionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// RequestExecutions replays executions since the given time. The
// gateway streams the matching commission reports as events.
func (c *Client) RequestExecutions(ctx context.Context, since time.Time) ([]venue.ExecutionEvent, error) {
	req := map[string]interface{}{}
	if !since.IsZero() {
		req["since"] = since.UTC().Format(time.RFC3339Nano)
	}
	raw, err := c.request(ctx, "executions", req)
	if err != nil {
		return nil, err
	}
	var rows []executionPayload
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("gateway executions decode: %w", err)
	}
	out := make([]venue.ExecutionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

func (c *Client) SubscribeAccountPnL() error {
	return c.send("subscribe_account_pnl", nil)
}

func (c *Client) SubscribeAccountSummary() error {
	return c.send("subscribe_account_summary", nil)
}

func (c *Client) SubscribePositionPnL(conID int64) error {
	return c.send("subscribe_position_pnl", map[string]int64{"con_id": conID})
}

func (c *Client) UnsubscribePositionPnL(conID int64) error {
	return c.send("unsubscribe_position_pnl", map[string]int64{"con_id": conID})
}

// QualifyInstrument resolves the contract id for an instrument.
func (c *Client) QualifyInstrument(ctx context.Context, inst venue.Instrument) (venue.Instrument, error) {
	raw, err := c.request(ctx, "qualify", map[string]string{
		"symbol":   inst.Symbol,
		"exchange": inst.Exchange,
		"currency": inst.Currency,
	})
	if err != nil {
		return venue.Instrument{}, err
	}
	var resp struct {
		ConID    int64  `json:"con_id"`
		Exchange string `json:"exchange"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.Instrument{}, fmt.Errorf("gateway qualify decode: %w", err)
	}
	if resp.ConID == 0 {
		return venue.Instrument{}, fmt.Errorf("instrument %s not qualifiable", inst.Symbol)
	}
	inst.ConID = resp.ConID
	if resp.Exchange != "" {
		inst.Exchange = resp.Exchange
	}
	return inst, nil
}

// PlaceOrder submits an order and returns the gateway's initial
// status.
func (c *Client) PlaceOrder(ctx context.Context, inst venue.Instrument, ord venue.Order) (venue.OrderStatus, error) {
	raw, err := c.request(ctx, "place_order", map[string]interface{}{
		"con_id":      inst.ConID,
		"symbol":      inst.Symbol,
		"side":        ord.Side,
		"qty":         ord.Qty,
		"order_type":  string(ord.Type),
		"limit_price": ord.LimitPrice,
	})
	if err != nil {
		return venue.OrderStatus{}, err
	}
	var resp struct {
		OrderID   int64   `json:"order_id"`
		Status    string  `json:"status"`
		Filled    float64 `json:"filled"`
		Remaining float64 `json:"remaining"`
		AvgPrice  float64 `json:"avg_price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.OrderStatus{}, fmt.Errorf("gateway order decode: %w", err)
	}
	return venue.OrderStatus(resp), nil
}

// Ping sends a websocket ping control frame as the liveness probe.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return venue.ErrNotConnected
	}
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
}
