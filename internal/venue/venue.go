// Package venue defines the abstract brokerage venue: the normalized
// event shapes the sync layer consumes and the command surface it
// drives. Wire formats stay inside adapter implementations; one
// tagged event type per kind keeps the core binding-agnostic.
package venue

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by commands issued while no session is
// established.
var ErrNotConnected = errors.New("venue: not connected")

// ExecutionEvent is one filled execution reported by the venue. Side
// carries the venue's raw spelling; normalization happens downstream.
type ExecutionEvent struct {
	Account  string
	ExecID   string
	PermID   string
	Symbol   string
	Exchange string
	Currency string
	Side     string
	Qty      float64
	Price    float64
	ConID    int64
	Time     time.Time
}

// CommissionEvent is the commission/realization report for one
// execution. Realized is nil when the venue did not attach a realized
// figure (opens and adds).
type CommissionEvent struct {
	ExecID     string
	Commission float64
	Realized   *float64
}

// PositionEvent is one row of a position snapshot refresh. Qty zero
// means the venue considers the position closed.
type PositionEvent struct {
	Account  string
	Symbol   string
	Exchange string
	Currency string
	ConID    int64
	Qty      float64
	AvgCost  float64
}

// AccountValueEvent is one named account valuation field. Value
// arrives as the venue's raw string; malformed numbers are dropped
// downstream.
type AccountValueEvent struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

// AccountPnLEvent is the account-level daily/unrealized/realized
// valuation stream.
type AccountPnLEvent struct {
	Daily      float64
	Unrealized float64
	Realized   float64
}

// PositionPnLEvent is the live per-position valuation stream,
// addressed by contract id. Nil fields were not reported in this
// update.
type PositionPnLEvent struct {
	ConID      int64
	Daily      *float64
	Unrealized *float64
}

// ConnectivityEvent carries venue error/status codes. Some codes mean
// a degraded-but-alive session rather than a disconnect.
type ConnectivityEvent struct {
	Code    int
	Message string
}

// Handler receives venue events. Adapters invoke it from their read
// loop; implementations must not block for long.
type Handler interface {
	OnExecution(ExecutionEvent)
	OnCommission(CommissionEvent)
	OnPosition(PositionEvent)
	OnAccountValue(AccountValueEvent)
	OnAccountPnL(AccountPnLEvent)
	OnPositionPnL(PositionPnLEvent)
	OnConnectivity(ConnectivityEvent)
}

// Instrument identifies a tradable contract. ConID is filled in by
// QualifyInstrument.
type Instrument struct {
	Symbol   string
	Exchange string
	Currency string
	ConID    int64
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order is one order to submit. LimitPrice is required for limit
// orders.
type Order struct {
	Side       string
	Qty        float64
	Type       OrderType
	LimitPrice float64
}

// OrderStatus is the venue's initial acknowledgement of a submitted
// order.
type OrderStatus struct {
	OrderID   int64
	Status    string
	Filled    float64
	Remaining float64
	AvgPrice  float64
}

// Venue is the command surface the sync layer drives. Connect blocks
// until the session is established or ctx expires; events flow to the
// handler until Close.
type Venue interface {
	Connect(ctx context.Context, h Handler) error
	Close() error
	IsConnected() bool

	// Account returns the venue account id for the session.
	Account() (string, error)

	// RequestPositions triggers a full position snapshot; rows are
	// returned directly rather than via the handler so callers can
	// reconcile against the complete set.
	RequestPositions(ctx context.Context) ([]PositionEvent, error)

	// RequestExecutions replays executions since the given time.
	// Matching commission reports arrive through the handler.
	RequestExecutions(ctx context.Context, since time.Time) ([]ExecutionEvent, error)

	SubscribeAccountPnL() error
	SubscribeAccountSummary() error
	SubscribePositionPnL(conID int64) error
	UnsubscribePositionPnL(conID int64) error

	QualifyInstrument(ctx context.Context, inst Instrument) (Instrument, error)
	PlaceOrder(ctx context.Context, inst Instrument, ord Order) (OrderStatus, error)

	// Ping is the liveness probe; an error marks the session dead.
	Ping() error
}
