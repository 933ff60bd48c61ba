package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds indicates a debit larger than the available balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrDuplicateTrade indicates a trade with the same idempotency key was
	// already recorded.
	ErrDuplicateTrade = errors.New("ledger: duplicate idempotency key")
	// ErrScopeClosed indicates use of a scope after commit or rollback.
	ErrScopeClosed = errors.New("ledger: scope already closed")
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Mode distinguishes real execution from simulation.
type Mode string

const (
	ModeReal      Mode = "real"
	ModeSimulated Mode = "simulated"
)

// TradeStatus is the terminal status of a recorded trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusCompleted TradeStatus = "completed"
	StatusFailed    TradeStatus = "failed"
)

// Trade is the durable record of one executed order.
type Trade struct {
	OrderID        string
	IdempotencyKey string
	UserID         string
	AssetID        string
	Side           Side
	Mode           Mode
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Funds          decimal.Decimal
	// QuoteBalance is the user's quote balance after the trade applied.
	QuoteBalance decimal.Decimal
	Status       TradeStatus
	CreatedAt    time.Time
}

// Entry is one append-only balance mutation.
type Entry struct {
	UserID           string
	Asset            string
	Delta            decimal.Decimal
	ResultingBalance decimal.Decimal
	OrderID          string
	Timestamp        time.Time
}

// Scope is an exclusive transactional unit of work over one user's balances.
// All mutations for one order happen inside one scope; either every mutation
// commits or none does.
type Scope interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	// Credit adds amount to the asset balance and returns the result.
	Credit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error)
	// Debit subtracts amount; it fails with ErrInsufficientFunds when the
	// balance cannot cover it.
	Debit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error)
	// RecordTrade appends the trade record; a previously recorded idempotency
	// key fails with ErrDuplicateTrade.
	RecordTrade(ctx context.Context, trade Trade) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger is the durable store of balances and trade records.
type Ledger interface {
	// BeginUserScope acquires exclusive access to one user's balances.
	// A second scope for the same user blocks until the first closes.
	BeginUserScope(ctx context.Context, userID string) (Scope, error)
	// TradeByIdempotencyKey returns a previously recorded trade, or nil when
	// the key has never been applied.
	TradeByIdempotencyKey(ctx context.Context, key string) (*Trade, error)
	// RecentTrades lists the newest trades, most recent first.
	RecentTrades(ctx context.Context, limit int) ([]Trade, error)
}
