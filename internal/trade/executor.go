package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-gateway/internal/ledger"
)

var (
	// ErrValidationFailed indicates a request rejected before any side effect.
	ErrValidationFailed = errors.New("trade: validation failed")
	// ErrPriceUnavailable indicates no price fresh enough for execution.
	ErrPriceUnavailable = errors.New("trade: price unavailable")
)

// State is one step of the order lifecycle.
type State string

const (
	StateReceived      State = "received"
	StateValidated     State = "validated"
	StatePriceResolved State = "price_resolved"
	StateLedgerApplied State = "ledger_applied"
	StateCompleted     State = "completed"
	StateRejected      State = "rejected"
	StateFailed        State = "failed"
)

// Request is one inbound order.
type Request struct {
	IdempotencyKey string
	UserID         string
	Side           ledger.Side
	AssetID        string
	// Amount is quote funds to spend for a buy, base quantity to sell for a sell.
	Amount decimal.Decimal
	Mode   ledger.Mode
}

// Result is the outcome of executing one order.
type Result struct {
	OrderID string
	State   State
	// Duplicate is true when the result was replayed from a previously
	// recorded trade instead of applying the ledger again.
	Duplicate  bool
	Price      decimal.Decimal
	PriceStale bool
	Quantity   decimal.Decimal
	Funds      decimal.Decimal
	// QuoteBalance is the user's quote balance after the trade.
	QuoteBalance decimal.Decimal
	CreatedAt    time.Time
}

// Options configure the executor.
type Options struct {
	// Assets is the set of asset identifiers accepted for trading.
	Assets []string
	// QuoteAsset is the settlement currency, e.g. "USD".
	QuoteAsset string
	// OnTrade, when set, is invoked after each newly committed trade.
	// Replayed duplicates do not fire it.
	OnTrade func(context.Context, ledger.Trade)
}

// Executor drives an order through
// Received -> Validated -> PriceResolved -> LedgerApplied -> Completed,
// with Rejected and Failed as absorbing states. The same idempotency key
// never applies the ledger twice.
type Executor struct {
	opts   Options
	prices PriceSource
	ledger ledger.Ledger
	logger zerolog.Logger
	assets map[string]bool
}

// NewExecutor constructs an Executor.
func NewExecutor(opts Options, prices PriceSource, l ledger.Ledger, logger zerolog.Logger) *Executor {
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USD"
	}
	assets := make(map[string]bool, len(opts.Assets))
	for _, a := range opts.Assets {
		assets[a] = true
	}
	return &Executor{
		opts:   opts,
		prices: prices,
		ledger: l,
		logger: logger.With().Str("component", "trade_executor").Logger(),
		assets: assets,
	}
}

// Execute runs one order to a terminal state. A request whose idempotency key
// was already applied returns the prior result unchanged.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if prior, err := e.replay(ctx, req.IdempotencyKey); err != nil {
		return Result{State: StateFailed}, err
	} else if prior != nil {
		return *prior, nil
	}

	if err := e.validate(req); err != nil {
		return Result{State: StateRejected}, err
	}

	price, stale, err := e.prices.Price(ctx, req.AssetID)
	if err != nil {
		return Result{State: StateFailed}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if stale && req.Mode == ledger.ModeReal {
		// Stale pricing is acceptable for simulation only.
		return Result{State: StateFailed}, fmt.Errorf("%w: only stale price available for %s", ErrPriceUnavailable, req.AssetID)
	}

	return e.apply(ctx, req, price, stale)
}

// replay returns the recorded result for an already-applied idempotency key.
func (e *Executor) replay(ctx context.Context, key string) (*Result, error) {
	prior, err := e.ledger.TradeByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if prior == nil {
		return nil, nil
	}
	e.logger.Debug().Str("idempotency_key", key).Str("order_id", prior.OrderID).Msg("replaying recorded trade")
	result := resultFromTrade(*prior)
	return &result, nil
}

func (e *Executor) validate(req Request) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidationFailed)
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}
	if req.Side != ledger.SideBuy && req.Side != ledger.SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrValidationFailed, req.Side)
	}
	if req.Mode != ledger.ModeReal && req.Mode != ledger.ModeSimulated {
		return fmt.Errorf("%w: unknown mode %q", ErrValidationFailed, req.Mode)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidationFailed)
	}
	if !e.assets[req.AssetID] {
		return fmt.Errorf("%w: unknown asset %q", ErrValidationFailed, req.AssetID)
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, req Request, price decimal.Decimal, stale bool) (Result, error) {
	scope, err := e.ledger.BeginUserScope(ctx, req.UserID)
	if err != nil {
		return Result{State: StateFailed}, fmt.Errorf("begin ledger scope: %w", err)
	}
	defer scope.Rollback(ctx)

	orderID := uuid.New().String()

	var quantity, funds, quoteBalance decimal.Decimal
	switch req.Side {
	case ledger.SideBuy:
		funds = req.Amount
		quantity = funds.Div(price)
		if quoteBalance, err = scope.Debit(ctx, e.opts.QuoteAsset, funds, orderID); err != nil {
			return e.ledgerFailure(ctx, scope, err)
		}
		if _, err = scope.Credit(ctx, req.AssetID, quantity, orderID); err != nil {
			return e.ledgerFailure(ctx, scope, err)
		}
	case ledger.SideSell:
		quantity = req.Amount
		funds = quantity.Mul(price)
		if _, err = scope.Debit(ctx, req.AssetID, quantity, orderID); err != nil {
			return e.ledgerFailure(ctx, scope, err)
		}
		if quoteBalance, err = scope.Credit(ctx, e.opts.QuoteAsset, funds, orderID); err != nil {
			return e.ledgerFailure(ctx, scope, err)
		}
	}

	trade := ledger.Trade{
		OrderID:        orderID,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		AssetID:        req.AssetID,
		Side:           req.Side,
		Mode:           req.Mode,
		Quantity:       quantity,
		Price:          price,
		Funds:          funds,
		QuoteBalance:   quoteBalance,
		Status:         ledger.StatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}

	if err := scope.RecordTrade(ctx, trade); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTrade) {
			// A concurrent request with the same key won the race while we
			// waited for the user scope. Drop our mutations and replay.
			_ = scope.Rollback(ctx)
			if prior, replayErr := e.replay(ctx, req.IdempotencyKey); replayErr == nil && prior != nil {
				return *prior, nil
			}
			return Result{State: StateFailed}, err
		}
		return e.ledgerFailure(ctx, scope, err)
	}

	if err := scope.Commit(ctx); err != nil {
		return Result{State: StateFailed}, fmt.Errorf("commit ledger scope: %w", err)
	}

	e.logger.Info().
		Str("order_id", orderID).
		Str("user_id", req.UserID).
		Str("asset", req.AssetID).
		Str("side", string(req.Side)).
		Str("mode", string(req.Mode)).
		Str("price", price.String()).
		Bool("stale_price", stale).
		Msg("order completed")

	if e.opts.OnTrade != nil {
		e.opts.OnTrade(ctx, trade)
	}

	return Result{
		OrderID:      orderID,
		State:        StateCompleted,
		Price:        price,
		PriceStale:   stale,
		Quantity:     quantity,
		Funds:        funds,
		QuoteBalance: quoteBalance,
		CreatedAt:    trade.CreatedAt,
	}, nil
}

// ledgerFailure rolls back and maps the error to a terminal state. The
// executor never retries ledger mutation on its own.
func (e *Executor) ledgerFailure(ctx context.Context, scope ledger.Scope, err error) (Result, error) {
	_ = scope.Rollback(ctx)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return Result{State: StateRejected}, err
	}
	return Result{State: StateFailed}, fmt.Errorf("ledger mutation: %w", err)
}

func resultFromTrade(t ledger.Trade) Result {
	return Result{
		OrderID:      t.OrderID,
		State:        StateCompleted,
		Duplicate:    true,
		Price:        t.Price,
		Quantity:     t.Quantity,
		Funds:        t.Funds,
		QuoteBalance: t.QuoteBalance,
		CreatedAt:    t.CreatedAt,
	}
}
