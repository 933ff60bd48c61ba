package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the ledger pool was not initialised.
var ErrNotConfigured = errors.New("ledger: pool not configured")

const (
	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	selectBalanceSQL = `SELECT balance FROM balances
    WHERE user_id = $1 AND asset = $2;`

	creditBalanceSQL = `INSERT INTO balances (user_id, asset, balance)
    VALUES ($1, $2, $3)
    ON CONFLICT (user_id, asset) DO UPDATE
    SET balance = balances.balance + EXCLUDED.balance
    RETURNING balance;`

	debitBalanceSQL = `UPDATE balances
    SET balance = balance - $3
    WHERE user_id = $1
      AND asset = $2
      AND balance >= $3
    RETURNING balance;`

	insertEntrySQL = `INSERT INTO ledger_entries (
        user_id,
        asset,
        delta,
        resulting_balance,
        order_id,
        recorded_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertTradeSQL = `INSERT INTO trades (
        order_id,
        idempotency_key,
        user_id,
        asset_id,
        side,
        mode,
        quantity,
        price,
        funds,
        quote_balance,
        status,
        created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    ON CONFLICT (idempotency_key) DO NOTHING;`

	selectTradeByKeySQL = `SELECT
        order_id,
        idempotency_key,
        user_id,
        asset_id,
        side,
        mode,
        quantity,
        price,
        funds,
        quote_balance,
        status,
        created_at
    FROM trades
    WHERE idempotency_key = $1;`

	listRecentTradesSQL = `SELECT
        order_id,
        idempotency_key,
        user_id,
        asset_id,
        side,
        mode,
        quantity,
        price,
        funds,
        quote_balance,
        status,
        created_at
    FROM trades
    ORDER BY created_at DESC
    LIMIT $1;`
)

// Postgres is the transactional row-store ledger. A scope is one transaction
// holding a per-user advisory lock, so two concurrent orders for the same
// user serialize on the database.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres wires a pgx pool into a ledger.
func NewPostgres(pool *pgxpool.Pool, logger zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger.With().Str("component", "pg_ledger").Logger()}
}

// Close releases the underlying pool resources.
func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

// BeginUserScope opens a transaction and takes the user's advisory lock.
func (p *Postgres) BeginUserScope(ctx context.Context, userID string) (Scope, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger scope: %w", err)
	}

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, userID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}

	return &pgScope{tx: tx, userID: userID}, nil
}

// TradeByIdempotencyKey returns the committed trade for key, if any.
func (p *Postgres) TradeByIdempotencyKey(ctx context.Context, key string) (*Trade, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	return scanTradeRow(pool.QueryRow(ctx, selectTradeByKeySQL, key))
}

// RecentTrades lists the most recent trades.
func (p *Postgres) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]Trade, 0, limit)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

type pgScope struct {
	tx     pgx.Tx
	userID string
	closed bool
}

func (s *pgScope) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}

	var balanceStr string
	err := s.tx.QueryRow(ctx, selectBalanceSQL, s.userID, asset).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("select balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

func (s *pgScope) Credit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}

	var balanceStr string
	if err := s.tx.QueryRow(ctx, creditBalanceSQL, s.userID, asset, amount.String()).Scan(&balanceStr); err != nil {
		return decimal.Decimal{}, fmt.Errorf("credit balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}

	if err := s.appendEntry(ctx, asset, amount, balance, orderID); err != nil {
		return decimal.Decimal{}, err
	}
	return balance, nil
}

func (s *pgScope) Debit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}

	var balanceStr string
	err := s.tx.QueryRow(ctx, debitBalanceSQL, s.userID, asset, amount.String()).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("debit balance: %w", err)
	}
	balance, parseErr := decimal.NewFromString(balanceStr)
	if parseErr != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", parseErr)
	}

	if err := s.appendEntry(ctx, asset, amount.Neg(), balance, orderID); err != nil {
		return decimal.Decimal{}, err
	}
	return balance, nil
}

func (s *pgScope) appendEntry(ctx context.Context, asset string, delta, resulting decimal.Decimal, orderID string) error {
	_, err := s.tx.Exec(ctx, insertEntrySQL,
		s.userID,
		asset,
		delta.String(),
		resulting.String(),
		orderID,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *pgScope) RecordTrade(ctx context.Context, trade Trade) error {
	if s.closed {
		return ErrScopeClosed
	}

	cmdTag, err := s.tx.Exec(ctx, insertTradeSQL,
		trade.OrderID,
		trade.IdempotencyKey,
		trade.UserID,
		trade.AssetID,
		string(trade.Side),
		string(trade.Mode),
		trade.Quantity.String(),
		trade.Price.String(),
		trade.Funds.String(),
		trade.QuoteBalance.String(),
		string(trade.Status),
		trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrDuplicateTrade
	}
	return nil
}

func (s *pgScope) Commit(ctx context.Context) error {
	if s.closed {
		return ErrScopeClosed
	}
	s.closed = true
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger scope: %w", err)
	}
	return nil
}

func (s *pgScope) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback ledger scope: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTradeRow(row pgx.Row) (*Trade, error) {
	trade, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func scanTrade(row rowScanner) (Trade, error) {
	var (
		trade       Trade
		side        string
		mode        string
		status      string
		quantityStr string
		priceStr    string
		fundsStr    string
		balanceStr  string
	)

	if err := row.Scan(
		&trade.OrderID,
		&trade.IdempotencyKey,
		&trade.UserID,
		&trade.AssetID,
		&side,
		&mode,
		&quantityStr,
		&priceStr,
		&fundsStr,
		&balanceStr,
		&status,
		&trade.CreatedAt,
	); err != nil {
		return Trade{}, err
	}

	trade.Side = Side(side)
	trade.Mode = Mode(mode)
	trade.Status = TradeStatus(status)

	var convErr error
	if trade.Quantity, convErr = decimal.NewFromString(quantityStr); convErr != nil {
		return Trade{}, fmt.Errorf("parse quantity: %w", convErr)
	}
	if trade.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
		return Trade{}, fmt.Errorf("parse price: %w", convErr)
	}
	if trade.Funds, convErr = decimal.NewFromString(fundsStr); convErr != nil {
		return Trade{}, fmt.Errorf("parse funds: %w", convErr)
	}
	if trade.QuoteBalance, convErr = decimal.NewFromString(balanceStr); convErr != nil {
		return Trade{}, fmt.Errorf("parse quote balance: %w", convErr)
	}

	return trade, nil
}

var _ Ledger = (*Postgres)(nil)
