package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Memory is an in-memory ledger used for simulated trading and tests.
// Scope acquisition serializes per user; different users are independent.
type Memory struct {
	logger zerolog.Logger

	mu      sync.Mutex
	users   map[string]*userAccount
	trades  map[string]Trade
	entries []Entry
}

type userAccount struct {
	// sem serializes scopes for one user while honouring context cancellation.
	sem      chan struct{}
	balances map[string]decimal.Decimal
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		logger: logger.With().Str("component", "memory_ledger").Logger(),
		users:  make(map[string]*userAccount),
		trades: make(map[string]Trade),
	}
}

// SetBalance seeds a user balance outside any scope.
func (m *Memory) SetBalance(userID, asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(userID).balances[asset] = amount
}

// account returns the user record, creating it under m.mu.
func (m *Memory) account(userID string) *userAccount {
	ua, ok := m.users[userID]
	if !ok {
		ua = &userAccount{sem: make(chan struct{}, 1), balances: make(map[string]decimal.Decimal)}
		m.users[userID] = ua
	}
	return ua
}

// BeginUserScope blocks until the user's previous scope closes.
func (m *Memory) BeginUserScope(ctx context.Context, userID string) (Scope, error) {
	m.mu.Lock()
	ua := m.account(userID)
	m.mu.Unlock()

	select {
	case ua.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	staged := make(map[string]decimal.Decimal, len(ua.balances))
	m.mu.Lock()
	for asset, bal := range ua.balances {
		staged[asset] = bal
	}
	m.mu.Unlock()

	return &memoryScope{ledger: m, userID: userID, account: ua, staged: staged}, nil
}

// TradeByIdempotencyKey returns the committed trade for key, if any.
func (m *Memory) TradeByIdempotencyKey(ctx context.Context, key string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade, ok := m.trades[key]; ok {
		return &trade, nil
	}
	return nil, nil
}

// RecentTrades lists committed trades, newest first.
func (m *Memory) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades := make([]Trade, 0, len(m.trades))
	for _, trade := range m.trades {
		trades = append(trades, trade)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].CreatedAt.After(trades[j].CreatedAt) })
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// Entries returns a copy of the append-only entry log.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

type memoryScope struct {
	ledger  *Memory
	userID  string
	account *userAccount

	staged        map[string]decimal.Decimal
	stagedEntries []Entry
	stagedTrade   *Trade
	closed        bool
}

func (s *memoryScope) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}
	return s.staged[asset], nil
}

func (s *memoryScope) Credit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}
	next := s.staged[asset].Add(amount)
	s.staged[asset] = next
	s.stagedEntries = append(s.stagedEntries, Entry{
		UserID:           s.userID,
		Asset:            asset,
		Delta:            amount,
		ResultingBalance: next,
		OrderID:          orderID,
		Timestamp:        time.Now().UTC(),
	})
	return next, nil
}

func (s *memoryScope) Debit(ctx context.Context, asset string, amount decimal.Decimal, orderID string) (decimal.Decimal, error) {
	if s.closed {
		return decimal.Decimal{}, ErrScopeClosed
	}
	current := s.staged[asset]
	if current.LessThan(amount) {
		return decimal.Decimal{}, ErrInsufficientFunds
	}
	next := current.Sub(amount)
	s.staged[asset] = next
	s.stagedEntries = append(s.stagedEntries, Entry{
		UserID:           s.userID,
		Asset:            asset,
		Delta:            amount.Neg(),
		ResultingBalance: next,
		OrderID:          orderID,
		Timestamp:        time.Now().UTC(),
	})
	return next, nil
}

func (s *memoryScope) RecordTrade(ctx context.Context, trade Trade) error {
	if s.closed {
		return ErrScopeClosed
	}
	s.ledger.mu.Lock()
	_, exists := s.ledger.trades[trade.IdempotencyKey]
	s.ledger.mu.Unlock()
	if exists || s.stagedTrade != nil {
		return ErrDuplicateTrade
	}
	s.stagedTrade = &trade
	return nil
}

func (s *memoryScope) Commit(ctx context.Context) error {
	if s.closed {
		return ErrScopeClosed
	}
	s.closed = true

	s.ledger.mu.Lock()
	for asset, bal := range s.staged {
		s.account.balances[asset] = bal
	}
	s.ledger.entries = append(s.ledger.entries, s.stagedEntries...)
	if s.stagedTrade != nil {
		s.ledger.trades[s.stagedTrade.IdempotencyKey] = *s.stagedTrade
	}
	s.ledger.mu.Unlock()

	<-s.account.sem
	return nil
}

func (s *memoryScope) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	<-s.account.sem
	return nil
}

var _ Ledger = (*Memory)(nil)
