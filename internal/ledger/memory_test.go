package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(zerolog.Nop())
	m.SetBalance("alice", "USD", dec("1000"))
	return m
}

func TestCreditDebitCommit(t *testing.T) {
	m := newTestLedger(t)
	ctx := context.Background()

	scope, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}

	balance, err := scope.Debit(ctx, "USD", dec("300"), "order-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !balance.Equal(dec("700")) {
		t.Fatalf("balance after debit = %s, want 700", balance)
	}

	if _, err := scope.Credit(ctx, "BTC", dec("0.01"), "order-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	scope2, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin second scope: %v", err)
	}
	defer scope2.Rollback(ctx)

	usd, _ := scope2.Balance(ctx, "USD")
	btc, _ := scope2.Balance(ctx, "BTC")
	if !usd.Equal(dec("700")) || !btc.Equal(dec("0.01")) {
		t.Fatalf("committed balances USD=%s BTC=%s, want 700/0.01", usd, btc)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	m := newTestLedger(t)
	ctx := context.Background()

	scope, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	defer scope.Rollback(ctx)

	if _, err := scope.Debit(ctx, "USD", dec("1001"), "order-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRollbackDiscardsEverything(t *testing.T) {
	m := newTestLedger(t)
	ctx := context.Background()

	scope, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	if _, err := scope.Debit(ctx, "USD", dec("500"), "order-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := scope.RecordTrade(ctx, Trade{IdempotencyKey: "idem-1", OrderID: "order-1", UserID: "alice"}); err != nil {
		t.Fatalf("record trade: %v", err)
	}
	if err := scope.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	scope2, _ := m.BeginUserScope(ctx, "alice")
	defer scope2.Rollback(ctx)
	balance, _ := scope2.Balance(ctx, "USD")
	if !balance.Equal(dec("1000")) {
		t.Fatalf("rollback must restore balance, got %s", balance)
	}

	trade, err := m.TradeByIdempotencyKey(ctx, "idem-1")
	if err != nil {
		t.Fatalf("trade lookup: %v", err)
	}
	if trade != nil {
		t.Fatal("rolled-back trade must not be visible")
	}
	if len(m.Entries()) != 0 {
		t.Fatal("rolled-back entries must not be appended")
	}
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	m := newTestLedger(t)
	ctx := context.Background()

	scope, _ := m.BeginUserScope(ctx, "alice")
	if err := scope.RecordTrade(ctx, Trade{IdempotencyKey: "idem-1", OrderID: "order-1"}); err != nil {
		t.Fatalf("record trade: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	scope2, _ := m.BeginUserScope(ctx, "alice")
	defer scope2.Rollback(ctx)
	if err := scope2.RecordTrade(ctx, Trade{IdempotencyKey: "idem-1", OrderID: "order-2"}); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}
}

func TestScopeSerializesPerUser(t *testing.T) {
	m := newTestLedger(t)
	ctx := context.Background()

	scope, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}

	second := make(chan struct{})
	go func() {
		s, err := m.BeginUserScope(context.Background(), "alice")
		if err == nil {
			_ = s.Rollback(context.Background())
		}
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second scope for the same user must wait for the first")
	case <-time.After(50 * time.Millisecond):
	}

	_ = scope.Rollback(ctx)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second scope should proceed after the first closes")
	}
}

func TestScopeAcquisitionHonoursContext(t *testing.T) {
	m := newTestLedger(t)

	scope, err := m.BeginUserScope(context.Background(), "alice")
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	defer scope.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.BeginUserScope(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked scope acquisition should respect context, got %v", err)
	}
}

func TestDifferentUsersIndependent(t *testing.T) {
	m := newTestLedger(t)
	m.SetBalance("bob", "USD", dec("50"))
	ctx := context.Background()

	scopeA, err := m.BeginUserScope(ctx, "alice")
	if err != nil {
		t.Fatalf("begin alice scope: %v", err)
	}
	defer scopeA.Rollback(ctx)

	done := make(chan error, 1)
	go func() {
		scopeB, err := m.BeginUserScope(ctx, "bob")
		if err != nil {
			done <- err
			return
		}
		done <- scopeB.Rollback(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("bob's scope failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("bob's scope must not block on alice's")
	}
}

func TestConcurrentScopesFinalBalanceSequential(t *testing.T) {
	m := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			scope, err := m.BeginUserScope(ctx, "alice")
			if err != nil {
				t.Errorf("begin scope: %v", err)
				return
			}
			if _, err := scope.Debit(ctx, "USD", dec("10"), "order"); err != nil {
				_ = scope.Rollback(ctx)
				t.Errorf("debit: %v", err)
				return
			}
			if err := scope.Commit(ctx); err != nil {
				t.Errorf("commit: %v", err)
			}
		}()
	}
	wg.Wait()

	scope, _ := m.BeginUserScope(context.Background(), "alice")
	defer scope.Rollback(context.Background())
	balance, _ := scope.Balance(context.Background(), "USD")
	if !balance.Equal(dec("900")) {
		t.Fatalf("final balance = %s, want 900 (sequential application)", balance)
	}
}
