package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market-gateway/internal/cache"
	"market-gateway/internal/ledger"
	"market-gateway/internal/trade"
	"market-gateway/internal/upstream"
)

// SimulateOrder 在内存账本上执行一笔模拟订单并打印结果。
func (a *App) SimulateOrder(ctx context.Context, opts SimulateOptions) error {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", opts.Amount, err)
	}

	balance := decimal.NewFromInt(10000)
	if opts.Balance != "" {
		if balance, err = decimal.NewFromString(opts.Balance); err != nil {
			return fmt.Errorf("invalid balance %q: %w", opts.Balance, err)
		}
	}

	var prices trade.PriceSource
	if opts.Price != "" {
		price, err := decimal.NewFromString(opts.Price)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", opts.Price, err)
		}
		prices = staticPriceSource{price: price}
	} else {
		tickers := cache.New[upstream.Ticker](cache.Options{TTL: a.Config.Trading.PriceTTL}, a.Logger)
		prices = trade.NewCachedPrices(tickers, a.newChain())
	}

	mem := ledger.NewMemory(a.Logger)
	user := "simulator"
	mem.SetBalance(user, a.Config.Trading.QuoteAsset, balance)
	if opts.Side == string(ledger.SideSell) {
		// Selling needs base inventory to debit.
		mem.SetBalance(user, opts.AssetID, amount)
	}

	executor := trade.NewExecutor(trade.Options{
		Assets:     a.Config.Trading.Assets,
		QuoteAsset: a.Config.Trading.QuoteAsset,
	}, prices, mem, a.Logger)

	result, err := executor.Execute(ctx, trade.Request{
		IdempotencyKey: uuid.New().String(),
		UserID:         user,
		Side:           ledger.Side(opts.Side),
		AssetID:        opts.AssetID,
		Amount:         amount,
		Mode:           ledger.ModeSimulated,
	})
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Order\t%s\n", result.OrderID)
	fmt.Fprintf(writer, "State\t%s\n", result.State)
	fmt.Fprintf(writer, "Price\t%s %s\n", result.Price.String(), a.Config.Trading.QuoteAsset)
	fmt.Fprintf(writer, "Quantity\t%s %s\n", result.Quantity.String(), opts.AssetID)
	fmt.Fprintf(writer, "Funds\t%s %s\n", result.Funds.String(), a.Config.Trading.QuoteAsset)
	fmt.Fprintf(writer, "Balance\t%s %s\n", result.QuoteBalance.String(), a.Config.Trading.QuoteAsset)
	return writer.Flush()
}

type staticPriceSource struct {
	price decimal.Decimal
}

func (s staticPriceSource) Price(ctx context.Context, assetID string) (decimal.Decimal, bool, error) {
	return s.price, false, nil
}

var _ trade.PriceSource = staticPriceSource{}
