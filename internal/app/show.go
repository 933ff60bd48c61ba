package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent ledger trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	led, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	trades, err := led.RecentTrades(ctx, limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOrder\tAsset\tSide\tMode\tQty\tPrice\tFunds\tBalance\tStatus")

	for _, t := range trades {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.OrderID,
			t.AssetID,
			t.Side,
			t.Mode,
			formatDecimal(t.Quantity, 6),
			formatDecimal(t.Price, 2),
			formatDecimal(t.Funds, 2),
			formatDecimal(t.QuoteBalance, 2),
			t.Status,
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
