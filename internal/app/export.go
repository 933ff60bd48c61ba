package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-gateway/internal/ledger"
)

// Export renders trade history as CSV and/or a balance chart PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.Limit <= 0 {
		opts.Limit = 1000
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 500
	}

	led, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	trades, err := led.RecentTrades(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		a.Logger.Info().Msg("no trades found for export")
		return nil
	}

	// RecentTrades returns newest first; exports read chronologically.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}

	downsampled := downsampleTrades(trades, opts.MaxPoints)
	a.Logger.Info().Int("total", len(trades)).Int("exported", len(downsampled)).Msg("exporting trades")

	if opts.CSVPath != "" {
		if err := writeTradesCSV(opts.CSVPath, trades); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeBalancePNG(opts.PNGPath, a.Config.Trading.QuoteAsset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTrades(trades []ledger.Trade, max int) []ledger.Trade {
	if max <= 0 || len(trades) <= max {
		return trades
	}

	result := make([]ledger.Trade, 0, max)
	step := float64(len(trades)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(trades) {
			idx = len(trades) - 1
		}
		result = append(result, trades[idx])
	}
	return result
}

func writeTradesCSV(path string, trades []ledger.Trade) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "order_id", "user_id", "asset", "side", "mode", "quantity", "price", "funds", "quote_balance", "status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, t := range trades {
		record := []string{
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.OrderID,
			t.UserID,
			t.AssetID,
			string(t.Side),
			string(t.Mode),
			t.Quantity.String(),
			t.Price.String(),
			t.Funds.String(),
			t.QuoteBalance.String(),
			string(t.Status),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeBalancePNG(path, quoteAsset string, trades []ledger.Trade) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(trades))
	balance := make([]float64, len(trades))
	funds := make([]float64, len(trades))

	for i, t := range trades {
		x[i] = t.CreatedAt
		balance[i] = t.QuoteBalance.InexactFloat64()
		funds[i] = t.Funds.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance (" + quoteAsset + ")",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Trade Funds (" + quoteAsset + ")",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Quote Balance",
				XValues: x,
				YValues: balance,
			},
			chart.TimeSeries{
				Name:    "Trade Funds",
				XValues: x,
				YValues: funds,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
