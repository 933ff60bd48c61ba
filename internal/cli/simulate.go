package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"market-gateway/internal/app"
)

var (
	simulateAsset   string
	simulateSide    string
	simulateAmount  string
	simulatePrice   string
	simulateBalance string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-order",
	Short: "在内存账本上模拟执行一笔订单",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" || simulateAmount == "" {
			return errors.New("--asset 与 --amount 不能为空")
		}

		return getApp().SimulateOrder(cmd.Context(), app.SimulateOptions{
			AssetID: simulateAsset,
			Side:    simulateSide,
			Amount:  simulateAmount,
			Price:   simulatePrice,
			Balance: simulateBalance,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "资产标识, 如 bitcoin")
	simulateCmd.Flags().StringVar(&simulateSide, "side", "buy", "方向 buy 或 sell")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "", "买入金额或卖出数量")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "可选: 覆盖行情价格")
	simulateCmd.Flags().StringVar(&simulateBalance, "balance", "", "可选: 初始报价资产余额 (默认 10000)")
}
