package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateSymbol string
	simulateAmount string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic alert to every enabled executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol must not be empty")
		}
		amount, err := decimal.NewFromString(simulateAmount)
		if err != nil || !amount.IsPositive() {
			return errors.New("--amount must be a positive decimal")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateSymbol, amount)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "USDT", "Token symbol shown in the alert")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "150000", "Transfer amount shown in the alert")
}
