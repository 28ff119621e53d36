package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var (
	simulateProduct     int64
	simulatePrice       string
	simulateUnavailable bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Inject a fixed observation and run the alert pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateProduct <= 0 {
			return fmt.Errorf("--product must be provided")
		}
		if simulatePrice == "" {
			return fmt.Errorf("--price must be provided")
		}

		opts := app.SimulateOptions{
			ProductID:   simulateProduct,
			Price:       simulatePrice,
			Unavailable: simulateUnavailable,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateProduct, "product", 0, "Product id to observe")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Observed price to inject")
	simulateCmd.Flags().BoolVar(&simulateUnavailable, "unavailable", false, "Mark the product out of stock")
}
