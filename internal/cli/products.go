package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var (
	addLocator      string
	addName         string
	addBaseInterval time.Duration
	addMinInterval  time.Duration
	addMaxInterval  time.Duration

	listAll bool

	historyProduct int64
	historyFrom    string
	historyTo      string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a product for price monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AddOptions{
			Locator:      addLocator,
			Name:         addName,
			BaseInterval: addBaseInterval,
			MinInterval:  addMinInterval,
			MaxInterval:  addMaxInterval,
		}
		return getApp().AddProduct(cmd.Context(), opts)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked products",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListProducts(cmd.Context(), app.ListOptions{IncludeDisabled: listAll})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <product-id>",
	Short: "Stop monitoring a product without deleting its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().DisableProduct(cmd.Context(), id)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display a product's observation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyProduct <= 0 {
			return fmt.Errorf("--product must be provided")
		}

		opts := app.HistoryOptions{ProductID: historyProduct}

		if historyFrom != "" {
			from, err := time.Parse(time.RFC3339, historyFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}
		if historyTo != "" {
			to, err := time.Parse(time.RFC3339, historyTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	addCmd.Flags().StringVar(&addLocator, "locator", "", "Product endpoint URL to monitor")
	addCmd.Flags().StringVar(&addName, "name", "", "Display name (defaults to the locator)")
	addCmd.Flags().DurationVar(&addBaseInterval, "base-interval", 0, "Base polling interval (defaults to config)")
	addCmd.Flags().DurationVar(&addMinInterval, "min-interval", 0, "Minimum polling interval (defaults to config)")
	addCmd.Flags().DurationVar(&addMaxInterval, "max-interval", 0, "Maximum polling interval (defaults to config)")

	listCmd.Flags().BoolVar(&listAll, "all", false, "Include disabled products")

	historyCmd.Flags().Int64Var(&historyProduct, "product", 0, "Product id")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "End timestamp (RFC3339, exclusive)")
}
