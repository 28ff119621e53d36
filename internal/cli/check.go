package cli

import (
	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var checkCmd = &cobra.Command{
	Use:   "check <product-id>",
	Short: "Run an immediate check for a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().CheckNow(cmd.Context(), app.CheckOptions{ProductID: id})
	},
}
