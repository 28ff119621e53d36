package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
	"pricewatcher/internal/storage"
)

var (
	alertProduct  int64
	alertTarget   string
	alertDir      string
	alertChannel  string
	alertAddress  string
	alertCooldown time.Duration
	alertOneShot  bool
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage alert rules",
}

var alertAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an alert rule on a tracked product",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertProduct <= 0 {
			return fmt.Errorf("--product must be provided")
		}

		opts := app.AlertOptions{
			ProductID:   alertProduct,
			TargetPrice: alertTarget,
			Direction:   alertDir,
			Channel:     alertChannel,
			Address:     alertAddress,
			Cooldown:    alertCooldown,
			OneShot:     alertOneShot,
		}
		return getApp().AddAlert(cmd.Context(), opts)
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context())
	},
}

var alertPauseCmd = &cobra.Command{
	Use:   "pause <rule-id>",
	Short: "Pause an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetAlertState(cmd.Context(), id, storage.RulePaused)
	},
}

var alertResumeCmd = &cobra.Command{
	Use:   "resume <rule-id>",
	Short: "Resume a paused alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetAlertState(cmd.Context(), id, storage.RuleActive)
	},
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func init() {
	alertAddCmd.Flags().Int64Var(&alertProduct, "product", 0, "Product id the rule applies to")
	alertAddCmd.Flags().StringVar(&alertTarget, "target", "", "Target price the rule compares against")
	alertAddCmd.Flags().StringVar(&alertDir, "direction", "at_or_below", "Firing direction: at_or_below, at_or_above, any_change")
	alertAddCmd.Flags().StringVar(&alertChannel, "channel", "", "Delivery channel: telegram or email")
	alertAddCmd.Flags().StringVar(&alertAddress, "address", "", "Destination address (chat id or email)")
	alertAddCmd.Flags().DurationVar(&alertCooldown, "cooldown", 0, "Minimum time between fires (defaults to config)")
	alertAddCmd.Flags().BoolVar(&alertOneShot, "one-shot", false, "Expire the rule after the first fire")

	alertCmd.AddCommand(alertAddCmd)
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertPauseCmd)
	alertCmd.AddCommand(alertResumeCmd)
}
