package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent alert events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no alert events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tRule\tObservation\tFired (UTC)\tDispatch\tReason")

	for _, event := range events {
		reason := ""
		if event.FailureReason != nil {
			reason = sanitizeInline(*event.FailureReason)
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%d\t%s\t%s\t%s\n",
			event.ID,
			event.RuleID,
			event.ObservationID,
			event.FiredAt.UTC().Format(time.RFC3339),
			event.DispatchStatus,
			reason,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
