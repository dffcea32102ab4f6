package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and replay webhook events that exhausted their retries",
	}
	cmd.PersistentFlags().String("provider", "", "provider id (required when events are archived in DynamoDB)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List parked webhook events",
		Args:  cobra.NoArgs,
		RunE:  runEventsList,
	}
	list.Flags().Int("limit", 50, "maximum number of events")

	replay := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Run parked events through the handlers again",
		Long: `Replay one parked event, or every parked event for --provider when no id is
given. Events that succeed are removed from the archive; the rest stay parked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runEventsReplay,
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func runEventsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	providerID, _ := cmd.Flags().GetString("provider")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	archive, err := svc.FailedEventStore(ctx)
	if err != nil {
		return err
	}
	events, err := archive.ListFailed(ctx, providerID, limit)
	if err != nil {
		return fmt.Errorf("failed to list webhook events: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, okStyle.Render("No parked webhook events"))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render(strings.Join([]string{"ID", "PROVIDER", "TYPE", "CONNECTION", "RETRIES", "RECEIVED", "LAST ERROR"}, "\t")))
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			ev.ID, ev.ProviderID, ev.Type, ev.ConnectionID, ev.RetryCount,
			ev.ReceivedAt.Local().Format(time.DateTime), errorStyle.Render(truncate(ev.LastError, 60)))
	}
	return w.Flush()
}

func runEventsReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	providerID, _ := cmd.Flags().GetString("provider")
	var id string
	if len(args) == 1 {
		id = args[0]
	}
	if id == "" && providerID == "" {
		return common.NewUserError("nothing to replay", fmt.Errorf("%w: give an event id or --provider", common.ErrInvalidConfig))
	}

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	archive, err := svc.FailedEventStore(ctx)
	if err != nil {
		return err
	}
	replayed, err := svc.ReplayFailed(ctx, archive, providerID, id)
	fmt.Fprintln(cmd.OutOrStdout(), summaryStyle.Render(fmt.Sprintf("Replayed %d webhook event(s)", replayed)))
	return err
}
