package main

import (
	"fmt"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/connection"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [connection-id...]",
		Short: "Pull accounts and new transactions",
		Long: `Sync the given connections, or every connection of the user when none are
named. Providers with cursor sync resume where the last sync stopped; the others
re-read a window of recent history.`,
		RunE: runSync,
	}
	cmd.Flags().String("user", "", "user id (defaults to user_id from config)")
	cmd.Flags().Bool("no-progress", false, "disable the progress bar")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	ids := args
	if len(ids) == 0 {
		res := svc.Connections.List(ctx, userFlag(cmd))
		if res.Err != nil {
			return res.Err
		}
		for _, c := range res.Data {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), labelStyle.Render("No connections to sync."))
		return nil
	}

	var bar *progressbar.ProgressBar
	if !noProgress {
		bar = progressbar.NewOptions(len(ids),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("Syncing connections"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	reports := make([]*connection.SyncReport, 0, len(ids))
	var failures int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := svc.Connections.Sync(ctx, id)
		if res.Err != nil {
			failures++
			common.LogError(res.Err, "Sync failed", common.Fields{"connection_id": id})
		} else {
			reports = append(reports, res.Data)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-36s  %8s  %8s  %8s  %8s  %s", "CONNECTION", "ACCOUNTS", "ADDED", "MODIFIED", "REMOVED", "MATCHED")))
	for _, r := range reports {
		matched := "-"
		if r.Reconciliation != nil {
			matched = fmt.Sprintf("%d/%d", r.Reconciliation.Committed, r.Reconciliation.Considered)
		}
		fmt.Fprintf(out, "%-36s  %8d  %8d  %8d  %8d  %s\n", r.ConnectionID, r.Accounts, r.Added, r.Modified, r.Removed, matched)
		if err := r.Err(); err != nil {
			fmt.Fprintln(out, warnStyle.Render("  partial: "+err.Error()))
			common.LogDebug("Sync completed with errors", common.Fields{"connection_id": r.ConnectionID, "errors": len(r.Errors)})
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d connections failed to sync", failures, len(ids))
	}
	return nil
}
