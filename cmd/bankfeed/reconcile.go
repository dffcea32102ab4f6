package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/reconcile"
	"github.com/Veraticus/bankfeed/internal/service"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match stored transactions against ledger entries",
		Long: `Run batch reconciliation over every unreconciled transaction in the date range.

Ledger entries are read from a JSON array of {id, date, amount, debit_account,
credit_account, description, reconciled}. Matches at or above
reconciliation.auto_match_threshold are committed; the rest are stored for review.`,
		RunE: runReconcile,
	}
	cmd.Flags().String("ledger", "", "ledger entries file (defaults to reconciliation.ledger_path)")
	addRangeFlags(cmd, 90)

	cmd.AddCommand(&cobra.Command{
		Use:   "matches <transaction-id>",
		Short: "Show stored matches for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runMatches,
	})
	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ledgerPath, _ := cmd.Flags().GetString("ledger")
	if ledgerPath == "" {
		ledgerPath = cfg.Reconciliation.LedgerPath
	}
	if ledgerPath == "" {
		return common.NewUserError("no ledger file", fmt.Errorf("%w: pass --ledger or set reconciliation.ledger_path", common.ErrMissingConfig))
	}
	start, end, err := rangeFlags(cmd)
	if err != nil {
		return err
	}

	entries, err := service.LoadEntries(ledgerPath)
	if err != nil {
		return err
	}

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	result, err := svc.ReconcilePending(ctx, entries, start, end)
	if result != nil {
		printReconciliation(cmd, result, len(entries))
	}
	return err
}

func printReconciliation(cmd *cobra.Command, result *reconcile.BatchResult, entries int) {
	out := cmd.OutOrStdout()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("Ledger entries   "), entries)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("Transactions     "), result.Considered)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Committed        "), okStyle.Render(fmt.Sprint(result.Committed)))
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("Pending review   "), len(result.Matches)-result.Committed)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Unmatched        "), warnStyle.Render(fmt.Sprint(len(result.Unmatched))))
	fmt.Fprintf(&b, "%s %.1f%%\n", labelStyle.Render("Match rate       "), result.MatchRate*100)
	fmt.Fprintf(&b, "%s %.2f", labelStyle.Render("Avg confidence   "), result.AverageConfidence)
	fmt.Fprintln(out, headerStyle.Render("Reconciliation"))
	fmt.Fprintln(out, summaryStyle.Render(b.String()))

	if len(result.Matches) == 0 {
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-40s  %-20s  %-10s  %-10s  %s", "TRANSACTION", "ENTRY", "TYPE", "STATUS", "CONFIDENCE")))
	for _, m := range result.Matches {
		status := string(m.Status)
		if m.Committed {
			status = "committed"
		}
		line := fmt.Sprintf("%-40s  %-20s  %-10s  %-10s  %.2f",
			truncate(m.TransactionID, 40), truncate(m.EntryID, 20), m.Type, status, m.Confidence)
		if m.Flagged {
			line = warnStyle.Render(line + "  flagged")
		}
		fmt.Fprintln(out, line)
	}
}

func runMatches(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	matches, err := svc.Storage.ListMatches(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(matches) == 0 {
		fmt.Fprintln(out, labelStyle.Render("No matches."))
		return nil
	}
	for _, m := range matches {
		fmt.Fprintf(out, "%s  %-10s  %s  %.2f\n", m.EntryID, m.Type, statusStyle(string(m.Status)).Render(string(m.Status)), m.Confidence)
		if !m.Discrepancy.Empty() {
			d := m.Discrepancy
			if d.AmountDelta != nil {
				fmt.Fprintf(out, "  amount differs by %s\n", d.AmountDelta.StringFixed(2))
			}
			if d.DayGap != nil {
				fmt.Fprintf(out, "  dates %d days apart\n", *d.DayGap)
			}
			if d.DescriptionMismatch {
				fmt.Fprintf(out, "  %q vs %q\n", d.TransactionDescription, d.EntryDescription)
			}
		}
		if len(m.PendingActions) > 0 {
			fmt.Fprintf(out, "  pending: %v\n", m.PendingActions)
		}
	}
	return nil
}

func addRangeFlags(cmd *cobra.Command, days int) {
	cmd.Flags().String("from", "", fmt.Sprintf("start date YYYY-MM-DD (default: %d days ago)", days))
	cmd.Flags().String("to", "", "end date YYYY-MM-DD (default: today)")
	cmd.Flags().Int("days", days, "days of history when --from is not set")
}

func rangeFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	days, _ := cmd.Flags().GetInt("days")

	end := time.Now().UTC()
	if to != "" {
		t, err := time.Parse(time.DateOnly, to)
		if err != nil {
			return time.Time{}, time.Time{}, common.NewValidationError("to", "expected YYYY-MM-DD")
		}
		end = t.Add(24*time.Hour - time.Nanosecond)
	}
	start := end.AddDate(0, 0, -days)
	if from != "" {
		t, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return time.Time{}, time.Time{}, common.NewValidationError("from", "expected YYYY-MM-DD")
		}
		start = t
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, common.NewValidationError("from", "must not be after --to")
	}
	return start, end, nil
}
