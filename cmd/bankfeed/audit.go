package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent credential encryption and decryption operations",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}
	cmd.Flags().Int("limit", 50, "maximum number of entries")
	cmd.Flags().Bool("failures", false, "only show failed operations")
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	failuresOnly, _ := cmd.Flags().GetBool("failures")

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	entries, err := svc.Storage.ListAudit(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("TIME\tOPERATION\tCONTEXT\tUSER\tKEY\tRESULT"))
	for _, e := range entries {
		if failuresOnly && e.Success {
			continue
		}
		result := okStyle.Render("ok")
		if !e.Success {
			result = errorStyle.Render(truncate(e.Error, 50))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Operation, e.Context, e.UserID, truncate(e.KeyID, 8), result)
	}
	return w.Flush()
}
