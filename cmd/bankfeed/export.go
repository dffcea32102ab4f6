package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Veraticus/bankfeed/internal/ofx"
	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <account-id>",
		Short: "Export an account's transactions as an OFX statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			org, _ := cmd.Flags().GetString("org")
			fid, _ := cmd.Flags().GetString("fid")
			start, end, err := rangeFlags(cmd)
			if err != nil {
				return err
			}

			filter := ofx.Filter{Start: start, End: end, AccountIDs: []string{args[0]}}
			if cmd.Flags().Changed("reconciled") {
				reconciled, _ := cmd.Flags().GetBool("reconciled")
				filter.Reconciled = &reconciled
			}
			if err := filter.Validate(); err != nil {
				return err
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			account, err := svc.Storage.GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			txs, err := svc.Storage.GetAccountTransactions(cmd.Context(), account.ID, start, end)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			var opts []ofx.ExporterOption
			if org != "" {
				opts = append(opts, ofx.WithInstitution(org, fid))
			}
			n, err := ofx.NewExporter(opts...).Export(w, *account, txs, filter)
			if err != nil {
				return err
			}
			if w != cmd.OutOrStdout() {
				fmt.Fprintln(cmd.ErrOrStderr(), okStyle.Render(fmt.Sprintf("Wrote %d transactions to %s", n, output)))
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	cmd.Flags().Bool("reconciled", false, "only reconciled (true) or unreconciled (false) transactions")
	cmd.Flags().String("org", "", "institution name written to the statement")
	cmd.Flags().String("fid", "", "institution id written to the statement")
	addRangeFlags(cmd, 30)
	return cmd
}
