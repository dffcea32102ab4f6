package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/connection"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connect",
		Aliases: []string{"connections", "conn"},
		Short:   "Manage bank connections",
	}
	cmd.PersistentFlags().String("user", "", "user id (defaults to user_id from config)")

	cmd.AddCommand(connectCreateCmd())
	cmd.AddCommand(connectCompleteCmd())
	cmd.AddCommand(connectListCmd())
	cmd.AddCommand(connectRefreshCmd())
	cmd.AddCommand(connectReauthCmd())
	cmd.AddCommand(connectRotateCmd())
	cmd.AddCommand(connectDeleteCmd())
	return cmd
}

func userFlag(cmd *cobra.Command) string {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = cfg.UserID
	}
	return user
}

func connectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <provider> <bank>",
		Short: "Start linking a bank through a provider",
		Long: `Create a connection in the connecting state and print the authentication
challenge. Finish it with "bankfeed connect complete".

For SimpleFIN pass the claim token with --setup-token.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			redirect, _ := cmd.Flags().GetString("redirect-url")
			setup, _ := cmd.Flags().GetString("setup-token")

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			var opts []connection.CreateOption
			if redirect != "" {
				opts = append(opts, connection.WithRedirectURL(redirect))
			}
			if setup != "" {
				opts = append(opts, connection.WithSetupToken(setup))
			}

			res := svc.Connections.Create(cmd.Context(), userFlag(cmd), args[0], args[1], opts...)
			if res.Err != nil {
				return res.Err
			}
			out := cmd.OutOrStdout()
			printConnection(out, res.Data.Connection)
			printChallenge(out, res.Data.Auth)
			return nil
		},
	}
	cmd.Flags().String("redirect-url", "", "where the bank sends the user after authentication")
	cmd.Flags().String("setup-token", "", "pre-issued provider token (SimpleFIN claim token)")
	return cmd
}

func connectCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <connection-id>",
		Short: "Finish the authentication flow of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp provider.AuthResponse
			resp.Code, _ = cmd.Flags().GetString("code")
			resp.PublicToken, _ = cmd.Flags().GetString("public-token")
			resp.SessionID, _ = cmd.Flags().GetString("session-id")
			resp.State, _ = cmd.Flags().GetString("state")

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.Connections.CompleteAuth(cmd.Context(), args[0], resp)
			if res.Err != nil {
				return res.Err
			}
			printConnection(cmd.OutOrStdout(), res.Data)
			return nil
		},
	}
	cmd.Flags().String("code", "", "authorization code returned by the bank")
	cmd.Flags().String("public-token", "", "Plaid Link public token")
	cmd.Flags().String("session-id", "", "provider session id")
	cmd.Flags().String("state", "", "state echoed by the provider")
	return cmd
}

func connectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.Connections.List(cmd.Context(), userFlag(cmd))
			if res.Err != nil {
				return res.Err
			}
			out := cmd.OutOrStdout()
			if len(res.Data) == 0 {
				fmt.Fprintln(out, labelStyle.Render("No connections."))
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-20s  %-12s  %s", "ID", "PROVIDER", "BANK", "STATUS", "LAST SYNC")))
			for _, c := range res.Data {
				lastSync := "never"
				if c.LastSyncAt != nil {
					lastSync = c.LastSyncAt.Local().Format(time.DateTime)
				}
				status := fmt.Sprintf("%-12s", c.Status)
				fmt.Fprintf(out, "%-36s  %-10s  %-20s  %s  %s\n",
					c.ID, c.ProviderID, truncate(c.BankName, 20), statusStyle(string(c.Status)).Render(status), lastSync)
			}
			return nil
		},
	}
}

func connectRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <connection-id>",
		Short: "Re-read a connection's status from its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.Connections.Refresh(cmd.Context(), args[0])
			if res.Err != nil {
				return res.Err
			}
			printConnection(cmd.OutOrStdout(), res.Data)
			return nil
		},
	}
}

func connectReauthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reauth <connection-id>",
		Short: "Start a new authentication flow for an expired connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			redirect, _ := cmd.Flags().GetString("redirect-url")

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.Connections.Reauthenticate(cmd.Context(), args[0], redirect)
			if res.Err != nil {
				return res.Err
			}
			printChallenge(cmd.OutOrStdout(), res.Data)
			return nil
		},
	}
	cmd.Flags().String("redirect-url", "", "where the bank sends the user after authentication")
	return cmd
}

func connectRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <connection-id>",
		Short: "Rotate a connection's provider tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res := svc.Connections.RotateTokens(cmd.Context(), args[0])
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Tokens rotated for "+res.Data.ID))
			return nil
		},
	}
}

func connectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <connection-id>",
		Short: "Revoke and delete a connection with its accounts and transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if res := svc.Connections.Delete(cmd.Context(), args[0]); res.Err != nil {
				return res.Err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Deleted connection "+args[0]))
			return nil
		},
	}
}

func printConnection(out io.Writer, c *model.Connection) {
	if c == nil {
		return
	}
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label)), value)
		}
	}
	row("Connection", c.ID)
	row("Provider", c.ProviderID)
	row("Bank", c.BankName)
	row("Status", statusStyle(string(c.Status)).Render(string(c.Status)))
	if c.ConsentExpiresAt != nil {
		row("Consent", "until "+c.ConsentExpiresAt.Local().Format(time.DateOnly))
	}
	row("Last error", c.Metadata.LastError)
}

func printChallenge(out io.Writer, auth *provider.AuthChallenge) {
	if auth == nil {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, headerStyle.Render("Authentication required"))
	if auth.RedirectURL != "" {
		fmt.Fprintf(out, "Open: %s\n", auth.RedirectURL)
	}
	if auth.Challenge != "" {
		fmt.Fprintf(out, "Challenge: %s\n", auth.Challenge)
	}
	if auth.SessionID != "" {
		fmt.Fprintf(out, "Session: %s\n", auth.SessionID)
	}
	if auth.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", auth.ExpiresAt.Local().Format(time.DateTime))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
