package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate secrets and webhook signing material",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a random token suitable for a master or webhook secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			size, _ := cmd.Flags().GetInt("bytes")
			token, err := encryption.GenerateToken(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	generate.Flags().Int("bytes", 32, "random bytes before encoding")

	hash := &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the SHA-256 of a token (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encryption.HashToken(token))
			return nil
		},
	}

	sign := &cobra.Command{
		Use:   "sign <secret> [payload]",
		Short: "Print the X-Signature header value for a webhook payload (read from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := argOrStdin(cmd, args[1:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sha256="+encryption.Sign([]byte(payload), args[0]))
			return nil
		},
	}

	cmd.AddCommand(generate, hash, sign)
	return cmd
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	var b strings.Builder
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if b.Len() == 0 {
		return "", common.NewValidationError("input", "nothing to read")
	}
	return b.String(), nil
}
