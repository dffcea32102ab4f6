package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/spf13/cobra"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <connection-id> <file.ofx|directory>...",
		Short: "Import OFX/QFX statements into a connection",
		Long: `Import bank statements for a connection whose history the provider does not
cover. Transactions go through the same path as pushed webhook transactions:
they are categorized, stored and, when a ledger is configured, reconciled.

Directories are scanned for .ofx and .qfx files.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := statementFiles(args[1:])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return common.NewValidationError("files", "no .ofx or .qfx files found")
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := cmd.OutOrStdout()
			var total int
			for _, path := range files {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				stmt, err := svc.ImportStatement(cmd.Context(), args[0], f)
				_ = f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
				total += len(stmt.Transactions)
				fmt.Fprintf(out, "%s %s: %d accounts, %d transactions\n",
					okStyle.Render("✓"), filepath.Base(path), len(stmt.Accounts), len(stmt.Transactions))
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Imported %d transactions from %d files", total, len(files))))
			return nil
		},
	}
}

func statementFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", arg, err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".ofx" || ext == ".qfx") {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}
