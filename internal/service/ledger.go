package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
)

// FileLedger reads accounting entries exported by the ledger as a JSON array. The file is
// re-read on every call so edits are picked up without a restart.
type FileLedger struct {
	path string
}

// NewFileLedger creates a ledger backed by path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// Entries implements connection.EntrySource. The ledger is shared by every connection.
func (l *FileLedger) Entries(_ context.Context, _ string) ([]model.AccountingEntry, error) {
	return LoadEntries(l.path)
}

// LoadEntries decodes and validates a ledger export.
func LoadEntries(path string) ([]model.AccountingEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	var entries []model.AccountingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &common.ValidationError{Field: "ledger", Message: "not a JSON array of entries", Err: err}
	}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, common.NewValidationError("ledger", fmt.Sprintf("entry %d has no id", i))
		}
		if seen[e.ID] {
			return nil, common.NewValidationError("ledger", "duplicate entry id "+e.ID)
		}
		seen[e.ID] = true
	}
	return entries, nil
}
