package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/Veraticus/bankfeed/internal/reconcile"
)

// SyncReport summarizes one sync. Errors holds per-item failures that did not abort it.
type SyncReport struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	Reconciliation *reconcile.BatchResult
	ConnectionID   string
	Cursor         string
	Errors         []error
	Accounts       int
	Added          int
	Modified       int
	Removed        int
}

// Err joins the collected errors.
func (r *SyncReport) Err() error {
	return errors.Join(r.Errors...)
}

// Sync pulls accounts and new transactions, advances the cursor and, when configured,
// reconciles what arrived against the ledger.
func (o *Orchestrator) Sync(ctx context.Context, id string) common.Result[*SyncReport] {
	defer o.lock(id)()

	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[*SyncReport](err)
	}
	report := &SyncReport{ConnectionID: id, StartedAt: o.now().UTC()}

	accounts, err := p.ListAccounts(ctx, conn)
	switch {
	case err != nil:
		report.Errors = append(report.Errors, fmt.Errorf("list accounts: %w", err))
	case len(accounts) > 0:
		if err := o.store.SaveAccounts(ctx, accounts); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("save accounts: %w", err))
		}
		report.Accounts = len(accounts)
	}

	var fresh []model.Transaction
	if p.Capabilities().Sync {
		fresh, err = o.syncCursor(ctx, p, conn, report)
	} else {
		fresh, err = o.syncWindow(ctx, p, conn, report)
	}
	if err != nil {
		// Nothing was pulled; the connection keeps its previous cursor.
		return common.Fail[*SyncReport](err)
	}

	kept := o.prepareTransactions(ctx, p, fresh, report)
	kept, err = o.applyStored(ctx, kept, func(err error) {
		report.Errors = append(report.Errors, err)
	})
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	if len(kept) > 0 {
		if err := o.store.SaveTransactions(ctx, kept); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("save transactions: %w", err))
			kept = nil
		}
	}

	now := o.now().UTC()
	conn.LastSyncAt = &now
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*SyncReport](err)
	}
	report.Cursor = conn.Metadata.SyncCursor

	if len(kept) > 0 {
		result, err := o.reconcile(ctx, id, kept)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("reconcile: %w", err))
		}
		report.Reconciliation = result
	}

	report.FinishedAt = o.now().UTC()
	o.logger.Info("Sync complete",
		"connection_id", id,
		"accounts", report.Accounts,
		"added", report.Added,
		"modified", report.Modified,
		"removed", report.Removed,
		"errors", len(report.Errors))
	return common.OK(report)
}

// syncCursor drains the provider's delta feed from the stored cursor.
func (o *Orchestrator) syncCursor(ctx context.Context, p provider.Provider, conn *model.Connection, report *SyncReport) ([]model.Transaction, error) {
	var out []model.Transaction
	cursor := conn.Metadata.SyncCursor
	for {
		res, err := p.SyncTransactions(ctx, conn, cursor)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			report.Errors = append(report.Errors, fmt.Errorf("sync page after cursor %q: %w", cursor, err))
			break
		}
		out = append(out, res.Added...)
		out = append(out, res.Modified...)
		report.Added += len(res.Added)
		report.Modified += len(res.Modified)

		if len(res.Removed) > 0 {
			if err := o.store.DeleteTransactions(ctx, res.Removed); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("remove transactions: %w", err))
			} else {
				report.Removed += len(res.Removed)
			}
		}

		advanced := res.NextCursor != "" && res.NextCursor != cursor
		if advanced {
			cursor = res.NextCursor
		}
		if !res.HasMore || !advanced {
			break
		}
	}
	conn.Metadata.SyncCursor = cursor
	return out, nil
}

// syncWindow lists transactions since the last sync for providers without a delta feed.
func (o *Orchestrator) syncWindow(ctx context.Context, p provider.Provider, conn *model.Connection, report *SyncReport) ([]model.Transaction, error) {
	end := o.now().UTC()
	start := end.Add(-o.cfg.SyncWindow)
	if conn.LastSyncAt != nil {
		// Overlap a few days so late postings are picked up.
		start = conn.LastSyncAt.Add(-3 * 24 * time.Hour)
	}
	txs, err := o.listAll(ctx, p, conn, start, end)
	if err != nil {
		return nil, err
	}
	report.Added = len(txs)
	return txs, nil
}

// prepareTransactions drops invalid transactions into the report and categorizes the rest.
func (o *Orchestrator) prepareTransactions(ctx context.Context, p provider.Provider, txs []model.Transaction, report *SyncReport) []model.Transaction {
	kept := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.ID == "" || tx.AccountID == "" {
			report.Errors = append(report.Errors, common.NewValidationError("transaction",
				fmt.Sprintf("external id %q is missing its id or account", tx.ExternalID)))
			continue
		}
		if tx.BookingDate.IsZero() {
			report.Errors = append(report.Errors, common.NewValidationError("transaction",
				fmt.Sprintf("%s has no booking date", tx.ID)))
			continue
		}
		if tx.Category == "" {
			category, err := p.Categorize(ctx, tx)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("categorize %s: %w", tx.ID, err))
			} else {
				tx.Category = category
			}
		}
		kept = append(kept, tx)
	}
	return kept
}

// applyStored compares incoming transactions with their stored copies. Status changes the
// stored transaction does not allow, and amount or date changes to a settled transaction, are
// refused and reported. Accepted transactions keep any reconciliation already stored.
func (o *Orchestrator) applyStored(ctx context.Context, txs []model.Transaction, refuse func(error)) ([]model.Transaction, error) {
	if len(txs) == 0 {
		return txs, nil
	}
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	stored, err := o.store.GetTransactionsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored transactions: %w", err)
	}

	kept := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		prev, ok := stored[tx.ID]
		if !ok {
			kept = append(kept, tx)
			continue
		}
		if prev.Status == "" {
			prev.Status = model.TransactionPosted
		}
		next := tx.Status
		if next == "" {
			next = model.TransactionPosted
		}
		if !prev.CanTransitionTo(next) {
			refuse(common.NewValidationError("status",
				fmt.Sprintf("transaction %s cannot move from %s to %s", tx.ID, prev.Status, next)))
			continue
		}
		if prev.Status != model.TransactionPending &&
			(!prev.Amount.Equal(tx.Amount) || !sameDay(prev.BookingDate, tx.BookingDate)) {
			refuse(common.NewValidationError("transaction",
				fmt.Sprintf("%s transaction %s changed upstream; keeping the stored amount and date", prev.Status, tx.ID)))
			continue
		}
		if prev.Reconciled {
			tx.Reconciled = true
			tx.LinkedEntryIDs = prev.LinkedEntryIDs
		}
		kept = append(kept, tx)
	}
	return kept, nil
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(time.DateOnly) == b.UTC().Format(time.DateOnly)
}

// RemoveTransactions deletes transactions the provider withdrew.
func (o *Orchestrator) RemoveTransactions(ctx context.Context, id string, ids []string) error {
	defer o.lock(id)()

	if _, err := o.load(ctx, id); err != nil {
		return err
	}
	if err := o.store.DeleteTransactions(ctx, ids); err != nil {
		return fmt.Errorf("failed to remove transactions: %w", err)
	}
	o.logger.Info("Removed withdrawn transactions", "connection_id", id, "count", len(ids))
	return nil
}

// IngestTransactions stores transactions pushed by a webhook and reconciles them.
func (o *Orchestrator) IngestTransactions(ctx context.Context, id string, txs []model.Transaction) error {
	conn, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	p, err := o.adapter(conn.ProviderID)
	if err != nil {
		return err
	}

	report := &SyncReport{ConnectionID: id}
	kept := o.prepareTransactions(ctx, p, txs, report)
	// A refused update is final; returning it would only make the webhook retry.
	kept, err = o.applyStored(ctx, kept, func(err error) {
		o.logger.Warn("Ignoring pushed transaction update", "connection_id", id, "error", err)
	})
	if err != nil {
		return err
	}
	if len(kept) > 0 {
		if err := o.store.SaveTransactions(ctx, kept); err != nil {
			return fmt.Errorf("failed to save pushed transactions: %w", err)
		}
		if _, err := o.reconcile(ctx, id, kept); err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	return report.Err()
}

// MarkCommitted returns a copy of entries with those in used flagged as reconciled, so an
// entry linked by an earlier run is never offered again.
func MarkCommitted(entries []model.AccountingEntry, used map[string]bool) []model.AccountingEntry {
	out := make([]model.AccountingEntry, len(entries))
	copy(out, entries)
	for i := range out {
		if used[out[i].ID] {
			out[i].Reconciled = true
		}
	}
	return out
}

// reconcile runs batch reconciliation when auto-matching is enabled and persists the outcome.
func (o *Orchestrator) reconcile(ctx context.Context, id string, txs []model.Transaction) (*reconcile.BatchResult, error) {
	if o.cfg.AutoMatchThreshold <= 0 || o.reconciler == nil || o.entries == nil {
		return nil, nil
	}

	entries, err := o.entries.Entries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	used, err := o.store.CommittedEntryIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load committed entries: %w", err)
	}
	entries = MarkCommitted(entries, used)
	var rules []model.ReconciliationRule
	if o.rules != nil {
		if rules, err = o.rules.ListRules(ctx); err != nil {
			return nil, fmt.Errorf("failed to load reconciliation rules: %w", err)
		}
	}

	ptrs := make([]*model.Transaction, len(txs))
	for i := range txs {
		ptrs[i] = &txs[i]
	}
	result, err := o.reconciler.BatchReconcile(ctx, ptrs, entries, rules)
	if err != nil {
		return nil, err
	}

	if len(result.Matches) > 0 {
		if err := o.store.SaveMatches(ctx, result.Matches); err != nil {
			return result, fmt.Errorf("failed to save matches: %w", err)
		}
	}
	if result.Committed > 0 {
		reconciled := make([]model.Transaction, 0, result.Committed)
		for _, tx := range txs {
			if tx.Reconciled {
				reconciled = append(reconciled, tx)
			}
		}
		if err := o.store.SaveTransactions(ctx, reconciled); err != nil {
			return result, fmt.Errorf("failed to save reconciled transactions: %w", err)
		}
	}
	return result, nil
}
