package reconcile

import (
	"slices"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
)

// Commit marks tx reconciled against the match's entry and applies its category.
// Committing the same match twice is a no-op.
func (e *Engine) Commit(tx *model.Transaction, m *model.ReconciliationMatch) error {
	if tx == nil || m == nil {
		return common.NewValidationError("match", "transaction and match are required")
	}
	if m.TransactionID != tx.ID {
		return common.NewValidationError("transaction_id", "match belongs to transaction "+m.TransactionID)
	}
	if m.Status == model.MatchDisputed {
		return common.NewValidationError("status", "disputed matches cannot be committed")
	}

	tx.Reconciled = true
	if !slices.Contains(tx.LinkedEntryIDs, m.EntryID) {
		tx.LinkedEntryIDs = append(tx.LinkedEntryIDs, m.EntryID)
	}
	if m.Category != "" {
		tx.Category = m.Category
	}
	m.Committed = true

	e.logger.Debug("Committed match",
		"transaction_id", tx.ID,
		"entry_id", m.EntryID,
		"type", m.Type,
		"confidence", m.Confidence)
	return nil
}

// Resolve closes a match after review. Matched, partial and disputed matches can be resolved.
func (e *Engine) Resolve(m *model.ReconciliationMatch) error {
	if m == nil {
		return common.NewValidationError("match", "is required")
	}
	switch m.Status {
	case model.MatchMatched, model.MatchPartial, model.MatchDisputed:
		m.Status = model.MatchResolved
		return nil
	default:
		return common.NewValidationError("status", "cannot resolve a "+string(m.Status)+" match")
	}
}

// Dispute flags a match as wrong. Resolved matches are final.
func (e *Engine) Dispute(m *model.ReconciliationMatch, reason string) error {
	if m == nil {
		return common.NewValidationError("match", "is required")
	}
	switch m.Status {
	case model.MatchMatched, model.MatchPartial:
		m.Status = model.MatchDisputed
		m.Note = reason
		m.Flagged = true
		return nil
	default:
		return common.NewValidationError("status", "cannot dispute a "+string(m.Status)+" match")
	}
}

// ManualMatch links tx to entry on an operator's decision. The match has confidence 1.0
// and is committed immediately.
func (e *Engine) ManualMatch(tx *model.Transaction, entry *model.AccountingEntry) (*model.ReconciliationMatch, error) {
	if tx == nil || entry == nil {
		return nil, common.NewValidationError("entry", "transaction and entry are required")
	}
	if entry.Reconciled && !slices.Contains(tx.LinkedEntryIDs, entry.ID) {
		return nil, common.NewValidationError("entry_id", "entry "+entry.ID+" is already reconciled")
	}

	m := e.newMatch(tx, *entry, model.MatchManual, 1.0)
	if err := e.Commit(tx, &m); err != nil {
		return nil, err
	}
	entry.Reconciled = true
	return &m, nil
}
