package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
)

// SaveRule inserts or replaces a reconciliation rule.
func (s *SQLiteStorage) SaveRule(ctx context.Context, r *model.ReconciliationRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions := r.Actions
	if actions == nil {
		actions = []model.RuleAction{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_rules (id, name, conditions, actions, priority, auto_apply, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			conditions = excluded.conditions,
			actions = excluded.actions,
			priority = excluded.priority,
			auto_apply = excluded.auto_apply,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, string(conditions), string(actionsJSON), r.Priority, r.AutoApply, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
	}
	return nil
}

// ListRules returns all rules in ascending priority.
func (s *SQLiteStorage) ListRules(ctx context.Context) ([]model.ReconciliationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, conditions, actions, priority, auto_apply, active, created_at, updated_at
		FROM reconciliation_rules ORDER BY priority ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ReconciliationRule
	for rows.Next() {
		var (
			r                   model.ReconciliationRule
			conditions, actions string
		)
		if err := rows.Scan(&r.ID, &r.Name, &conditions, &actions, &r.Priority, &r.AutoApply, &r.Active,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions on rule %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("invalid actions on rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	model.SortRulesByPriority(rules)
	return rules, nil
}

// DeleteRule removes a rule.
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reconciliation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// SaveMatches upserts reconciliation matches in one transaction.
func (s *SQLiteStorage) SaveMatches(ctx context.Context, matches []model.ReconciliationMatch) error {
	for i := range matches {
		if err := validateMatch(&matches[i]); err != nil {
			return fmt.Errorf("match at index %d: %w", i, err)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO reconciliation_matches (
				id, transaction_id, entry_id, type, rule_id, status, confidence, category, note,
				discrepancy, pending_actions, flagged, committed, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				confidence = excluded.confidence,
				category = excluded.category,
				note = excluded.note,
				discrepancy = excluded.discrepancy,
				pending_actions = excluded.pending_actions,
				flagged = excluded.flagged,
				committed = excluded.committed`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, m := range matches {
			var discrepancy, pending sql.NullString
			if !m.Discrepancy.Empty() {
				b, err := json.Marshal(m.Discrepancy)
				if err != nil {
					return fmt.Errorf("failed to encode discrepancy: %w", err)
				}
				discrepancy = sql.NullString{String: string(b), Valid: true}
			}
			if len(m.PendingActions) > 0 {
				b, err := json.Marshal(m.PendingActions)
				if err != nil {
					return fmt.Errorf("failed to encode pending actions: %w", err)
				}
				pending = sql.NullString{String: string(b), Valid: true}
			}
			created := m.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.TransactionID, m.EntryID, string(m.Type), m.RuleID, string(m.Status), m.Confidence,
				m.Category, m.Note, discrepancy, pending, m.Flagged, m.Committed, created,
			); err != nil {
				return fmt.Errorf("failed to save match %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// CommittedEntryIDs returns the ledger entries already linked by a committed match that has
// not been disputed.
func (s *SQLiteStorage) CommittedEntryIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entry_id FROM reconciliation_matches
		WHERE committed = 1 AND status <> ?`, string(model.MatchDisputed))
	if err != nil {
		return nil, fmt.Errorf("failed to query committed entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan committed entry: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ListMatches returns the matches recorded for a transaction, highest confidence first.
func (s *SQLiteStorage) ListMatches(ctx context.Context, transactionID string) ([]model.ReconciliationMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, entry_id, type, rule_id, status, confidence, category, note,
		       discrepancy, pending_actions, flagged, committed, created_at
		FROM reconciliation_matches WHERE transaction_id = ?
		ORDER BY confidence DESC, id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReconciliationMatch
	for rows.Next() {
		var (
			m                                            model.ReconciliationMatch
			matchType, status                            string
			ruleID, category, note, discrepancy, pending sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.EntryID, &matchType, &ruleID, &status, &m.Confidence,
			&category, &note, &discrepancy, &pending, &m.Flagged, &m.Committed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Type, m.Status = model.MatchType(matchType), model.MatchStatus(status)
		m.RuleID, m.Category, m.Note = ruleID.String, category.String, note.String
		if discrepancy.Valid {
			m.Discrepancy = &model.Discrepancy{}
			if err := json.Unmarshal([]byte(discrepancy.String), m.Discrepancy); err != nil {
				return nil, fmt.Errorf("invalid discrepancy on match %s: %w", m.ID, err)
			}
		}
		if pending.Valid {
			if err := json.Unmarshal([]byte(pending.String), &m.PendingActions); err != nil {
				return nil, fmt.Errorf("invalid pending actions on match %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
