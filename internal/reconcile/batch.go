package reconcile

import (
	"context"

	"github.com/Veraticus/bankfeed/internal/model"
)

// BatchResult aggregates a batch run.
type BatchResult struct {
	Matches []model.ReconciliationMatch
	// Unmatched lists the ids of transactions with no match.
	Unmatched []string
	// MatchRate is matched transactions over considered transactions.
	MatchRate float64
	// AverageConfidence averages the best match of every matched transaction.
	AverageConfidence float64
	Considered        int
	Committed         int
}

// BatchReconcile matches every unreconciled transaction. Entries consumed by a committed
// match are not offered to later transactions. The caller's entries are not modified.
func (e *Engine) BatchReconcile(ctx context.Context, txs []*model.Transaction, entries []model.AccountingEntry, rules []model.ReconciliationRule) (*BatchResult, error) {
	pool := make([]model.AccountingEntry, len(entries))
	copy(pool, entries)
	index := make(map[string]int, len(pool))
	for i, entry := range pool {
		index[entry.ID] = i
	}

	result := &BatchResult{}
	var confidenceSum float64
	matched := 0

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tx == nil || tx.Reconciled {
			continue
		}
		result.Considered++

		outcome, err := e.Match(ctx, tx, pool, rules)
		if err != nil {
			return nil, err
		}
		if len(outcome.Matches) == 0 {
			result.Unmatched = append(result.Unmatched, tx.ID)
			continue
		}

		if best := outcome.Best(); e.cfg.AutoCommitThreshold > 0 && !best.Committed &&
			len(outcome.FiredRules) == 0 && best.Confidence >= e.cfg.AutoCommitThreshold {
			if err := e.Commit(tx, best); err != nil {
				return nil, err
			}
		}

		for _, m := range outcome.Matches {
			if m.Committed {
				result.Committed++
				if i, ok := index[m.EntryID]; ok {
					pool[i].Reconciled = true
				}
			}
		}

		matched++
		confidenceSum += outcome.Best().Confidence
		result.Matches = append(result.Matches, outcome.Matches...)
	}

	if result.Considered > 0 {
		result.MatchRate = float64(matched) / float64(result.Considered)
	}
	if matched > 0 {
		result.AverageConfidence = confidenceSum / float64(matched)
	}

	e.logger.Info("Batch reconciliation complete",
		"considered", result.Considered,
		"matched", matched,
		"committed", result.Committed,
		"match_rate", result.MatchRate)
	return result, nil
}
