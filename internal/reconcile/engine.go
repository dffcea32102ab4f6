// Package reconcile links bank transactions to ledger entries using operator rules
// and a scoring heuristic.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Heuristic weights.
const (
	amountWeight      = 0.5
	dateWeight        = 0.3
	descriptionWeight = 0.2
)

// Config tunes candidate generation and scoring.
type Config struct {
	// AmountTolerance is the largest absolute amount difference still considered equal.
	AmountTolerance decimal.Decimal
	// DateWindow is the largest day gap between a transaction and a candidate entry.
	DateWindow int
	// MinConfidence discards heuristic matches scoring below it.
	MinConfidence float64
	// SimilarityThreshold is the default cut-off for the similar operator.
	SimilarityThreshold float64
	// AutoCommitThreshold commits the best heuristic match during batch runs
	// when its confidence reaches it. Zero disables auto-commit.
	AutoCommitThreshold float64
}

// DefaultConfig returns a one cent tolerance, a seven day window and a 0.3 floor.
func DefaultConfig() Config {
	return Config{
		AmountTolerance:     decimal.New(1, -2),
		DateWindow:          7,
		MinConfidence:       0.3,
		SimilarityThreshold: 0.8,
	}
}

// Engine matches transactions against ledger entries. It persists nothing.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for match timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.AmountTolerance.IsZero() || cfg.AmountTolerance.IsNegative() {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.DateWindow <= 0 {
		cfg.DateWindow = def.DateWindow
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default().With("component", "reconcile"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// MatchOutcome is the result of matching one transaction.
type MatchOutcome struct {
	Matches    []model.ReconciliationMatch
	FiredRules []string
	Candidates int
}

// Best returns the highest-confidence match, or nil.
func (o *MatchOutcome) Best() *model.ReconciliationMatch {
	var best *model.ReconciliationMatch
	for i := range o.Matches {
		if best == nil || o.Matches[i].Confidence > best.Confidence {
			best = &o.Matches[i]
		}
	}
	return best
}

// Match finds ledger entries for tx. Rules run first in ascending priority; every rule is
// evaluated even after an earlier rule committed. The heuristic runs only when no rule fired.
// Auto-applied rule matches are committed on tx.
func (e *Engine) Match(ctx context.Context, tx *model.Transaction, entries []model.AccountingEntry, rules []model.ReconciliationRule) (*MatchOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := e.candidates(tx, entries)
	out := &MatchOutcome{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return out, nil
	}

	ordered := make([]model.ReconciliationRule, len(rules))
	copy(ordered, rules)
	model.SortRulesByPriority(ordered)

	for _, rule := range ordered {
		if !rule.Active || !e.ruleMatches(tx, rule) {
			continue
		}
		out.FiredRules = append(out.FiredRules, rule.ID)
		matches := e.applyRule(tx, rule, candidates)
		if rule.AutoApply {
			best := 0
			for i := range matches {
				if matches[i].Confidence > matches[best].Confidence {
					best = i
				}
			}
			if err := e.Commit(tx, &matches[best]); err != nil {
				return nil, err
			}
		}
		out.Matches = append(out.Matches, matches...)
	}
	if len(out.FiredRules) > 0 {
		e.logger.Debug("Rules matched transaction",
			"transaction_id", tx.ID,
			"rules", out.FiredRules,
			"matches", len(out.Matches))
		return out, nil
	}

	for _, entry := range candidates {
		score := e.Score(tx, entry)
		if score < e.cfg.MinConfidence {
			continue
		}
		m := e.newMatch(tx, entry, model.MatchAutomatic, score)
		out.Matches = append(out.Matches, m)
	}
	sort.SliceStable(out.Matches, func(i, j int) bool {
		return out.Matches[i].Confidence > out.Matches[j].Confidence
	})
	return out, nil
}

// candidates keeps unreconciled entries within the amount tolerance and date window.
func (e *Engine) candidates(tx *model.Transaction, entries []model.AccountingEntry) []model.AccountingEntry {
	var out []model.AccountingEntry
	for _, entry := range entries {
		if entry.Reconciled {
			continue
		}
		if amountDelta(tx.Amount, entry.Amount).GreaterThan(e.cfg.AmountTolerance) {
			continue
		}
		if dayGap(tx.BookingDate, entry.Date) > e.cfg.DateWindow {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) newMatch(tx *model.Transaction, entry model.AccountingEntry, typ model.MatchType, confidence float64) model.ReconciliationMatch {
	m := model.ReconciliationMatch{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		EntryID:       entry.ID,
		Type:          typ,
		Confidence:    confidence,
		Status:        model.MatchMatched,
		Discrepancy:   e.discrepancy(tx, entry),
		CreatedAt:     e.now(),
	}
	if m.Discrepancy != nil && m.Discrepancy.AmountDelta != nil {
		m.Status = model.MatchPartial
	}
	return m
}
