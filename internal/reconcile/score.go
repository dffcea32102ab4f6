package reconcile

import (
	"math"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/shopspring/decimal"
)

// Score is the heuristic confidence that tx and entry are the same movement:
// 0.5 amount, 0.3 date and 0.2 description, always within [0, 1].
func (e *Engine) Score(tx *model.Transaction, entry model.AccountingEntry) float64 {
	score := amountWeight*amountScore(tx.Amount, entry.Amount) +
		dateWeight*dateScore(dayGap(tx.BookingDate, entry.Date)) +
		descriptionWeight*descriptionScore(description(tx), entry.Description)
	return clamp(math.Round(score*10000) / 10000)
}

// amountScore decays linearly with the relative difference of the absolute amounts.
func amountScore(a, b decimal.Decimal) float64 {
	a, b = a.Abs(), b.Abs()
	larger := decimal.Max(a, b)
	if larger.IsZero() {
		return 1
	}
	rel := a.Sub(b).Abs().Div(larger).InexactFloat64()
	return clamp(1 - rel)
}

// dateScore steps down with the day gap and reaches zero past 30 days.
func dateScore(gap int) float64 {
	switch {
	case gap <= 0:
		return 1.0
	case gap == 1:
		return 0.9
	case gap <= 3:
		return 0.7
	case gap <= 7:
		return 0.5
	case gap <= 14:
		return 0.3
	case gap <= 30:
		return 0.1
	default:
		return 0
	}
}

// descriptionScore is the Jaccard similarity of the case-folded word sets.
func descriptionScore(a, b string) float64 {
	left, right := tokens(a), tokens(b)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}
	shared := 0
	for w := range left {
		if right[w] {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// amountDelta compares magnitudes; the ledger and the bank disagree on sign conventions.
func amountDelta(a, b decimal.Decimal) decimal.Decimal {
	return a.Abs().Sub(b.Abs()).Abs()
}

// dayGap is the absolute number of calendar days between two dates.
func dayGap(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

func description(tx *model.Transaction) string {
	if tx.Description != "" {
		return tx.Description
	}
	return tx.RawDescription
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// discrepancy reports the fields that disagree beyond tolerance, or nil when none do.
func (e *Engine) discrepancy(tx *model.Transaction, entry model.AccountingEntry) *model.Discrepancy {
	d := &model.Discrepancy{}
	if delta := amountDelta(tx.Amount, entry.Amount); delta.GreaterThan(e.cfg.AmountTolerance) {
		signed := tx.Amount.Abs().Sub(entry.Amount.Abs())
		d.AmountDelta = &signed
	}
	if gap := dayGap(tx.BookingDate, entry.Date); gap > 0 {
		d.DayGap = &gap
	}
	if normalize(description(tx)) != normalize(entry.Description) {
		d.DescriptionMismatch = true
		d.TransactionDescription = description(tx)
		d.EntryDescription = entry.Description
	}
	if d.Empty() {
		return nil
	}
	return d
}
