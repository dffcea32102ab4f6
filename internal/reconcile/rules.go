package reconcile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ValidateRule checks that every condition and action of a rule can be evaluated.
func ValidateRule(rule model.ReconciliationRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return common.NewValidationError("name", "is required")
	}
	if len(rule.Conditions) == 0 {
		return common.NewValidationError("conditions", "at least one condition is required")
	}
	for i, c := range rule.Conditions {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i, a := range rule.Actions {
		switch a.Type {
		case model.ActionMatch, model.ActionFlag, model.ActionSplit, model.ActionMerge, model.ActionCreateEntry:
		case model.ActionCategorize:
			if a.Value == "" {
				return common.NewValidationError(fmt.Sprintf("actions[%d].value", i), "categorize needs a category")
			}
		default:
			return common.NewValidationError(fmt.Sprintf("actions[%d].type", i), "unknown action "+string(a.Type))
		}
	}
	return nil
}

func validateCondition(c model.RuleCondition) error {
	switch c.Field {
	case model.FieldAmount, model.FieldDate, model.FieldDescription, model.FieldCounterparty,
		model.FieldReference, model.FieldCategory:
	default:
		return common.NewValidationError("field", "unknown field "+string(c.Field))
	}

	switch c.Operator {
	case model.OpEquals, model.OpContains, model.OpStartsWith, model.OpEndsWith:
	case model.OpRegex:
		if _, err := common.CompileRegex(c.Value); err != nil {
			return &common.ValidationError{Field: "value", Message: "invalid regex", Err: err}
		}
	case model.OpRange:
		if c.Field != model.FieldAmount && c.Field != model.FieldDate {
			return common.NewValidationError("operator", "range applies to amount or date")
		}
		if c.Field == model.FieldAmount {
			if _, err := decimal.NewFromString(c.Value); err != nil {
				return common.NewValidationError("value", "range lower bound must be a number")
			}
			if _, err := decimal.NewFromString(c.Value2); err != nil {
				return common.NewValidationError("value2", "range upper bound must be a number")
			}
			return nil
		}
		return validateDates(c)
	case model.OpDateRange:
		if c.Field != model.FieldDate {
			return common.NewValidationError("operator", "date_range applies to date")
		}
		return validateDates(c)
	case model.OpSimilar:
		if c.Value2 != "" {
			if _, err := strconv.ParseFloat(c.Value2, 64); err != nil {
				return common.NewValidationError("value2", "similarity threshold must be a number")
			}
		}
	default:
		return common.NewValidationError("operator", "unknown operator "+string(c.Operator))
	}

	if c.Operator == model.OpEquals && c.Field == model.FieldAmount {
		if _, err := decimal.NewFromString(c.Value); err != nil {
			return common.NewValidationError("value", "amount must be a number")
		}
	}
	if c.Operator == model.OpEquals && c.Field == model.FieldDate {
		if _, err := time.Parse(dateLayout, c.Value); err != nil {
			return common.NewValidationError("value", "date must be YYYY-MM-DD")
		}
	}
	return nil
}

func validateDates(c model.RuleCondition) error {
	if _, err := time.Parse(dateLayout, c.Value); err != nil {
		return common.NewValidationError("value", "date must be YYYY-MM-DD")
	}
	if _, err := time.Parse(dateLayout, c.Value2); err != nil {
		return common.NewValidationError("value2", "date must be YYYY-MM-DD")
	}
	return nil
}

// ruleMatches reports whether every condition holds for tx.
func (e *Engine) ruleMatches(tx *model.Transaction, rule model.ReconciliationRule) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		if !e.conditionHolds(tx, c) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionHolds(tx *model.Transaction, c model.RuleCondition) bool {
	switch c.Field {
	case model.FieldAmount:
		return e.amountHolds(tx.Amount, c)
	case model.FieldDate:
		return dateHolds(tx.BookingDate, c)
	case model.FieldDescription:
		return e.textHolds(description(tx), c)
	case model.FieldCounterparty:
		return e.textHolds(tx.Counterparty, c)
	case model.FieldReference:
		return e.textHolds(tx.Reference, c)
	case model.FieldCategory:
		return e.textHolds(tx.Category, c)
	default:
		return false
	}
}

// amountHolds compares magnitudes, with equality using the engine tolerance.
func (e *Engine) amountHolds(amount decimal.Decimal, c model.RuleCondition) bool {
	switch c.Operator {
	case model.OpEquals:
		v, err := decimal.NewFromString(c.Value)
		if err != nil {
			return false
		}
		return !amountDelta(amount, v).GreaterThan(e.cfg.AmountTolerance)
	case model.OpRange:
		lo, err1 := decimal.NewFromString(c.Value)
		hi, err2 := decimal.NewFromString(c.Value2)
		if err1 != nil || err2 != nil {
			return false
		}
		abs := amount.Abs()
		return !abs.LessThan(lo.Abs()) && !abs.GreaterThan(hi.Abs())
	default:
		return e.textHolds(amount.Abs().StringFixed(2), c)
	}
}

func dateHolds(date time.Time, c model.RuleCondition) bool {
	day := date.Format(dateLayout)
	switch c.Operator {
	case model.OpEquals:
		return day == c.Value
	case model.OpRange, model.OpDateRange:
		// ISO dates order lexically
		return day >= c.Value && day <= c.Value2
	default:
		return false
	}
}

func (e *Engine) textHolds(value string, c model.RuleCondition) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	want := strings.ToLower(strings.TrimSpace(c.Value))

	switch c.Operator {
	case model.OpEquals:
		return normalize(v) == normalize(want)
	case model.OpContains:
		return strings.Contains(v, want)
	case model.OpStartsWith:
		return strings.HasPrefix(v, want)
	case model.OpEndsWith:
		return strings.HasSuffix(v, want)
	case model.OpRegex:
		re := e.regex(c.Value)
		return re != nil && re.MatchString(value)
	case model.OpSimilar:
		threshold := e.cfg.SimilarityThreshold
		if c.Value2 != "" {
			if t, err := strconv.ParseFloat(c.Value2, 64); err == nil {
				threshold = t
			}
		}
		return similarity(normalize(v), normalize(want)) >= threshold
	default:
		return false
	}
}

// regex compiles case-insensitive patterns through the shared cache.
func (e *Engine) regex(pattern string) *regexp.Regexp {
	re, err := common.CompileRegex("(?i)" + pattern)
	if err != nil {
		e.logger.Warn("Skipping invalid rule regex", "pattern", pattern, "error", err)
		return nil
	}
	return re
}

// similarity is one minus the Levenshtein distance over the longer string's length.
func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// applyRule turns every candidate into a rule-based match and applies the rule's actions.
func (e *Engine) applyRule(tx *model.Transaction, rule model.ReconciliationRule, candidates []model.AccountingEntry) []model.ReconciliationMatch {
	matches := make([]model.ReconciliationMatch, 0, len(candidates))
	for _, entry := range candidates {
		m := e.newMatch(tx, entry, model.MatchRuleBased, e.Score(tx, entry))
		m.RuleID = rule.ID
		m.Status = model.MatchPartial
		for _, action := range rule.Actions {
			switch action.Type {
			case model.ActionMatch:
				m.Status = model.MatchMatched
			case model.ActionCategorize:
				m.Category = action.Value
			case model.ActionFlag:
				m.Flagged = true
				m.Note = action.Value
			case model.ActionSplit, model.ActionMerge, model.ActionCreateEntry:
				m.PendingActions = append(m.PendingActions, action.Type)
			}
		}
		matches = append(matches, m)
	}
	return matches
}
