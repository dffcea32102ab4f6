package provider

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/shopspring/decimal"
)

// Categorizer assigns categories locally for providers that do not enrich transactions.
type Categorizer struct {
	compiled map[int]*regexp.Regexp
	rules    []model.CategoryRule
}

// NewCategorizer precompiles regex rules and orders rules by priority, highest first.
func NewCategorizer(rules []model.CategoryRule) *Categorizer {
	sorted := make([]model.CategoryRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	c := &Categorizer{
		rules:    sorted,
		compiled: make(map[int]*regexp.Regexp),
	}
	for i, rule := range sorted {
		if rule.IsRegex && rule.Pattern != "" {
			if re, err := regexp.Compile("(?i)" + rule.Pattern); err == nil {
				c.compiled[i] = re
			}
		}
	}
	return c
}

// Categorize returns the category of the first matching rule.
func (c *Categorizer) Categorize(tx model.Transaction) (string, bool) {
	for i, rule := range c.rules {
		if !rule.IsActive {
			continue
		}
		if c.matches(i, rule, tx) {
			return rule.Category, true
		}
	}
	return "", false
}

func (c *Categorizer) matches(i int, rule model.CategoryRule, tx model.Transaction) bool {
	if !c.matchesPattern(i, rule, tx) {
		return false
	}
	if !matchesAmount(tx.Amount.Abs(), rule) {
		return false
	}
	if rule.Type != nil && tx.Type != *rule.Type {
		return false
	}
	return true
}

func (c *Categorizer) matchesPattern(i int, rule model.CategoryRule, tx model.Transaction) bool {
	if rule.Pattern == "" {
		return true
	}

	text := tx.Description
	if text == "" {
		text = NormalizeDescription(tx.RawDescription)
	}

	if rule.IsRegex {
		if re, ok := c.compiled[i]; ok {
			return re.MatchString(text)
		}
		return false
	}

	return strings.Contains(strings.ToUpper(text), strings.ToUpper(rule.Pattern))
}

func matchesAmount(amount decimal.Decimal, rule model.CategoryRule) bool {
	switch rule.AmountCondition {
	case "", model.AmountAny:
		return true
	case model.AmountLessThan:
		return rule.AmountValue != nil && amount.LessThan(*rule.AmountValue)
	case model.AmountLessEqual:
		return rule.AmountValue != nil && amount.LessThanOrEqual(*rule.AmountValue)
	case model.AmountEqual:
		return rule.AmountValue != nil && amount.Equal(*rule.AmountValue)
	case model.AmountGreaterEqual:
		return rule.AmountValue != nil && amount.GreaterThanOrEqual(*rule.AmountValue)
	case model.AmountGreaterThan:
		return rule.AmountValue != nil && amount.GreaterThan(*rule.AmountValue)
	case model.AmountRange:
		if rule.AmountMin != nil && amount.LessThan(*rule.AmountMin) {
			return false
		}
		if rule.AmountMax != nil && amount.GreaterThan(*rule.AmountMax) {
			return false
		}
		return true
	}
	return false
}

// DefaultCategoryRules covers common utility, payroll and card-fee descriptions.
func DefaultCategoryRules() []model.CategoryRule {
	credit := model.TransactionCredit
	return []model.CategoryRule{
		{Name: "Utilities", Pattern: `\b(EDF|ENGIE|VEOLIA|TOTALENERGIES|SUEZ)\b`, IsRegex: true, Category: "utilities", Priority: 50, IsActive: true},
		{Name: "Telecom", Pattern: `\b(ORANGE|SFR|BOUYGUES|FREE MOBILE|VERIZON|AT&T)\b`, IsRegex: true, Category: "telecom", Priority: 50, IsActive: true},
		{Name: "Payroll", Pattern: `\b(SALAIRE|PAYROLL|VIR SEPA .*PAIE)\b`, IsRegex: true, Category: "payroll", Priority: 40, Type: &credit, IsActive: true},
		{Name: "Bank fees", Pattern: `\b(FRAIS|COMMISSION|COTIS|FEE)\b`, IsRegex: true, Category: "bank_fees", Priority: 30, IsActive: true},
		{Name: "Taxes", Pattern: `\b(DGFIP|URSSAF|IMPOT|IRS)\b`, IsRegex: true, Category: "taxes", Priority: 60, IsActive: true},
		{Name: "Transfers", Pattern: "VIR ", Category: "transfer", Priority: 10, IsActive: true},
	}
}
