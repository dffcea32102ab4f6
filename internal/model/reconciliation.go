package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RuleField names the transaction attribute a rule condition inspects.
type RuleField string

// Rule field constants.
const (
	FieldAmount       RuleField = "amount"
	FieldDate         RuleField = "date"
	FieldDescription  RuleField = "description"
	FieldCounterparty RuleField = "counterparty"
	FieldReference    RuleField = "reference"
	FieldCategory     RuleField = "category"
)

// RuleOperator is the comparison a condition applies.
type RuleOperator string

// Rule operator constants.
const (
	OpEquals     RuleOperator = "equals"
	OpContains   RuleOperator = "contains"
	OpStartsWith RuleOperator = "starts_with"
	OpEndsWith   RuleOperator = "ends_with"
	OpRegex      RuleOperator = "regex"
	OpRange      RuleOperator = "range"
	OpDateRange  RuleOperator = "date_range"
	OpSimilar    RuleOperator = "similar"
)

// RuleActionType is what happens when a rule fires.
type RuleActionType string

// Rule action constants.
const (
	ActionMatch       RuleActionType = "match"
	ActionCategorize  RuleActionType = "categorize"
	ActionSplit       RuleActionType = "split"
	ActionMerge       RuleActionType = "merge"
	ActionFlag        RuleActionType = "flag"
	ActionCreateEntry RuleActionType = "create_entry"
)

// RuleCondition is a single predicate over a transaction field.
// Value2 is the upper bound for range operators.
type RuleCondition struct {
	Field    RuleField    `json:"field" yaml:"field"`
	Operator RuleOperator `json:"operator" yaml:"operator"`
	Value    string       `json:"value" yaml:"value"`
	Value2   string       `json:"value2,omitempty" yaml:"value2,omitempty"`
}

// RuleAction is applied to every match produced by a rule.
type RuleAction struct {
	Type  RuleActionType `json:"type" yaml:"type"`
	Value string         `json:"value,omitempty" yaml:"value,omitempty"`
}

// ReconciliationRule is operator configuration evaluated read-only at match time.
type ReconciliationRule struct {
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions []RuleCondition `json:"conditions"`
	Actions    []RuleAction    `json:"actions"`
	Priority   int             `json:"priority"`
	AutoApply  bool            `json:"auto_apply"`
	Active     bool            `json:"active"`
}

// SortRulesByPriority orders rules ascending by priority, keeping insertion order for ties.
func SortRulesByPriority(rules []ReconciliationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}

// MatchType records how a match was produced.
type MatchType string

// Match type constants.
const (
	MatchAutomatic MatchType = "automatic"
	MatchManual    MatchType = "manual"
	MatchRuleBased MatchType = "rule_based"
)

// MatchStatus is the review state of a match.
type MatchStatus string

// Match status constants.
const (
	MatchMatched  MatchStatus = "matched"
	MatchPartial  MatchStatus = "partial"
	MatchDisputed MatchStatus = "disputed"
	MatchResolved MatchStatus = "resolved"
)

// Discrepancy lists only the fields where transaction and entry disagree beyond tolerance.
type Discrepancy struct {
	AmountDelta            *decimal.Decimal `json:"amount_delta,omitempty"`
	DayGap                 *int             `json:"day_gap,omitempty"`
	TransactionDescription string           `json:"transaction_description,omitempty"`
	EntryDescription       string           `json:"entry_description,omitempty"`
	DescriptionMismatch    bool             `json:"description_mismatch,omitempty"`
}

// Empty reports whether no field differs.
func (d *Discrepancy) Empty() bool {
	return d == nil || (d.AmountDelta == nil && d.DayGap == nil && !d.DescriptionMismatch)
}

// ReconciliationMatch links one transaction to one ledger entry.
type ReconciliationMatch struct {
	CreatedAt      time.Time        `json:"created_at"`
	Discrepancy    *Discrepancy     `json:"discrepancy,omitempty"`
	ID             string           `json:"id"`
	TransactionID  string           `json:"transaction_id"`
	EntryID        string           `json:"entry_id"`
	Type           MatchType        `json:"type"`
	RuleID         string           `json:"rule_id,omitempty"`
	Status         MatchStatus      `json:"status"`
	Category       string           `json:"category,omitempty"`
	Note           string           `json:"note,omitempty"`
	PendingActions []RuleActionType `json:"pending_actions,omitempty"`
	Confidence     float64          `json:"confidence"`
	Flagged        bool             `json:"flagged,omitempty"`
	Committed      bool             `json:"committed"`
}
