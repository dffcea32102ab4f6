package model

import (
	"github.com/shopspring/decimal"
)

// AmountCondition is the comparison a CategoryRule applies to a transaction's absolute amount.
type AmountCondition string

// Amount condition constants.
const (
	AmountLessThan     AmountCondition = "lt"
	AmountLessEqual    AmountCondition = "le"
	AmountEqual        AmountCondition = "eq"
	AmountGreaterEqual AmountCondition = "ge"
	AmountGreaterThan  AmountCondition = "gt"
	AmountRange        AmountCondition = "range"
	AmountAny          AmountCondition = "any"
)

// CategoryRule assigns a category to transactions whose provider returned none.
type CategoryRule struct {
	AmountValue     *decimal.Decimal `json:"amount_value,omitempty" yaml:"amount_value,omitempty"`
	AmountMin       *decimal.Decimal `json:"amount_min,omitempty" yaml:"amount_min,omitempty"`
	AmountMax       *decimal.Decimal `json:"amount_max,omitempty" yaml:"amount_max,omitempty"`
	Type            *TransactionType `json:"type,omitempty" yaml:"type,omitempty"`
	Name            string           `json:"name" yaml:"name"`
	Pattern         string           `json:"pattern" yaml:"pattern"`
	AmountCondition AmountCondition  `json:"amount_condition" yaml:"amount_condition"`
	Category        string           `json:"category" yaml:"category"`
	Priority        int              `json:"priority" yaml:"priority"`
	IsRegex         bool             `json:"is_regex" yaml:"is_regex"`
	IsActive        bool             `json:"is_active" yaml:"is_active"`
}
