package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies a bank account.
type AccountType string

// Account type constants.
const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCredit     AccountType = "credit"
	AccountLoan       AccountType = "loan"
	AccountInvestment AccountType = "investment"
	AccountBusiness   AccountType = "business"
)

// ParseAccountType maps provider vocabulary onto an AccountType, defaulting to checking.
func ParseAccountType(s string) AccountType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "savings", "saving", "livret":
		return AccountSavings
	case "credit", "credit card", "card", "credit_card":
		return AccountCredit
	case "loan", "mortgage":
		return AccountLoan
	case "investment", "brokerage", "life_insurance", "pea":
		return AccountInvestment
	case "business", "professional":
		return AccountBusiness
	default:
		return AccountChecking
	}
}

// Account belongs to exactly one Connection and is refreshed on every sync.
type Account struct {
	UpdatedAt        time.Time
	AvailableBalance *decimal.Decimal
	Balance          decimal.Decimal
	ID               string
	ConnectionID     string
	ExternalID       string
	Name             string
	Type             AccountType
	Currency         string
	IBAN             string
	BIC              string
	AccountNumber    string
	Active           bool
}
