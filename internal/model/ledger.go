package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountingEntry is a ledger record supplied by the external accounting ledger.
type AccountingEntry struct {
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	ID            string          `json:"id"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Description   string          `json:"description"`
	Reconciled    bool            `json:"reconciled"`
}
