package model

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is derived from the sign of the amount.
type TransactionType string

// Transaction type constants.
const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// TransactionStatus tracks settlement of a transaction.
type TransactionStatus string

// Transaction status constants.
const (
	TransactionPosted   TransactionStatus = "posted"
	TransactionPending  TransactionStatus = "pending"
	TransactionCanceled TransactionStatus = "canceled"
)

// TypeForAmount returns debit for negative amounts and credit otherwise.
func TypeForAmount(amount decimal.Decimal) TransactionType {
	if amount.IsNegative() {
		return TransactionDebit
	}
	return TransactionCredit
}

// Transaction represents a single bank transaction from any provider.
type Transaction struct {
	BookingDate    time.Time
	ValueDate      time.Time
	Amount         decimal.Decimal
	ID             string
	AccountID      string
	ExternalID     string
	Currency       string
	Description    string // Normalized description
	RawDescription string // Description as sent by the provider
	Category       string
	Type           TransactionType
	Status         TransactionStatus
	Counterparty   string
	Reference      string
	LinkedEntryIDs []string
	Reconciled     bool
}

// CanTransitionTo reports whether the status change is allowed.
// Posted transactions are immutable apart from reconciliation fields.
func (t *Transaction) CanTransitionTo(next TransactionStatus) bool {
	if t.Status == next {
		return true
	}
	return t.Status == TransactionPending && (next == TransactionPosted || next == TransactionCanceled)
}

// Hash creates a stable hash for duplicate detection.
func (t *Transaction) Hash() string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s",
		t.BookingDate.Format("2006-01-02"),
		t.Amount.StringFixed(2),
		t.RawDescription,
		t.AccountID,
		t.ExternalID)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
