package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/bankfeed/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidConnection  = errors.New("invalid connection")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrInvalidRule        = errors.New("invalid reconciliation rule")
	ErrInvalidMatch       = errors.New("invalid reconciliation match")
	ErrInvalidEvent       = errors.New("invalid webhook event")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateConnection(c *model.Connection) error {
	if c == nil {
		return fmt.Errorf("%w: connection", ErrNilParameter)
	}
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidConnection)
	case c.UserID == "":
		return fmt.Errorf("%w: missing user ID", ErrInvalidConnection)
	case c.ProviderID == "":
		return fmt.Errorf("%w: missing provider ID", ErrInvalidConnection)
	case c.BankID == "":
		return fmt.Errorf("%w: missing bank ID", ErrInvalidConnection)
	case !c.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidConnection, c.Status)
	}
	return nil
}

func validateAccount(a *model.Account) error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidAccount)
	case a.ConnectionID == "":
		return fmt.Errorf("%w: missing connection ID", ErrInvalidAccount)
	case a.ExternalID == "":
		return fmt.Errorf("%w: missing external ID", ErrInvalidAccount)
	}
	return nil
}

// validateTransaction validates a single transaction.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.BookingDate.IsZero() {
		return fmt.Errorf("%w: missing booking date", ErrInvalidTransaction)
	}
	if txn.AccountID == "" {
		return fmt.Errorf("%w: missing account ID", ErrInvalidTransaction)
	}
	return nil
}

func validateTransactions(transactions []model.Transaction) error {
	for i := range transactions {
		if err := validateTransaction(&transactions[i]); err != nil {
			return fmt.Errorf("transaction at index %d: %w", i, err)
		}
	}
	return nil
}

func validateCredential(c *model.EncryptedCredential) error {
	if c == nil {
		return fmt.Errorf("%w: credential", ErrNilParameter)
	}
	if c.ID == "" || c.KeyID == "" || c.Ciphertext == "" {
		return fmt.Errorf("%w: id, key id and ciphertext are required", ErrInvalidCredential)
	}
	return nil
}

func validateRule(r *model.ReconciliationRule) error {
	if r == nil {
		return fmt.Errorf("%w: rule", ErrNilParameter)
	}
	if r.ID == "" || strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidRule)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}
	return nil
}

func validateMatch(m *model.ReconciliationMatch) error {
	if m.ID == "" || m.TransactionID == "" || m.EntryID == "" {
		return fmt.Errorf("%w: id, transaction id and entry id are required", ErrInvalidMatch)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidMatch)
	}
	return nil
}

func validateEvent(ev *model.WebhookEvent) error {
	if ev.ID == "" || ev.ProviderID == "" || ev.Type == "" {
		return fmt.Errorf("%w: id, provider and type are required", ErrInvalidEvent)
	}
	return nil
}
