package provider

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/shopspring/decimal"
)

var legalSuffixes = []string{
	" LLC", " INC", " CORP", " CORPORATION", " COMPANY", " CO", " LTD", " LIMITED",
	" SA", " SAS", " SARL", " GMBH", " BV",
}

// NormalizeDescription folds a raw provider description into a stable, comparable form.
// It upper-cases, collapses whitespace, strips a trailing numeric id and legal-entity suffixes.
func NormalizeDescription(raw string) string {
	parts := strings.FieldsFunc(strings.ToUpper(raw), func(r rune) bool {
		return unicode.IsSpace(r) || r == '*'
	})

	if len(parts) > 1 {
		last := parts[len(parts)-1]
		if len(last) > 5 && isAllDigits(last) {
			parts = parts[:len(parts)-1]
		}
	}
	name := strings.Join(parts, " ")

	changed := true
	for changed {
		changed = false
		for _, suffix := range legalSuffixes {
			if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
				name = strings.TrimSuffix(name, suffix)
				changed = true
			}
		}
	}
	return strings.TrimSpace(name)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate accepts the date formats used by supported providers.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// TypeFromAmount returns the transaction type implied by a signed amount.
func TypeFromAmount(amount decimal.Decimal) model.TransactionType {
	return model.TypeForAmount(amount)
}

// TransactionID builds the local id of a provider transaction.
func TransactionID(providerID, externalID string) string {
	return providerID + "_" + externalID
}

// AccountID builds the local id of a provider account.
func AccountID(connectionID, externalID string) string {
	return connectionID + "_" + externalID
}

// Finalize fills derived fields on a transaction built by an adapter.
func Finalize(tx *model.Transaction) {
	tx.Type = TypeFromAmount(tx.Amount)
	if tx.Description == "" {
		tx.Description = NormalizeDescription(tx.RawDescription)
	}
	if tx.Status == "" {
		tx.Status = model.TransactionPosted
	}
	if tx.ValueDate.IsZero() {
		tx.ValueDate = tx.BookingDate
	}
	tx.Currency = strings.ToUpper(tx.Currency)
}
