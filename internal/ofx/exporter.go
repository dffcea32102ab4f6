package ofx

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/aclindsa/ofxgo"
)

// Filter selects the transactions handed to an export. Zero values match everything;
// Start and End compare booking dates by calendar day, inclusive.
type Filter struct {
	Start      time.Time
	End        time.Time
	Reconciled *bool
	AccountIDs []string
}

// Validate rejects inverted date ranges.
func (f Filter) Validate() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return common.NewValidationError("end", "end date is before start date")
	}
	return nil
}

// Match reports whether tx passes the filter.
func (f Filter) Match(tx model.Transaction) bool {
	if len(f.AccountIDs) > 0 && !slices.Contains(f.AccountIDs, tx.AccountID) {
		return false
	}
	if f.Reconciled != nil && tx.Reconciled != *f.Reconciled {
		return false
	}
	day := truncateDay(tx.BookingDate)
	if !f.Start.IsZero() && day.Before(truncateDay(f.Start)) {
		return false
	}
	if !f.End.IsZero() && day.After(truncateDay(f.End)) {
		return false
	}
	return true
}

// Apply returns the matching transactions ordered by booking date.
func (f Filter) Apply(txs []model.Transaction) []model.Transaction {
	out := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		if f.Match(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BookingDate.Before(out[j].BookingDate)
	})
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Exporter writes OFX 2.0.3 statements.
type Exporter struct {
	now func() time.Time
	org string
	fid string
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithInstitution sets the ORG and FID written in the signon block.
func WithInstitution(org, fid string) ExporterOption {
	return func(e *Exporter) {
		e.org = org
		e.fid = fid
	}
}

// WithExportClock sets the server time written into the file.
func WithExportClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an exporter.
func NewExporter(opts ...ExporterOption) *Exporter {
	e := &Exporter{now: time.Now, org: "bankfeed"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes one statement for account containing the transactions that pass filter.
// It returns the number of transactions written.
func (e *Exporter) Export(w io.Writer, account model.Account, txs []model.Transaction, filter Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if account.ID == "" {
		return 0, common.NewValidationError("account", "account id is required")
	}

	selected := filter.Apply(txs)
	kept := selected[:0]
	for _, tx := range selected {
		if tx.AccountID == account.ID {
			kept = append(kept, tx)
		}
	}

	currency := account.Currency
	if currency == "" {
		currency = "USD"
	}
	curDef, err := ofxgo.NewCurrSymbol(currency)
	if err != nil {
		return 0, &common.ValidationError{Field: "currency", Message: currency, Err: err}
	}

	now := e.now().UTC()
	start, end := statementRange(kept, filter, now)
	list := &ofxgo.TransactionList{
		DtStart: ofxgo.Date{Time: start},
		DtEnd:   ofxgo.Date{Time: end},
	}
	for _, tx := range kept {
		list.Transactions = append(list.Transactions, toOFX(tx))
	}

	var balance ofxgo.Amount
	if _, ok := balance.SetString(account.Balance.String()); !ok {
		return 0, fmt.Errorf("invalid balance %s on account %s", account.Balance, account.ID)
	}

	resp := ofxgo.Response{
		Version: ofxgo.OfxVersion203,
		Signon: ofxgo.SignonResponse{
			Status:   ofxgo.Status{Code: 0, Severity: "INFO"},
			DtServer: ofxgo.Date{Time: now},
			Language: "ENG",
			Org:      ofxgo.String(e.org),
			Fid:      ofxgo.String(e.fid),
		},
	}
	uid := ofxgo.UID(account.ID)
	acctID := account.AccountNumber
	if acctID == "" {
		acctID = account.ExternalID
	}
	bankID := account.BIC
	if bankID == "" {
		bankID = "000000000"
	}

	if account.Type == model.AccountCredit {
		resp.CreditCard = append(resp.CreditCard, &ofxgo.CCStatementResponse{
			TrnUID:       uid,
			Status:       ofxgo.Status{Code: 0, Severity: "INFO"},
			CurDef:       *curDef,
			CCAcctFrom:   ofxgo.CCAcct{AcctID: ofxgo.String(acctID)},
			BankTranList: list,
			BalAmt:       balance,
			DtAsOf:       ofxgo.Date{Time: now},
		})
	} else {
		from := ofxgo.BankAcct{
			BankID:   ofxgo.String(bankID),
			AcctID:   ofxgo.String(acctID),
			AcctType: ofxgo.AcctTypeChecking,
		}
		if account.Type == model.AccountSavings {
			from.AcctType = ofxgo.AcctTypeSavings
		}
		resp.Bank = append(resp.Bank, &ofxgo.StatementResponse{
			TrnUID:       uid,
			Status:       ofxgo.Status{Code: 0, Severity: "INFO"},
			CurDef:       *curDef,
			BankAcctFrom: from,
			BankTranList: list,
			BalAmt:       balance,
			DtAsOf:       ofxgo.Date{Time: now},
		})
	}

	buf, err := resp.Marshal()
	if err != nil {
		return 0, fmt.Errorf("failed to marshal OFX statement: %w", err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write OFX statement: %w", err)
	}
	return len(kept), nil
}

func statementRange(txs []model.Transaction, filter Filter, now time.Time) (time.Time, time.Time) {
	start, end := filter.Start, filter.End
	if start.IsZero() {
		start = now
		if len(txs) > 0 {
			start = txs[0].BookingDate
		}
	}
	if end.IsZero() {
		end = now
		if len(txs) > 0 {
			end = txs[len(txs)-1].BookingDate
		}
	}
	return start.UTC(), end.UTC()
}

func toOFX(tx model.Transaction) ofxgo.Transaction {
	var amount ofxgo.Amount
	amount.SetString(tx.Amount.String())

	trnType := ofxgo.TrnTypeCredit
	if tx.Type == model.TransactionDebit || tx.Amount.IsNegative() {
		trnType = ofxgo.TrnTypeDebit
	}
	fitID := tx.ExternalID
	if fitID == "" {
		fitID = tx.ID
	}
	out := ofxgo.Transaction{
		TrnType:  trnType,
		DtPosted: ofxgo.Date{Time: tx.BookingDate.UTC()},
		TrnAmt:   amount,
		FiTID:    ofxgo.String(fitID),
		Name:     ofxgo.String(truncate(tx.Description, 32)),
		Memo:     ofxgo.String(truncate(tx.RawDescription, 255)),
		RefNum:   ofxgo.String(tx.Reference),
	}
	if !tx.ValueDate.IsZero() && !tx.ValueDate.Equal(tx.BookingDate) {
		out.DtUser = &ofxgo.Date{Time: tx.ValueDate.UTC()}
	}
	return out
}

// truncate respects OFX field limits; NAME is 32 characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
