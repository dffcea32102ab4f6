// Package ofx reads bank statement files into connection accounts and transactions and
// writes stored transactions back out as OFX statements.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"
)

var (
	severityPattern = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	openTagPattern  = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Statement is the content of one OFX file mapped onto a connection.
type Statement struct {
	Accounts     []model.Account
	Transactions []model.Transaction
}

// Parser maps OFX/QFX statement files onto an existing connection, for banks no
// aggregator covers.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{logger: slog.Default().With("component", "ofx")}
}

// preprocess repairs formatting quirks some banks ship in SGML files.
func preprocess(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityPattern.ReplaceAllStringFunc(content, strings.ToUpper)
	return openTagPattern.ReplaceAllString(content, "$1>")
}

// Parse reads bank and credit card statements. Account and transaction ids are derived
// from the connection so repeated imports of overlapping files upsert instead of duplicating.
func (p *Parser) Parse(ctx context.Context, r io.Reader, conn *model.Connection) (*Statement, error) {
	if conn == nil || conn.ID == "" {
		return nil, common.NewValidationError("connection", "a connection is required")
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(preprocess(string(content))))
	if err != nil {
		return nil, &common.ValidationError{Field: "file", Message: "not a valid OFX statement", Err: err}
	}

	stmt := &Statement{}
	for _, msg := range resp.Bank {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			continue
		}
		account := model.Account{
			ConnectionID:  conn.ID,
			ExternalID:    string(s.BankAcctFrom.AcctID),
			Name:          fmt.Sprintf("%s %s", s.BankAcctFrom.AcctType, lastDigits(string(s.BankAcctFrom.AcctID))),
			Type:          model.ParseAccountType(s.BankAcctFrom.AcctType.String()),
			Currency:      s.CurDef.String(),
			AccountNumber: string(s.BankAcctFrom.AcctID),
			Balance:       ratToDecimal(&s.BalAmt),
			Active:        true,
			UpdatedAt:     s.DtAsOf.Time,
		}
		p.appendStatement(stmt, conn, account, s.BankTranList)
	}
	for _, msg := range resp.CreditCard {
		s, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			continue
		}
		account := model.Account{
			ConnectionID:  conn.ID,
			ExternalID:    string(s.CCAcctFrom.AcctID),
			Name:          "Card " + lastDigits(string(s.CCAcctFrom.AcctID)),
			Type:          model.AccountCredit,
			Currency:      s.CurDef.String(),
			AccountNumber: string(s.CCAcctFrom.AcctID),
			Balance:       ratToDecimal(&s.BalAmt),
			Active:        true,
			UpdatedAt:     s.DtAsOf.Time,
		}
		p.appendStatement(stmt, conn, account, s.BankTranList)
	}

	p.logger.Info("Parsed OFX file",
		"connection_id", conn.ID,
		"accounts", len(stmt.Accounts),
		"transactions", len(stmt.Transactions))
	return stmt, nil
}

func (p *Parser) appendStatement(stmt *Statement, conn *model.Connection, account model.Account, list *ofxgo.TransactionList) {
	if account.ExternalID == "" {
		p.logger.Warn("Skipping statement without account id", "connection_id", conn.ID)
		return
	}
	account.ID = provider.AccountID(conn.ID, account.ExternalID)
	stmt.Accounts = append(stmt.Accounts, account)
	if list == nil {
		return
	}
	for _, t := range list.Transactions {
		stmt.Transactions = append(stmt.Transactions, convert(t, conn.ProviderID, account))
	}
}

func convert(t ofxgo.Transaction, providerID string, account model.Account) model.Transaction {
	fitID := string(t.FiTID)
	tx := model.Transaction{
		ID:             provider.TransactionID(providerID, account.ExternalID+"-"+fitID),
		AccountID:      account.ID,
		ExternalID:     fitID,
		BookingDate:    t.DtPosted.Time.UTC(),
		Amount:         ratToDecimal(&t.TrnAmt),
		Currency:       account.Currency,
		RawDescription: payeeName(t),
		Reference:      string(t.RefNum),
	}
	if t.DtUser != nil {
		tx.ValueDate = t.DtUser.Time.UTC()
	}
	if t.CheckNum != "" {
		tx.Reference = "CHECK " + string(t.CheckNum)
	}
	switch t.TrnType {
	case ofxgo.TrnTypeInt, ofxgo.TrnTypeDiv:
		tx.Category = "Interest"
	case ofxgo.TrnTypeFee, ofxgo.TrnTypeSrvChg:
		tx.Category = "Bank Fees"
	case ofxgo.TrnTypeATM, ofxgo.TrnTypeCash:
		tx.Category = "Cash"
	}
	provider.Finalize(&tx)
	return tx
}

// payeeName prefers PAYEE, then NAME, then MEMO when NAME carries no merchant.
func payeeName(t ofxgo.Transaction) string {
	if t.Payee != nil && t.Payee.Name != "" {
		return strings.TrimSpace(string(t.Payee.Name))
	}
	name := strings.TrimSpace(string(t.Name))
	if t.Memo != "" && isGeneric(name) {
		name = strings.TrimSpace(string(t.Memo))
	}
	return name
}

func isGeneric(name string) bool {
	switch strings.ToUpper(name) {
	case "", "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}

func ratToDecimal(a *ofxgo.Amount) decimal.Decimal {
	d, err := decimal.NewFromString(a.FloatString(2))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func lastDigits(s string) string {
	if len(s) <= 4 {
		return s
	}
	return "*" + s[len(s)-4:]
}
