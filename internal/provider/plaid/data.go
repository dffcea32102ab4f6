package plaid

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"
)

const pageSize = int32(500) // Plaid's max page size

// accountFields is the subset of a Plaid account the adapter maps.
type accountFields struct {
	Available *float64
	ID        string
	Name      string
	Type      string
	Subtype   string
	Mask      string
	Currency  string
	Current   float64
}

func accountFromSDK(a plaid.AccountBase) accountFields {
	balances := a.GetBalances()
	f := accountFields{
		ID:       a.GetAccountId(),
		Name:     a.GetName(),
		Type:     string(a.GetType()),
		Subtype:  string(a.GetSubtype()),
		Mask:     a.GetMask(),
		Currency: balances.GetIsoCurrencyCode(),
		Current:  balances.GetCurrent(),
	}
	if avail, ok := balances.GetAvailableOk(); ok && avail != nil {
		v := *avail
		f.Available = &v
	}
	return f
}

// accountType maps Plaid's type and subtype onto an AccountType.
func accountType(typ, subtype string) model.AccountType {
	switch typ {
	case "credit":
		return model.AccountCredit
	case "loan":
		return model.AccountLoan
	case "investment", "brokerage":
		return model.AccountInvestment
	}
	return model.ParseAccountType(subtype)
}

func mapAccount(connectionID string, f accountFields, now time.Time) model.Account {
	acc := model.Account{
		ID:            provider.AccountID(connectionID, f.ID),
		ConnectionID:  connectionID,
		ExternalID:    f.ID,
		Name:          f.Name,
		Type:          accountType(f.Type, f.Subtype),
		Currency:      strings.ToUpper(valueOr(f.Currency, "USD")),
		Balance:       decimal.NewFromFloat(f.Current),
		AccountNumber: f.Mask,
		Active:        true,
		UpdatedAt:     now,
	}
	if f.Available != nil {
		avail := decimal.NewFromFloat(*f.Available)
		acc.AvailableBalance = &avail
	}
	return acc
}

func (c *Client) accounts(ctx context.Context, conn *model.Connection, withBalance bool) ([]model.Account, error) {
	if conn.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}

	var raw []plaid.AccountBase
	err := c.call(ctx, "accounts_get", func() (*http.Response, error) {
		if withBalance {
			req := plaid.NewAccountsBalanceGetRequest(conn.AccessToken)
			resp, httpResp, err := c.api.PlaidApi.AccountsBalanceGet(ctx).AccountsBalanceGetRequest(*req).Execute()
			if err == nil {
				raw = resp.GetAccounts()
			}
			return httpResp, err
		}
		req := plaid.NewAccountsGetRequest(conn.AccessToken)
		resp, httpResp, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*req).Execute()
		if err == nil {
			raw = resp.GetAccounts()
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	accounts := make([]model.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, mapAccount(conn.ID, accountFromSDK(a), now))
	}
	return accounts, nil
}

// ListAccounts implements provider.Provider.
func (c *Client) ListAccounts(ctx context.Context, conn *model.Connection) ([]model.Account, error) {
	accounts, err := c.accounts(ctx, conn, false)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Fetched accounts", "connection_id", conn.ID, "count", len(accounts))
	return accounts, nil
}

// RefreshBalance fetches real-time balances and returns the requested account.
func (c *Client) RefreshBalance(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error) {
	accounts, err := c.accounts(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].ExternalID == accountExternalID {
			return &accounts[i], nil
		}
	}
	return nil, &common.APIError{Provider: ProviderID, Code: "ACCOUNT_NOT_FOUND", Message: accountExternalID, Err: common.ErrNotFound}
}

// transactionFields is the subset of a Plaid transaction the adapter maps.
type transactionFields struct {
	ID             string
	AccountID      string
	Name           string
	MerchantName   string
	Date           string
	AuthorizedDate string
	Currency       string
	PaymentChannel string
	CheckNumber    string
	Category       []string
	Amount         float64
	Pending        bool
}

func transactionFromSDK(t plaid.Transaction) transactionFields {
	return transactionFields{
		ID:             t.GetTransactionId(),
		AccountID:      t.GetAccountId(),
		Name:           t.GetName(),
		MerchantName:   t.GetMerchantName(),
		Date:           t.GetDate(),
		AuthorizedDate: t.GetAuthorizedDate(),
		Currency:       t.GetIsoCurrencyCode(),
		PaymentChannel: t.GetPaymentChannel(),
		CheckNumber:    t.GetCheckNumber(),
		Category:       t.GetCategory(),
		Amount:         t.GetAmount(),
		Pending:        t.GetPending(),
	}
}

// categorySlug turns ["Food and Drink", "Restaurants"] into "food_and_drink".
func categorySlug(categories []string) string {
	if len(categories) == 0 {
		return ""
	}
	return strings.Join(strings.Fields(strings.ToLower(categories[0])), "_")
}

// mapTransaction converts a Plaid transaction. Plaid reports money out as positive
// amounts; the model uses signed amounts with debits negative.
func (c *Client) mapTransaction(connectionID string, f transactionFields) (model.Transaction, error) {
	booked, err := provider.ParseDate(f.Date)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("transaction %s: %w", f.ID, err)
	}

	name := f.MerchantName
	if name == "" {
		name = f.Name
	}

	tx := model.Transaction{
		ID:             provider.TransactionID(ProviderID, f.ID),
		AccountID:      provider.AccountID(connectionID, f.AccountID),
		ExternalID:     f.ID,
		BookingDate:    booked,
		Amount:         decimal.NewFromFloat(f.Amount).Neg(),
		Currency:       valueOr(f.Currency, "USD"),
		RawDescription: f.Name,
		Description:    provider.NormalizeDescription(name),
		Reference:      f.CheckNumber,
		Category:       categorySlug(f.Category),
		Status:         model.TransactionPosted,
	}
	if f.Pending {
		tx.Status = model.TransactionPending
	}
	if f.AuthorizedDate != "" {
		if d, err := provider.ParseDate(f.AuthorizedDate); err == nil {
			tx.ValueDate = d
		}
	}
	provider.Finalize(&tx)
	if tx.Category == "" {
		tx.Category, _ = c.categorizer.Categorize(tx)
	}
	return tx, nil
}

// ListTransactions returns one page; the cursor is the Plaid offset.
func (c *Client) ListTransactions(ctx context.Context, conn *model.Connection, query provider.TransactionQuery) (*provider.TransactionPage, error) {
	if conn.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}
	end := query.End
	if end.IsZero() {
		end = time.Now()
	}
	start := query.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -90)
	}
	if start.After(end) {
		return nil, common.NewValidationError("start", "must be before end")
	}
	offset := int32(0)
	if query.Cursor != "" {
		n, err := strconv.ParseInt(query.Cursor, 10, 32)
		if err != nil || n < 0 {
			return nil, common.NewValidationError("cursor", "must be a non-negative offset")
		}
		offset = int32(n)
	}

	var (
		raw   []plaid.Transaction
		total int32
	)
	err := c.call(ctx, "transactions_get", func() (*http.Response, error) {
		req := plaid.NewTransactionsGetRequest(conn.AccessToken, start.Format("2006-01-02"), end.Format("2006-01-02"))
		options := plaid.TransactionsGetRequestOptions{
			Count:  plaid.PtrInt32(pageSize),
			Offset: plaid.PtrInt32(offset),
		}
		if query.AccountID != "" {
			options.AccountIds = &[]string{query.AccountID}
		}
		req.SetOptions(options)
		resp, httpResp, err := c.api.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*req).Execute()
		if err == nil {
			raw = resp.GetTransactions()
			total = resp.GetTotalTransactions()
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched transaction batch", "count", len(raw), "offset", offset, "total", total)

	page := &provider.TransactionPage{}
	for _, t := range raw {
		tx, err := c.mapTransaction(conn.ID, transactionFromSDK(t))
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, tx)
	}
	next := offset + int32(len(raw))
	if len(raw) > 0 && next < total {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(int(next))
	}
	return page, nil
}

// SyncTransactions drains /transactions/sync from the cursor.
func (c *Client) SyncTransactions(ctx context.Context, conn *model.Connection, cursor string) (*provider.SyncResult, error) {
	if conn.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}

	result := &provider.SyncResult{NextCursor: cursor}
	for {
		var (
			added, modified []plaid.Transaction
			removed         []plaid.RemovedTransaction
			hasMore         bool
			next            string
		)
		err := c.call(ctx, "transactions_sync", func() (*http.Response, error) {
			req := plaid.NewTransactionsSyncRequest(conn.AccessToken)
			if result.NextCursor != "" {
				req.SetCursor(result.NextCursor)
			}
			req.SetCount(pageSize)
			resp, httpResp, err := c.api.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(*req).Execute()
			if err == nil {
				added, modified, removed = resp.GetAdded(), resp.GetModified(), resp.GetRemoved()
				hasMore, next = resp.GetHasMore(), resp.GetNextCursor()
			}
			return httpResp, err
		})
		if err != nil {
			return nil, err
		}

		for _, t := range added {
			tx, err := c.mapTransaction(conn.ID, transactionFromSDK(t))
			if err != nil {
				return nil, err
			}
			result.Added = append(result.Added, tx)
		}
		for _, t := range modified {
			tx, err := c.mapTransaction(conn.ID, transactionFromSDK(t))
			if err != nil {
				return nil, err
			}
			result.Modified = append(result.Modified, tx)
		}
		for _, r := range removed {
			result.Removed = append(result.Removed, provider.TransactionID(ProviderID, r.GetTransactionId()))
		}
		result.NextCursor = next

		if !hasMore {
			break
		}
	}

	c.logger.Info("Synced transactions",
		"connection_id", conn.ID,
		"added", len(result.Added),
		"modified", len(result.Modified),
		"removed", len(result.Removed))
	return result, nil
}
