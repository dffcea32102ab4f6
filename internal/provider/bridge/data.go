package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/shopspring/decimal"
)

type bank struct {
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	ID          int64  `json:"id"`
}

type category struct {
	Name       string     `json:"name"`
	Categories []category `json:"categories"`
	ID         int64      `json:"id"`
}

type bridgeAccount struct {
	InstantBalance *decimal.Decimal `json:"instant_balance"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Name           string           `json:"name"`
	Type           string           `json:"type"`
	CurrencyCode   string           `json:"currency_code"`
	IBAN           string           `json:"iban"`
	DataAccess     string           `json:"data_access"`
	Balance        decimal.Decimal  `json:"balance"`
	ID             int64            `json:"id"`
	ItemID         int64            `json:"item_id"`
}

type bridgeTransaction struct {
	UpdatedAt           time.Time       `json:"updated_at"`
	CleanDescription    string          `json:"clean_description"`
	ProviderDescription string          `json:"provider_description"`
	Date                string          `json:"date"`
	BookingDate         string          `json:"booking_date"`
	ValueDate           string          `json:"value_date"`
	CurrencyCode        string          `json:"currency_code"`
	OperationType       string          `json:"operation_type"`
	Amount              decimal.Decimal `json:"amount"`
	ID                  int64           `json:"id"`
	AccountID           int64           `json:"account_id"`
	CategoryID          int64           `json:"category_id"`
	Deleted             bool            `json:"deleted"`
	Future              bool            `json:"future"`
}

// slug turns "BNP Paribas" into "bnp_paribas".
func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// list follows next_uri links and calls visit for every page body.
func (c *Client) list(ctx context.Context, hc *http.Client, path string, query url.Values, visit func(page *listPage) error) error {
	target := path
	for target != "" {
		var page listPage
		if err := c.do(ctx, hc, http.MethodGet, target, query, nil, &page); err != nil {
			return err
		}
		if err := visit(&page); err != nil {
			return err
		}
		// next_uri already carries the query
		query = nil
		target = page.Pagination.NextURI
	}
	return nil
}

func (c *Client) loadBanks(ctx context.Context) (map[string]bank, error) {
	c.mu.Lock()
	if c.banks != nil {
		banks := c.banks
		c.mu.Unlock()
		return banks, nil
	}
	c.mu.Unlock()

	banks := make(map[string]bank)
	err := c.list(ctx, c.httpClient, "/v3/providers", url.Values{"country_code": {c.countryCode}, "limit": {"500"}}, func(page *listPage) error {
		var resources []bank
		if err := page.decode(&resources); err != nil {
			return err
		}
		for _, b := range resources {
			banks[slug(b.Name)] = b
			banks[strconv.FormatInt(b.ID, 10)] = b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.banks = banks
	c.mu.Unlock()
	c.logger.Debug("Loaded bridge providers", "count", len(banks)/2)
	return banks, nil
}

func (c *Client) findBank(ctx context.Context, bankID string) (bank, error) {
	banks, err := c.loadBanks(ctx)
	if err != nil {
		return bank{}, err
	}
	b, ok := banks[slug(bankID)]
	if !ok {
		b, ok = banks[bankID]
	}
	if !ok {
		return bank{}, &common.ValidationError{Field: "bank_id", Message: bankID + " is not available through bridge", Err: common.ErrUnsupportedBank}
	}
	return b, nil
}

// SupportsBank implements provider.Provider.
func (c *Client) SupportsBank(ctx context.Context, bankID string) (bool, error) {
	_, err := c.findBank(ctx, bankID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, common.ErrUnsupportedBank) {
		return false, nil
	}
	return false, err
}

func (c *Client) loadCategories(ctx context.Context) (map[int64]string, error) {
	c.mu.Lock()
	if c.categories != nil {
		cats := c.categories
		c.mu.Unlock()
		return cats, nil
	}
	c.mu.Unlock()

	cats := make(map[int64]string)
	err := c.list(ctx, c.httpClient, "/v3/aggregation/categories", url.Values{"language": {"en"}}, func(page *listPage) error {
		var parents []category
		if err := page.decode(&parents); err != nil {
			return err
		}
		for _, parent := range parents {
			cats[parent.ID] = slug(parent.Name)
			for _, sub := range parent.Categories {
				cats[sub.ID] = slug(parent.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.categories = cats
	c.mu.Unlock()
	return cats, nil
}

func mapAccount(connectionID string, a bridgeAccount) model.Account {
	acc := model.Account{
		ID:               provider.AccountID(connectionID, strconv.FormatInt(a.ID, 10)),
		ConnectionID:     connectionID,
		ExternalID:       strconv.FormatInt(a.ID, 10),
		Name:             a.Name,
		Type:             model.ParseAccountType(a.Type),
		Currency:         strings.ToUpper(a.CurrencyCode),
		Balance:          a.Balance,
		AvailableBalance: a.InstantBalance,
		IBAN:             strings.ReplaceAll(a.IBAN, " ", ""),
		Active:           a.DataAccess != "disabled",
		UpdatedAt:        a.UpdatedAt,
	}
	if len(acc.IBAN) == 27 && strings.HasPrefix(acc.IBAN, "FR") {
		// FR IBAN: country, check digits, bank, branch, 11-char account number, RIB key
		acc.AccountNumber = acc.IBAN[14:25]
	}
	return acc
}

// ListAccounts implements provider.Provider.
func (c *Client) ListAccounts(ctx context.Context, conn *model.Connection) ([]model.Account, error) {
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}
	query := url.Values{"limit": {"200"}}
	if conn.Metadata.ItemID != "" {
		query.Set("item_id", conn.Metadata.ItemID)
	}

	var accounts []model.Account
	err = c.list(ctx, hc, "/v3/aggregation/accounts", query, func(page *listPage) error {
		var resources []bridgeAccount
		if err := page.decode(&resources); err != nil {
			return err
		}
		for _, a := range resources {
			accounts = append(accounts, mapAccount(conn.ID, a))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// RefreshBalance implements provider.Provider.
func (c *Client) RefreshBalance(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error) {
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}
	var a bridgeAccount
	if err := c.do(ctx, hc, http.MethodGet, "/v3/aggregation/accounts/"+url.PathEscape(accountExternalID), nil, nil, &a); err != nil {
		return nil, err
	}
	acc := mapAccount(conn.ID, a)
	return &acc, nil
}

func (c *Client) categoryName(id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.categories[id]
}

func (c *Client) mapTransaction(connectionID string, t bridgeTransaction) (model.Transaction, error) {
	dateStr := t.BookingDate
	if dateStr == "" {
		dateStr = t.Date
	}
	booked, err := provider.ParseDate(dateStr)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	tx := model.Transaction{
		ID:             provider.TransactionID(ProviderID, strconv.FormatInt(t.ID, 10)),
		AccountID:      provider.AccountID(connectionID, strconv.FormatInt(t.AccountID, 10)),
		ExternalID:     strconv.FormatInt(t.ID, 10),
		BookingDate:    booked,
		Amount:         t.Amount,
		Currency:       t.CurrencyCode,
		RawDescription: t.ProviderDescription,
		Description:    provider.NormalizeDescription(t.CleanDescription),
		Reference:      t.OperationType,
		Status:         model.TransactionPosted,
	}
	if t.ValueDate != "" {
		if v, err := provider.ParseDate(t.ValueDate); err == nil {
			tx.ValueDate = v
		}
	}
	if t.Future {
		tx.Status = model.TransactionPending
	}
	if tx.Description == "" {
		tx.Description = provider.NormalizeDescription(t.ProviderDescription)
	}
	tx.Category = c.categoryName(t.CategoryID)
	provider.Finalize(&tx)
	if tx.Category == "" {
		tx.Category, _ = c.categorizer.Categorize(tx)
	}
	return tx, nil
}

// ListTransactions returns one page; the cursor is Bridge's next_uri.
func (c *Client) ListTransactions(ctx context.Context, conn *model.Connection, query provider.TransactionQuery) (*provider.TransactionPage, error) {
	if !query.Start.IsZero() && !query.End.IsZero() && query.Start.After(query.End) {
		return nil, common.NewValidationError("start", "must be before end")
	}
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}

	target := query.Cursor
	var params url.Values
	if target == "" {
		target = "/v3/aggregation/transactions"
		params = url.Values{"limit": {"500"}}
		if !query.Start.IsZero() {
			params.Set("min_date", query.Start.Format("2006-01-02"))
		}
		if !query.End.IsZero() {
			params.Set("max_date", query.End.Format("2006-01-02"))
		}
		if query.AccountID != "" {
			params.Set("account_id", query.AccountID)
		}
	}

	var page listPage
	if err := c.do(ctx, hc, http.MethodGet, target, params, nil, &page); err != nil {
		return nil, err
	}
	var resources []bridgeTransaction
	if err := page.decode(&resources); err != nil {
		return nil, err
	}

	out := &provider.TransactionPage{NextCursor: page.Pagination.NextURI, HasMore: page.Pagination.NextURI != ""}
	for _, t := range resources {
		if t.Deleted {
			continue
		}
		tx, err := c.mapTransaction(conn.ID, t)
		if err != nil {
			return nil, err
		}
		out.Transactions = append(out.Transactions, tx)
	}
	return out, nil
}

// SyncTransactions lists everything updated since the cursor, an RFC 3339 timestamp.
func (c *Client) SyncTransactions(ctx context.Context, conn *model.Connection, cursor string) (*provider.SyncResult, error) {
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if cursor != "" {
		if since, err = time.Parse(time.RFC3339, cursor); err != nil {
			return nil, common.NewValidationError("cursor", "must be an RFC 3339 timestamp")
		}
	}

	query := url.Values{"limit": {"500"}}
	if !since.IsZero() {
		query.Set("since", since.Format(time.RFC3339))
	}

	result := &provider.SyncResult{}
	latest := since
	err = c.list(ctx, hc, "/v3/aggregation/transactions", query, func(page *listPage) error {
		var resources []bridgeTransaction
		if err := page.decode(&resources); err != nil {
			return err
		}
		for _, t := range resources {
			if t.UpdatedAt.After(latest) {
				latest = t.UpdatedAt
			}
			if t.Deleted {
				result.Removed = append(result.Removed, provider.TransactionID(ProviderID, strconv.FormatInt(t.ID, 10)))
				continue
			}
			tx, err := c.mapTransaction(conn.ID, t)
			if err != nil {
				return err
			}
			if !since.IsZero() && !t.UpdatedAt.IsZero() && tx.BookingDate.Before(since.Truncate(24*time.Hour)) {
				result.Modified = append(result.Modified, tx)
			} else {
				result.Added = append(result.Added, tx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if latest.IsZero() {
		latest = time.Now().UTC()
	}
	result.NextCursor = latest.UTC().Format(time.RFC3339)
	return result, nil
}

// Categorize returns the Bridge category already attached to the transaction or falls back
// to local rules.
func (c *Client) Categorize(_ context.Context, tx model.Transaction) (string, error) {
	if tx.Category != "" {
		return tx.Category, nil
	}
	category, _ := c.categorizer.Categorize(tx)
	return category, nil
}
