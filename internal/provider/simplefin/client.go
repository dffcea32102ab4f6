// Package simplefin adapts the SimpleFIN Bridge protocol to the provider contract.
package simplefin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/shopspring/decimal"
)

// ProviderID is the registry id of this adapter.
const ProviderID = "simplefin"

const defaultBridgeURL = "https://beta-bridge.simplefin.org/simplefin"

// Config holds SimpleFIN adapter configuration.
type Config struct {
	HTTPClient *http.Client
	// BridgeURL is the bridge root used for health checks and the token creation page.
	BridgeURL     string
	CategoryRules []model.CategoryRule
	Timeout       time.Duration
}

// Client implements provider.Provider for SimpleFIN.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	categorizer *provider.Categorizer
	bridgeURL   string
	retryOpts   common.RetryOptions
}

// accountSet is the /accounts response.
type accountSet struct {
	Errors   []string  `json:"errors"`
	Accounts []account `json:"accounts"`
}

type organization struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	ID     string `json:"id"`
}

type account struct {
	AvailableBalance *string       `json:"available-balance"`
	Org              organization  `json:"org"`
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Currency         string        `json:"currency"`
	Balance          string        `json:"balance"`
	Transactions     []transaction `json:"transactions"`
	BalanceDate      int64         `json:"balance-date"`
}

type transaction struct {
	ID           string `json:"id"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	Payee        string `json:"payee"`
	Memo         string `json:"memo"`
	Posted       int64  `json:"posted"`
	TransactedAt int64  `json:"transacted_at"`
	Pending      bool   `json:"pending"`
}

// NewClient creates a SimpleFIN adapter. Access URLs are per connection and travel in
// Connection.AccessToken.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	bridgeURL := strings.TrimRight(cfg.BridgeURL, "/")
	if bridgeURL == "" {
		bridgeURL = defaultBridgeURL
	}
	rules := cfg.CategoryRules
	if rules == nil {
		rules = provider.DefaultCategoryRules()
	}

	return &Client{
		httpClient:  httpClient,
		bridgeURL:   bridgeURL,
		categorizer: provider.NewCategorizer(rules),
		logger:      slog.Default().With("component", "simplefin"),
		retryOpts:   common.DefaultRetryOptions(),
	}
}

// ID implements provider.Provider.
func (c *Client) ID() string { return ProviderID }

// Capabilities implements provider.Provider.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{SCA: true}
}

// Initialize implements provider.Provider.
func (c *Client) Initialize(_ context.Context) error {
	if _, err := url.Parse(c.bridgeURL); err != nil {
		return fmt.Errorf("%w: simplefin bridge url: %w", common.ErrInvalidConfig, err)
	}
	return nil
}

// HealthCheck implements provider.Provider using the bridge /info endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return common.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bridgeURL+"/info", nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return provider.MapError(provider.HTTPFailure{Provider: ProviderID, Err: err})
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}
		return nil
	}, c.retryOpts)
}

// SupportsBank implements provider.Provider. The bank is chosen on the SimpleFIN side,
// so any institution is accepted.
func (c *Client) SupportsBank(_ context.Context, bankID string) (bool, error) {
	return strings.TrimSpace(bankID) != "", nil
}

// CreateConnection claims SetupToken when present; otherwise it returns an SCA challenge
// pointing at the bridge token creation page.
func (c *Client) CreateConnection(ctx context.Context, req provider.CreateConnectionRequest) (*provider.ConnectionResult, error) {
	if req.SetupToken == "" {
		return &provider.ConnectionResult{
			Status:   model.ConnectionConnecting,
			BankName: req.BankID,
			Auth:     &provider.AuthChallenge{RedirectURL: c.bridgeURL + "/create"},
		}, nil
	}

	accessURL, err := c.claimToken(ctx, req.SetupToken)
	if err != nil {
		return nil, err
	}
	return &provider.ConnectionResult{
		Status:      model.ConnectionConnecting,
		BankName:    req.BankID,
		AccessToken: accessURL,
	}, nil
}

// claimToken exchanges a base64 setup token for an access URL.
func (c *Client) claimToken(ctx context.Context, token string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(strings.TrimSpace(token))
		if err != nil {
			return "", common.NewValidationError("setup_token", "not a valid SimpleFIN setup token")
		}
	}

	claimURL := string(decoded)
	if !strings.HasPrefix(claimURL, "http://") && !strings.HasPrefix(claimURL, "https://") {
		return "", common.NewValidationError("setup_token", "does not decode to a claim URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claimURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create claim request: %w", err)
	}
	req.Header.Set("Content-Length", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", provider.MapError(provider.HTTPFailure{Provider: ProviderID, Message: "claim", Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read access URL: %w", err)
	}
	accessURL := strings.TrimSpace(string(body))
	if !strings.HasPrefix(accessURL, "http://") && !strings.HasPrefix(accessURL, "https://") {
		return "", &common.APIError{Provider: ProviderID, Code: "invalid_access_url", Message: "claim returned an invalid access URL"}
	}

	c.logger.Info("Claimed SimpleFIN access URL")
	return accessURL, nil
}

// GetConnection implements provider.Provider.
func (c *Client) GetConnection(ctx context.Context, conn *model.Connection) (*provider.ConnectionResult, error) {
	set, err := c.fetchAccounts(ctx, conn, url.Values{"balances-only": {"1"}})
	if err != nil {
		var authErr *common.AuthenticationError
		if errors.As(err, &authErr) {
			return &provider.ConnectionResult{
				Status:   model.ConnectionExpired,
				Metadata: model.ConnectionMetadata{LastError: authErr.Error(), ErrorCode: "access_revoked"},
			}, nil
		}
		return nil, err
	}

	result := &provider.ConnectionResult{Status: model.ConnectionConnected, BankName: conn.BankName}
	if len(set.Accounts) > 0 && set.Accounts[0].Org.Name != "" {
		result.BankName = set.Accounts[0].Org.Name
	}
	if len(set.Errors) > 0 {
		result.Status = model.ConnectionError
		result.Metadata.LastError = strings.Join(set.Errors, "; ")
	}
	return result, nil
}

// UpdateConnection implements provider.Provider.
func (c *Client) UpdateConnection(ctx context.Context, conn *model.Connection) (*provider.ConnectionResult, error) {
	return c.GetConnection(ctx, conn)
}

// DeleteConnection implements provider.Provider. SimpleFIN access is revoked from the
// bridge UI; locally the access URL is dropped.
func (c *Client) DeleteConnection(ctx context.Context, conn *model.Connection) error {
	return c.RevokeTokens(ctx, conn)
}

// InitiateAuth implements provider.Provider.
func (c *Client) InitiateAuth(_ context.Context, _ *model.Connection, _ string) (*provider.AuthChallenge, error) {
	return &provider.AuthChallenge{RedirectURL: c.bridgeURL + "/create"}, nil
}

// CompleteAuth claims the setup token returned by the user (resp.Code) and verifies access.
func (c *Client) CompleteAuth(ctx context.Context, conn *model.Connection, resp provider.AuthResponse) (*provider.ConnectionResult, error) {
	accessURL := conn.AccessToken
	if resp.Code != "" {
		claimed, err := c.claimToken(ctx, resp.Code)
		if err != nil {
			return nil, err
		}
		accessURL = claimed
	}
	if accessURL == "" {
		return nil, common.NewValidationError("code", "setup token is required")
	}

	verify := *conn
	verify.AccessToken = accessURL
	result, err := c.GetConnection(ctx, &verify)
	if err != nil {
		return nil, err
	}
	result.AccessToken = accessURL
	return result, nil
}

// ListAccounts implements provider.Provider.
func (c *Client) ListAccounts(ctx context.Context, conn *model.Connection) ([]model.Account, error) {
	set, err := c.fetchAccounts(ctx, conn, url.Values{"balances-only": {"1"}})
	if err != nil {
		return nil, err
	}

	accounts := make([]model.Account, 0, len(set.Accounts))
	for _, a := range set.Accounts {
		acc, err := mapAccount(conn.ID, a)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// RefreshBalance implements provider.Provider.
func (c *Client) RefreshBalance(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error) {
	set, err := c.fetchAccounts(ctx, conn, url.Values{"balances-only": {"1"}, "account": {accountExternalID}})
	if err != nil {
		return nil, err
	}
	for _, a := range set.Accounts {
		if a.ID == accountExternalID {
			acc, err := mapAccount(conn.ID, a)
			if err != nil {
				return nil, err
			}
			return &acc, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", accountExternalID, common.ErrNotFound)
}

// ListTransactions implements provider.Provider. SimpleFIN returns the whole range in one page.
func (c *Client) ListTransactions(ctx context.Context, conn *model.Connection, query provider.TransactionQuery) (*provider.TransactionPage, error) {
	if !query.Start.IsZero() && !query.End.IsZero() && query.Start.After(query.End) {
		return nil, common.NewValidationError("start", "must be before end")
	}

	params := url.Values{}
	if !query.Start.IsZero() {
		params.Set("start-date", strconv.FormatInt(query.Start.Unix(), 10))
	}
	if !query.End.IsZero() {
		// end-date is exclusive
		params.Set("end-date", strconv.FormatInt(query.End.AddDate(0, 0, 1).Unix(), 10))
	}
	if query.AccountID != "" {
		params.Set("account", query.AccountID)
	}
	params.Set("pending", "1")

	set, err := c.fetchAccounts(ctx, conn, params)
	if err != nil {
		return nil, err
	}

	txs, err := c.mapTransactions(conn.ID, set)
	if err != nil {
		return nil, err
	}
	return &provider.TransactionPage{Transactions: txs}, nil
}

// SyncTransactions implements provider.Provider. The cursor is the unix time of the previous
// sync; the next cursor is the current time.
func (c *Client) SyncTransactions(ctx context.Context, conn *model.Connection, cursor string) (*provider.SyncResult, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -90)
	if cursor != "" {
		secs, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, common.NewValidationError("cursor", "must be a unix timestamp")
		}
		// overlap by a few days so late-posting transactions are picked up
		start = time.Unix(secs, 0).UTC().AddDate(0, 0, -3)
	}

	page, err := c.ListTransactions(ctx, conn, provider.TransactionQuery{Start: start, End: now})
	if err != nil {
		return nil, err
	}
	return &provider.SyncResult{
		Added:      page.Transactions,
		NextCursor: strconv.FormatInt(now.Unix(), 10),
	}, nil
}

func unsupported(what string) error {
	return &common.ValidationError{Field: what, Message: "not supported by simplefin", Err: common.ErrUnsupportedOperation}
}

// RegisterWebhook implements provider.Provider. SimpleFIN has no push notifications.
func (c *Client) RegisterWebhook(_ context.Context, _ *model.Connection, _ provider.WebhookSubscription) (string, error) {
	return "", unsupported("webhook")
}

// RemoveWebhook implements provider.Provider.
func (c *Client) RemoveWebhook(_ context.Context, _ *model.Connection, _ string) error {
	return unsupported("webhook")
}

// ValidateWebhookSignature implements provider.Provider.
func (c *Client) ValidateWebhookSignature(_ context.Context, _ []byte, _ string) error {
	return unsupported("webhook")
}

// Categorize implements provider.Provider with local rules.
func (c *Client) Categorize(_ context.Context, tx model.Transaction) (string, error) {
	if tx.Category != "" {
		return tx.Category, nil
	}
	category, _ := c.categorizer.Categorize(tx)
	return category, nil
}

// RotateTokens implements provider.Provider.
func (c *Client) RotateTokens(_ context.Context, _ *model.Connection) (*provider.TokenPair, error) {
	return nil, unsupported("token_rotation")
}

// RevokeTokens implements provider.Provider.
func (c *Client) RevokeTokens(_ context.Context, conn *model.Connection) error {
	c.logger.Info("Dropping SimpleFIN access URL", "connection_id", conn.ID)
	conn.ClearTokens()
	return nil
}

func (c *Client) fetchAccounts(ctx context.Context, conn *model.Connection, params url.Values) (*accountSet, error) {
	if conn == nil || conn.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access URL"}
	}

	u, err := url.Parse(strings.TrimRight(conn.AccessToken, "/") + "/accounts")
	if err != nil {
		return nil, common.NewValidationError("access_url", "is not a valid URL")
	}
	u.RawQuery = params.Encode()

	var set accountSet
	err = common.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		c.logger.Debug("Requesting SimpleFIN accounts", "params", params.Encode())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return provider.MapError(provider.HTTPFailure{Provider: ProviderID, Err: err})
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}, c.retryOpts)
	if err != nil {
		return nil, err
	}

	for _, msg := range set.Errors {
		c.logger.Warn("SimpleFIN reported an error", "connection_id", conn.ID, "message", msg)
	}
	return &set, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return provider.MapError(provider.HTTPFailure{
		Provider:   ProviderID,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Message:    strings.TrimSpace(string(body)),
	})
}

func (c *Client) mapTransactions(connectionID string, set *accountSet) ([]model.Transaction, error) {
	var txs []model.Transaction
	for _, a := range set.Accounts {
		for _, t := range a.Transactions {
			tx, err := mapTransaction(connectionID, a, t)
			if err != nil {
				return nil, err
			}
			if tx.Category == "" {
				tx.Category, _ = c.categorizer.Categorize(tx)
			}
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func mapAccount(connectionID string, a account) (model.Account, error) {
	balance, err := decimal.NewFromString(a.Balance)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to parse balance %q: %w", a.Balance, err)
	}
	acc := model.Account{
		ID:           provider.AccountID(connectionID, a.ID),
		ConnectionID: connectionID,
		ExternalID:   a.ID,
		Name:         a.Name,
		Type:         model.ParseAccountType(guessType(a.Name)),
		Currency:     strings.ToUpper(a.Currency),
		Balance:      balance,
		Active:       true,
		UpdatedAt:    time.Unix(a.BalanceDate, 0).UTC(),
	}
	if a.AvailableBalance != nil && *a.AvailableBalance != "" {
		avail, err := decimal.NewFromString(*a.AvailableBalance)
		if err != nil {
			return model.Account{}, fmt.Errorf("failed to parse available balance %q: %w", *a.AvailableBalance, err)
		}
		acc.AvailableBalance = &avail
	}
	return acc, nil
}

// guessType infers an account type from the display name; SimpleFIN does not send one.
func guessType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "saving"):
		return "savings"
	case strings.Contains(lower, "card") || strings.Contains(lower, "credit"):
		return "credit"
	case strings.Contains(lower, "loan") || strings.Contains(lower, "mortgage"):
		return "loan"
	case strings.Contains(lower, "brokerage") || strings.Contains(lower, "ira") || strings.Contains(lower, "401k"):
		return "investment"
	default:
		return "checking"
	}
}

func mapTransaction(connectionID string, a account, t transaction) (model.Transaction, error) {
	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("failed to parse amount %q: %w", t.Amount, err)
	}

	booked := time.Unix(t.Posted, 0).UTC()
	valued := booked
	if t.TransactedAt > 0 {
		valued = time.Unix(t.TransactedAt, 0).UTC()
	}

	status := model.TransactionPosted
	if t.Pending || t.Posted == 0 {
		status = model.TransactionPending
		if t.Posted == 0 {
			booked = valued
		}
	}

	raw := t.Description
	if raw == "" {
		raw = t.Payee
	}

	tx := model.Transaction{
		ID:             provider.TransactionID(ProviderID, a.ID+"_"+t.ID),
		AccountID:      provider.AccountID(connectionID, a.ID),
		ExternalID:     t.ID,
		BookingDate:    booked,
		ValueDate:      valued,
		Amount:         amount,
		Currency:       a.Currency,
		RawDescription: raw,
		Counterparty:   t.Payee,
		Reference:      t.Memo,
		Status:         status,
	}
	provider.Finalize(&tx)
	return tx, nil
}

var _ provider.Provider = (*Client)(nil)
