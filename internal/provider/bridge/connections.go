package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
)

type user struct {
	UUID           string `json:"uuid"`
	ExternalUserID string `json:"external_user_id"`
}

type connectSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type item struct {
	AuthenticationExpiresAt *time.Time `json:"authentication_expires_at"`
	StatusCodeInfo          string     `json:"status_code_info"`
	StatusCodeDescription   string     `json:"status_code_description"`
	ID                      int64      `json:"id"`
	ProviderID              int64      `json:"provider_id"`
	Status                  int        `json:"status"`
}

// itemStatus maps Bridge item status codes to connection statuses.
func itemStatus(code int) model.ConnectionStatus {
	switch code {
	case 0, -2, -3:
		return model.ConnectionConnected
	case 402, 429, 1010:
		return model.ConnectionPendingAuth
	case 430:
		return model.ConnectionExpired
	default:
		return model.ConnectionError
	}
}

// ensureUser returns the Bridge user for an application user id, creating it when missing.
func (c *Client) ensureUser(ctx context.Context, userID string) (*user, error) {
	var u user
	err := c.do(ctx, c.httpClient, http.MethodPost, "/v3/aggregation/users", nil,
		map[string]string{"external_user_id": userID}, &u)
	if err == nil {
		return &u, nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return nil, err
	}

	var page struct {
		Resources []user `json:"resources"`
	}
	if err := c.do(ctx, c.httpClient, http.MethodGet, "/v3/aggregation/users",
		url.Values{"external_user_id": {userID}}, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Resources) == 0 {
		return nil, fmt.Errorf("bridge user for %s: %w", userID, common.ErrNotFound)
	}
	return &page.Resources[0], nil
}

func (c *Client) connectSession(ctx context.Context, conn *model.Connection, providerID int64, callbackURL string) (*connectSession, error) {
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}

	body := map[string]any{}
	if providerID > 0 {
		body["provider_id"] = providerID
	}
	if callbackURL != "" {
		body["callback_url"] = callbackURL
	}
	if conn.Metadata.ItemID != "" {
		if id, err := strconv.ParseInt(conn.Metadata.ItemID, 10, 64); err == nil {
			body["item_id"] = id
		}
	}

	var session connectSession
	if err := c.do(ctx, hc, http.MethodPost, "/v3/aggregation/connect-sessions", nil, body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateConnection creates the Bridge user if needed and opens a connect session.
// The returned challenge redirects the user to the bank's SCA flow.
func (c *Client) CreateConnection(ctx context.Context, req provider.CreateConnectionRequest) (*provider.ConnectionResult, error) {
	b, err := c.findBank(ctx, req.BankID)
	if err != nil {
		return nil, err
	}

	u, err := c.ensureUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	conn := &model.Connection{UserID: req.UserID, Metadata: model.ConnectionMetadata{ExternalUserID: u.UUID}}
	session, err := c.connectSession(ctx, conn, b.ID, req.RedirectURL)
	if err != nil {
		return nil, err
	}

	tok, err := c.tokenSource(u.UUID).Token()
	if err != nil {
		return nil, err
	}

	c.logger.Info("Opened bridge connect session", "bank", b.Name, "session_id", session.ID)

	return &provider.ConnectionResult{
		Status:      model.ConnectionConnecting,
		BankName:    b.Name,
		AccessToken: tok.AccessToken,
		Auth:        &provider.AuthChallenge{RedirectURL: session.URL, SessionID: session.ID},
		Metadata: model.ConnectionMetadata{
			ExternalUserID: u.UUID,
			RedirectURL:    session.URL,
		},
	}, nil
}

func (c *Client) getItem(ctx context.Context, conn *model.Connection, itemID string) (*item, error) {
	if itemID == "" {
		return nil, common.NewValidationError("item_id", "is required")
	}
	hc, err := c.userClient(conn)
	if err != nil {
		return nil, err
	}
	var it item
	if err := c.do(ctx, hc, http.MethodGet, "/v3/aggregation/items/"+url.PathEscape(itemID), nil, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *Client) itemResult(it *item) *provider.ConnectionResult {
	res := &provider.ConnectionResult{
		Status:           itemStatus(it.Status),
		ExternalID:       strconv.FormatInt(it.ID, 10),
		ConsentExpiresAt: it.AuthenticationExpiresAt,
		Metadata: model.ConnectionMetadata{
			ItemID: strconv.FormatInt(it.ID, 10),
		},
	}
	if res.Status != model.ConnectionConnected {
		res.Metadata.ErrorCode = strconv.Itoa(it.Status)
		res.Metadata.LastError = it.StatusCodeDescription
		if res.Metadata.LastError == "" {
			res.Metadata.LastError = it.StatusCodeInfo
		}
	}
	return res
}

// GetConnection implements provider.Provider.
func (c *Client) GetConnection(ctx context.Context, conn *model.Connection) (*provider.ConnectionResult, error) {
	it, err := c.getItem(ctx, conn, conn.Metadata.ItemID)
	if err != nil {
		return nil, err
	}
	return c.itemResult(it), nil
}

// UpdateConnection refreshes the item status and, when the bank needs the user again,
// opens a reconnect session.
func (c *Client) UpdateConnection(ctx context.Context, conn *model.Connection) (*provider.ConnectionResult, error) {
	res, err := c.GetConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	if res.Status == model.ConnectionPendingAuth || res.Status == model.ConnectionExpired {
		challenge, err := c.InitiateAuth(ctx, conn, conn.Metadata.RedirectURL)
		if err != nil {
			return nil, err
		}
		res.Auth = challenge
	}
	return res, nil
}

// DeleteConnection removes the item, which revokes the consent at the bank.
func (c *Client) DeleteConnection(ctx context.Context, conn *model.Connection) error {
	if conn.Metadata.ItemID == "" {
		return nil
	}
	hc, err := c.userClient(conn)
	if err != nil {
		return err
	}
	err = c.do(ctx, hc, http.MethodDelete, "/v3/aggregation/items/"+url.PathEscape(conn.Metadata.ItemID), nil, nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

// InitiateAuth opens a connect session for an existing item.
func (c *Client) InitiateAuth(ctx context.Context, conn *model.Connection, redirectURL string) (*provider.AuthChallenge, error) {
	var providerID int64
	if conn.BankID != "" {
		if b, err := c.findBank(ctx, conn.BankID); err == nil {
			providerID = b.ID
		}
	}
	session, err := c.connectSession(ctx, conn, providerID, redirectURL)
	if err != nil {
		return nil, err
	}
	return &provider.AuthChallenge{RedirectURL: session.URL, SessionID: session.ID}, nil
}

// CompleteAuth reads the item created by the connect session. resp.Code carries the item_id
// query parameter of the callback.
func (c *Client) CompleteAuth(ctx context.Context, conn *model.Connection, resp provider.AuthResponse) (*provider.ConnectionResult, error) {
	itemID := resp.Code
	if itemID == "" {
		itemID = conn.Metadata.ItemID
	}
	if itemID == "" {
		return nil, common.NewValidationError("code", "item id is required")
	}

	it, err := c.getItem(ctx, conn, itemID)
	if err != nil {
		return nil, err
	}
	res := c.itemResult(it)
	res.Metadata.ExternalUserID = conn.Metadata.ExternalUserID

	tok, err := c.tokenSource(conn.Metadata.ExternalUserID).Token()
	if err != nil {
		return nil, err
	}
	res.AccessToken = tok.AccessToken
	return res, nil
}

// RotateTokens discards the cached user token and requests a new one.
func (c *Client) RotateTokens(_ context.Context, conn *model.Connection) (*provider.TokenPair, error) {
	if conn.Metadata.ExternalUserID == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no bridge user"}
	}
	c.dropTokenSource(conn.Metadata.ExternalUserID)
	tok, err := c.tokenSource(conn.Metadata.ExternalUserID).Token()
	if err != nil {
		return nil, err
	}
	expiry := tok.Expiry
	return &provider.TokenPair{AccessToken: tok.AccessToken, ExpiresAt: &expiry}, nil
}

// RevokeTokens forgets the user token. Bridge user tokens are short lived and expire on their own.
func (c *Client) RevokeTokens(_ context.Context, conn *model.Connection) error {
	if conn.Metadata.ExternalUserID != "" {
		c.dropTokenSource(conn.Metadata.ExternalUserID)
	}
	conn.ClearTokens()
	return nil
}
