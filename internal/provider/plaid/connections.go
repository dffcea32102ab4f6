package plaid

import (
	"context"
	"net/http"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/plaid/plaid-go/v20/plaid"
)

// itemStatus derives the connection status from an item's error code and consent window.
func itemStatus(errorCode string, consentExpiresAt *time.Time, now time.Time) model.ConnectionStatus {
	switch errorCode {
	case "":
		if consentExpiresAt != nil && !now.Before(*consentExpiresAt) {
			return model.ConnectionExpired
		}
		return model.ConnectionConnected
	case "ITEM_LOGIN_REQUIRED", "PENDING_EXPIRATION", "ACCESS_NOT_GRANTED", "ITEM_LOCKED":
		return model.ConnectionPendingAuth
	case "USER_PERMISSION_REVOKED", "ITEM_NOT_FOUND":
		return model.ConnectionExpired
	default:
		return model.ConnectionError
	}
}

// linkToken opens a Plaid Link session. With an access token it runs in update mode.
func (c *Client) linkToken(ctx context.Context, userID, accessToken, redirectURL, webhookURL string) (*provider.AuthChallenge, error) {
	var challenge provider.AuthChallenge
	err := c.call(ctx, "link_token_create", func() (*http.Response, error) {
		user := plaid.LinkTokenCreateRequestUser{ClientUserId: userID}
		req := plaid.NewLinkTokenCreateRequest(c.clientName, c.language, c.countryCodes, user)
		if accessToken != "" {
			req.SetAccessToken(accessToken)
		} else {
			req.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})
		}
		if redirectURL != "" {
			req.SetRedirectUri(redirectURL)
		}
		if webhookURL != "" {
			req.SetWebhook(webhookURL)
		}
		resp, httpResp, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*req).Execute()
		if err == nil {
			expires := resp.GetExpiration()
			challenge = provider.AuthChallenge{
				Challenge:   resp.GetLinkToken(),
				SessionID:   resp.GetRequestId(),
				RedirectURL: redirectURL,
				ExpiresAt:   &expires,
			}
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// CreateConnection creates a Link token. The user completes SCA in Link and the
// resulting public token is exchanged by CompleteAuth.
func (c *Client) CreateConnection(ctx context.Context, req provider.CreateConnectionRequest) (*provider.ConnectionResult, error) {
	if req.UserID == "" {
		return nil, common.NewValidationError("user_id", "is required")
	}

	bankName := ""
	if req.BankID != "" {
		inst, err := c.institution(ctx, req.BankID)
		if err != nil {
			if isMissing(err) {
				return nil, &common.ValidationError{Field: "bank_id", Message: req.BankID + " is not available through plaid", Err: common.ErrUnsupportedBank}
			}
			return nil, err
		}
		bankName = inst.GetName()
	}

	challenge, err := c.linkToken(ctx, req.UserID, "", req.RedirectURL, req.WebhookURL)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Created plaid link token", "bank", req.BankID)

	return &provider.ConnectionResult{
		Status:   model.ConnectionConnecting,
		BankName: bankName,
		Auth:     challenge,
		Metadata: model.ConnectionMetadata{RedirectURL: req.RedirectURL},
	}, nil
}

type itemInfo struct {
	consentExpiresAt *time.Time
	itemID           string
	institutionID    string
	errorCode        string
	errorMessage     string
}

func (c *Client) getItem(ctx context.Context, accessToken string) (*itemInfo, error) {
	if accessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}
	var info itemInfo
	err := c.call(ctx, "item_get", func() (*http.Response, error) {
		req := plaid.NewItemGetRequest(accessToken)
		resp, httpResp, err := c.api.PlaidApi.ItemGet(ctx).ItemGetRequest(*req).Execute()
		if err == nil {
			item := resp.GetItem()
			itemErr := item.GetError()
			info = itemInfo{
				itemID:        item.GetItemId(),
				institutionID: item.GetInstitutionId(),
				errorCode:     itemErr.ErrorCode,
				errorMessage:  itemErr.ErrorMessage,
			}
			if exp := item.GetConsentExpirationTime(); !exp.IsZero() {
				info.consentExpiresAt = &exp
			}
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (info *itemInfo) result(now time.Time) *provider.ConnectionResult {
	res := &provider.ConnectionResult{
		Status:           itemStatus(info.errorCode, info.consentExpiresAt, now),
		ExternalID:       info.itemID,
		ConsentExpiresAt: info.consentExpiresAt,
		Metadata:         model.ConnectionMetadata{ItemID: info.itemID},
	}
	if info.errorCode != "" {
		res.Metadata.ErrorCode = info.errorCode
		res.Metadata.LastError = info.errorMessage
	}
	return res
}

// GetConnection implements provider.Provider.
func (c *Client) GetConnection(ctx context.Context, conn *model.Connection) (*provider.ConnectionResult, error) {
	info, err := c.getItem(ctx, conn.AccessToken)
	if err != nil {
		return nil, err
	}
	return info.result(time.Now()), nil
}

// UpdateConnection refreshes the item and opens Link in update mode when the user
// has to authenticate again.
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

// DeleteConnection removes the item. Plaid invalidates the access token with it.
func (c *Client) DeleteConnection(ctx context.Context, conn *model.Connection) error {
	if conn.AccessToken == "" {
		return nil
	}
	err := c.call(ctx, "item_remove", func() (*http.Response, error) {
		req := plaid.NewItemRemoveRequest(conn.AccessToken)
		_, httpResp, err := c.api.PlaidApi.ItemRemove(ctx).ItemRemoveRequest(*req).Execute()
		return httpResp, err
	})
	if isMissing(err) {
		return nil
	}
	return err
}

// InitiateAuth creates an update-mode Link token for an existing item.
func (c *Client) InitiateAuth(ctx context.Context, conn *model.Connection, redirectURL string) (*provider.AuthChallenge, error) {
	if conn.AccessToken == "" {
		return c.linkToken(ctx, conn.UserID, "", redirectURL, "")
	}
	return c.linkToken(ctx, conn.UserID, conn.AccessToken, redirectURL, "")
}

// CompleteAuth exchanges the public token returned by Link for an access token.
// The update-mode flow returns no public token; the existing item is re-read.
func (c *Client) CompleteAuth(ctx context.Context, conn *model.Connection, resp provider.AuthResponse) (*provider.ConnectionResult, error) {
	publicToken := resp.PublicToken
	if publicToken == "" {
		publicToken = resp.Code
	}

	accessToken := conn.AccessToken
	if publicToken != "" {
		err := c.call(ctx, "item_public_token_exchange", func() (*http.Response, error) {
			req := plaid.NewItemPublicTokenExchangeRequest(publicToken)
			out, httpResp, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*req).Execute()
			if err == nil {
				accessToken = out.GetAccessToken()
			}
			return httpResp, err
		})
		if err != nil {
			return nil, err
		}
	}
	if accessToken == "" {
		return nil, common.NewValidationError("public_token", "is required")
	}

	info, err := c.getItem(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	res := info.result(time.Now())
	res.AccessToken = accessToken
	return res, nil
}

// RotateTokens invalidates the current access token and returns its replacement.
func (c *Client) RotateTokens(ctx context.Context, conn *model.Connection) (*provider.TokenPair, error) {
	if conn.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}
	var pair provider.TokenPair
	err := c.call(ctx, "item_access_token_invalidate", func() (*http.Response, error) {
		req := plaid.NewItemAccessTokenInvalidateRequest(conn.AccessToken)
		resp, httpResp, err := c.api.PlaidApi.ItemAccessTokenInvalidate(ctx).ItemAccessTokenInvalidateRequest(*req).Execute()
		if err == nil {
			pair.AccessToken = resp.GetNewAccessToken()
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// RevokeTokens removes the item, which is how Plaid revokes an access token for good.
func (c *Client) RevokeTokens(ctx context.Context, conn *model.Connection) error {
	if err := c.DeleteConnection(ctx, conn); err != nil {
		return err
	}
	conn.ClearTokens()
	return nil
}
