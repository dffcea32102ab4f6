package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/golang-jwt/jwt/v5"
	"github.com/plaid/plaid-go/v20/plaid"
)

// ErrInvalidSignature is returned when a Plaid-Verification token does not match the body.
var ErrInvalidSignature = errors.New("invalid plaid webhook signature")

const defaultWebhookMaxAge = 5 * time.Minute

// KeyFetcher resolves the public key Plaid used to sign a webhook.
type KeyFetcher interface {
	VerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
}

// WebhookVerifier checks Plaid-Verification JWTs.
type WebhookVerifier struct {
	keys   KeyFetcher
	now    func() time.Time
	maxAge time.Duration
}

// NewWebhookVerifier creates a verifier. maxAge bounds the token's iat; zero means five minutes.
func NewWebhookVerifier(keys KeyFetcher, maxAge time.Duration) *WebhookVerifier {
	if maxAge <= 0 {
		maxAge = defaultWebhookMaxAge
	}
	return &WebhookVerifier{keys: keys, now: time.Now, maxAge: maxAge}
}

// Verify checks the ES256 signature, the token age and the request_body_sha256 claim.
func (v *WebhookVerifier) Verify(ctx context.Context, body []byte, token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing Plaid-Verification header", ErrInvalidSignature)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		key, err := v.keys.VerificationKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("no key for kid %s", kid)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithTimeFunc(v.now), jwt.WithIssuedAt())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: missing iat", ErrInvalidSignature)
	}
	if v.now().Sub(iat.Time) > v.maxAge {
		return fmt.Errorf("%w: token issued at %s is too old", ErrInvalidSignature, iat.Time.Format(time.RFC3339))
	}

	want, _ := claims["request_body_sha256"].(string)
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}

// parseECKey builds a P-256 public key from base64url JWK coordinates.
func parseECKey(x, y string) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("invalid jwk x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(y)
	if err != nil {
		return nil, fmt.Errorf("invalid jwk y: %w", err)
	}
	if len(xb) != 32 || len(yb) != 32 {
		return nil, errors.New("jwk coordinates must be 32 bytes")
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}

// sdkKeyFetcher loads keys from /webhook_verification_key/get and caches them by kid.
type sdkKeyFetcher struct {
	client *Client
	keys   map[string]*ecdsa.PublicKey
	mu     sync.Mutex
}

func newSDKKeyFetcher(c *Client) *sdkKeyFetcher {
	return &sdkKeyFetcher{client: c, keys: make(map[string]*ecdsa.PublicKey)}
}

func (f *sdkKeyFetcher) VerificationKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	f.mu.Lock()
	key, ok := f.keys[keyID]
	f.mu.Unlock()
	if ok {
		return key, nil
	}

	var x, y string
	var expired bool
	err := f.client.call(ctx, "webhook_verification_key_get", func() (*http.Response, error) {
		req := plaid.NewWebhookVerificationKeyGetRequest(keyID)
		resp, httpResp, err := f.client.api.PlaidApi.WebhookVerificationKeyGet(ctx).WebhookVerificationKeyGetRequest(*req).Execute()
		if err == nil {
			jwk := resp.GetKey()
			x, y = jwk.GetX(), jwk.GetY()
			expired = jwk.GetExpiredAt() != 0
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("verification key %s has expired", keyID)
	}

	key, err = parseECKey(x, y)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.keys[keyID] = key
	f.mu.Unlock()
	return key, nil
}

// RegisterWebhook points the item's webhook at sub.URL. Plaid has one webhook per item,
// so the item id doubles as the subscription id.
func (c *Client) RegisterWebhook(ctx context.Context, conn *model.Connection, sub provider.WebhookSubscription) (string, error) {
	if sub.URL == "" {
		return "", common.NewValidationError("url", "is required")
	}
	if err := c.updateWebhook(ctx, conn, sub.URL); err != nil {
		return "", err
	}
	return conn.Metadata.ItemID, nil
}

// RemoveWebhook clears the item's webhook URL.
func (c *Client) RemoveWebhook(ctx context.Context, conn *model.Connection, _ string) error {
	err := c.updateWebhook(ctx, conn, "")
	if isMissing(err) {
		return nil
	}
	return err
}

func (c *Client) updateWebhook(ctx context.Context, conn *model.Connection, webhookURL string) error {
	if conn.AccessToken == "" {
		return &common.AuthenticationError{Provider: ProviderID, Message: "connection has no access token"}
	}
	return c.call(ctx, "item_webhook_update", func() (*http.Response, error) {
		req := plaid.NewItemWebhookUpdateRequest(conn.AccessToken)
		req.SetWebhook(webhookURL)
		_, httpResp, err := c.api.PlaidApi.ItemWebhookUpdate(ctx).ItemWebhookUpdateRequest(*req).Execute()
		return httpResp, err
	})
}

// ValidateWebhookSignature verifies the Plaid-Verification header value.
func (c *Client) ValidateWebhookSignature(ctx context.Context, payload []byte, signature string) error {
	return c.verifier.Verify(ctx, payload, signature)
}

type webhookPayload struct {
	Error *struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
	WebhookType           string   `json:"webhook_type"`
	WebhookCode           string   `json:"webhook_code"`
	ItemID                string   `json:"item_id"`
	ConsentExpirationTime string   `json:"consent_expiration_time"`
	RemovedTransactions   []string `json:"removed_transactions"`
}

// ParseWebhook converts a native Plaid payload into the canonical envelope.
// Plaid sends no event id, so the id is derived from the payload hash.
func (c *Client) ParseWebhook(payload []byte) (*model.WebhookEnvelope, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, common.NewValidationError("payload", "not valid JSON")
	}
	if p.ItemID == "" {
		return nil, common.NewValidationError("item_id", "is required")
	}

	sum := sha256.Sum256(payload)
	env := &model.WebhookEnvelope{
		ExternalID: p.ItemID,
		EventID:    fmt.Sprintf("%s:%s:%s:%s", p.WebhookType, p.WebhookCode, p.ItemID, hex.EncodeToString(sum[:8])),
	}
	data := map[string]any{}
	errorCode, errorMessage := "", ""
	if p.Error != nil {
		errorCode, errorMessage = p.Error.ErrorCode, p.Error.ErrorMessage
	}

	switch p.WebhookType + ":" + p.WebhookCode {
	case "TRANSACTIONS:SYNC_UPDATES_AVAILABLE", "TRANSACTIONS:INITIAL_UPDATE",
		"TRANSACTIONS:HISTORICAL_UPDATE", "TRANSACTIONS:DEFAULT_UPDATE":
		env.Type = model.EventTransactionCreated
	case "TRANSACTIONS:TRANSACTIONS_REMOVED":
		env.Type = model.EventTransactionUpdated
		data["removed"] = p.RemovedTransactions
	case "ITEM:ERROR":
		status := itemStatus(errorCode, nil, time.Now())
		if status == model.ConnectionError {
			env.Type = model.EventConnectionError
		} else {
			env.Type = model.EventConnectionStatusChanged
			data["status"] = string(status)
		}
		data["reason"] = errorCode + ": " + errorMessage
	case "ITEM:PENDING_EXPIRATION", "ITEM:PENDING_DISCONNECT":
		env.Type = model.EventConnectionStatusChanged
		data["status"] = string(model.ConnectionPendingAuth)
		data["reason"] = "consent expires " + p.ConsentExpirationTime
	case "ITEM:USER_PERMISSION_REVOKED", "ITEM:USER_ACCOUNT_REVOKED":
		env.Type = model.EventConnectionExpired
		data["reason"] = p.WebhookCode
	case "ITEM:LOGIN_REPAIRED":
		env.Type = model.EventConnectionStatusChanged
		data["status"] = string(model.ConnectionConnected)
	default:
		return nil, common.NewValidationError("webhook_code", "unhandled plaid webhook "+p.WebhookType+" "+p.WebhookCode)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook data: %w", err)
	}
	env.Data = raw
	return env, nil
}
