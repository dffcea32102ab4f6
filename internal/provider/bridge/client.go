// Package bridge adapts the Bridge aggregation REST API to the provider contract.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"golang.org/x/oauth2"
)

// ProviderID is the registry id of this adapter.
const ProviderID = "bridge"

const (
	defaultBaseURL = "https://api.bridgeapi.io"
	defaultVersion = "2025-01-15"
)

// Config holds Bridge API configuration.
type Config struct {
	HTTPClient    *http.Client
	ClientID      string
	ClientSecret  string
	BaseURL       string
	Version       string
	WebhookSecret string
	CountryCode   string
	CategoryRules []model.CategoryRule
	Timeout       time.Duration
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: bridge client ID is required", common.ErrMissingConfig)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%w: bridge client secret is required", common.ErrMissingConfig)
	}
	return nil
}

// Client implements provider.Provider for Bridge.
type Client struct {
	httpClient    *http.Client
	logger        *slog.Logger
	categorizer   *provider.Categorizer
	tokens        map[string]oauth2.TokenSource
	banks         map[string]bank
	categories    map[int64]string
	clientID      string
	clientSecret  string
	baseURL       string
	version       string
	webhookSecret string
	countryCode   string
	retryOpts     common.RetryOptions
	mu            sync.Mutex
}

// NewClient creates a Bridge adapter.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	version := cfg.Version
	if version == "" {
		version = defaultVersion
	}
	country := cfg.CountryCode
	if country == "" {
		country = "FR"
	}
	rules := cfg.CategoryRules
	if rules == nil {
		rules = provider.DefaultCategoryRules()
	}

	return &Client{
		httpClient:    httpClient,
		logger:        slog.Default().With("component", "bridge"),
		categorizer:   provider.NewCategorizer(rules),
		tokens:        make(map[string]oauth2.TokenSource),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		baseURL:       baseURL,
		version:       version,
		webhookSecret: cfg.WebhookSecret,
		countryCode:   country,
		retryOpts:     common.DefaultRetryOptions(),
	}, nil
}

// ID implements provider.Provider.
func (c *Client) ID() string { return ProviderID }

// Capabilities implements provider.Provider.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{Webhooks: true, SCA: true, Sync: true, TokenRotation: true}
}

// Initialize loads the bank directory and the category tree.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.loadBanks(ctx); err != nil {
		return fmt.Errorf("failed to load bridge providers: %w", err)
	}
	if _, err := c.loadCategories(ctx); err != nil {
		c.logger.Warn("Failed to load bridge categories, using local rules", "error", err)
	}
	return nil
}

// HealthCheck implements provider.Provider.
func (c *Client) HealthCheck(ctx context.Context) error {
	var page struct {
		Resources []json.RawMessage `json:"resources"`
	}
	return c.do(ctx, c.httpClient, http.MethodGet, "/v3/providers", url.Values{"limit": {"1"}}, nil, &page)
}

// userTokenSource fetches per-user bearer tokens from the authorization endpoint.
type userTokenSource struct {
	c        *Client
	userUUID string
}

type tokenResponse struct {
	ExpiresAt   time.Time `json:"expires_at"`
	AccessToken string    `json:"access_token"`
}

// Token implements oauth2.TokenSource.
func (s *userTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp tokenResponse
	body := map[string]string{"user_uuid": s.userUUID}
	if err := s.c.do(ctx, s.c.httpClient, http.MethodPost, "/v3/aggregation/authorization/token", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "empty access token"}
	}
	return &oauth2.Token{AccessToken: resp.AccessToken, TokenType: "Bearer", Expiry: resp.ExpiresAt}, nil
}

// tokenSource returns the cached, self-refreshing token source of a Bridge user.
func (c *Client) tokenSource(userUUID string) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tokens[userUUID]
	if !ok {
		ts = oauth2.ReuseTokenSource(nil, &userTokenSource{c: c, userUUID: userUUID})
		c.tokens[userUUID] = ts
	}
	return ts
}

func (c *Client) dropTokenSource(userUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, userUUID)
}

// userClient returns an HTTP client that authenticates as the connection's Bridge user.
func (c *Client) userClient(conn *model.Connection) (*http.Client, error) {
	if conn == nil || conn.Metadata.ExternalUserID == "" {
		return nil, &common.AuthenticationError{Provider: ProviderID, Message: "connection has no bridge user"}
	}
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: c.tokenSource(conn.Metadata.ExternalUserID),
			Base:   base,
		},
	}, nil
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Errors  []struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"errors"`
}

// do performs one JSON request with retry. target is either an API path or a next_uri.
func (c *Client) do(ctx context.Context, hc *http.Client, method, target string, query url.Values, body, out any) error {
	u := c.baseURL + target
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return common.WithRetry(ctx, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Bridge-Version", c.version)
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Client-Secret", c.clientSecret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := hc.Do(req)
		if err != nil {
			return c.transportError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return c.statusError(resp)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode bridge response: %w", err)
		}
		return nil
	}, c.retryOpts)
}

// transportError keeps typed errors raised by the token source and maps the rest.
func (c *Client) transportError(err error) error {
	var authErr *common.AuthenticationError
	var rateErr *common.RateLimitError
	var valErr *common.ValidationError
	var apiErr *common.APIError
	if errors.As(err, &authErr) || errors.As(err, &rateErr) || errors.As(err, &valErr) || errors.As(err, &apiErr) {
		return err
	}
	return provider.MapError(provider.HTTPFailure{Provider: ProviderID, Err: err})
}

func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)

	code, message := body.Code, body.Message
	if code == "" {
		code = body.Type
	}
	if len(body.Errors) > 0 {
		if code == "" {
			code = body.Errors[0].Code
		}
		if body.Errors[0].Property != "" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity) {
			code = body.Errors[0].Property
		}
		if message == "" {
			message = body.Errors[0].Message
		}
	}
	if message == "" && code == "" {
		message = strings.TrimSpace(string(raw))
	}

	return provider.MapError(provider.HTTPFailure{
		Provider:   ProviderID,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Code:       code,
		Message:    message,
	})
}

// pagination is embedded in every list response.
type pagination struct {
	NextURI string `json:"next_uri"`
}

var _ provider.Provider = (*Client)(nil)
var _ provider.WebhookParser = (*Client)(nil)
