// Package plaid adapts the Plaid API to the provider contract.
package plaid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/plaid/plaid-go/v20/plaid"
)

// ProviderID is the registry id of this adapter.
const ProviderID = "plaid"

// Config holds Plaid API configuration.
type Config struct {
	HTTPClient  *http.Client
	ClientID    string
	Secret      string
	Environment string // sandbox or production
	// BaseURL overrides the environment host.
	BaseURL             string
	ClientName          string
	Language            string
	HealthInstitutionID string
	CountryCodes        []string
	CategoryRules       []model.CategoryRule
	Timeout             time.Duration
	WebhookMaxAge       time.Duration
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: plaid client ID is required", common.ErrMissingConfig)
	}
	if c.Secret == "" {
		return fmt.Errorf("%w: plaid secret is required", common.ErrMissingConfig)
	}
	if c.BaseURL != "" {
		return nil
	}
	switch c.Environment {
	case "sandbox", "production":
		return nil
	case "":
		return fmt.Errorf("%w: plaid environment is required", common.ErrMissingConfig)
	default:
		return fmt.Errorf("%w: plaid environment must be sandbox or production", common.ErrInvalidConfig)
	}
}

// Client implements provider.Provider for Plaid.
type Client struct {
	api          *plaid.APIClient
	logger       *slog.Logger
	categorizer  *provider.Categorizer
	verifier     *WebhookVerifier
	clientName   string
	language     string
	healthInstID string
	countryCodes []plaid.CountryCode
	retryOpts    common.RetryOptions
}

// NewClient creates a Plaid adapter.
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

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	configuration.HTTPClient = httpClient
	switch {
	case cfg.BaseURL != "":
		configuration.UseEnvironment(plaid.Environment(strings.TrimRight(cfg.BaseURL, "/")))
	case cfg.Environment == "production":
		configuration.UseEnvironment(plaid.Production)
	default:
		configuration.UseEnvironment(plaid.Sandbox)
	}
	api := plaid.NewAPIClient(configuration)

	c := &Client{
		api:          api,
		logger:       slog.Default().With("component", "plaid"),
		clientName:   valueOr(cfg.ClientName, "bankfeed"),
		language:     valueOr(cfg.Language, "en"),
		healthInstID: valueOr(cfg.HealthInstitutionID, "ins_109508"),
		countryCodes: countryCodes(cfg.CountryCodes),
		retryOpts:    common.DefaultRetryOptions(),
	}
	rules := cfg.CategoryRules
	if rules == nil {
		rules = provider.DefaultCategoryRules()
	}
	c.categorizer = provider.NewCategorizer(rules)
	c.verifier = NewWebhookVerifier(newSDKKeyFetcher(c), cfg.WebhookMaxAge)
	return c, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func countryCodes(codes []string) []plaid.CountryCode {
	if len(codes) == 0 {
		return []plaid.CountryCode{plaid.COUNTRYCODE_US}
	}
	out := make([]plaid.CountryCode, 0, len(codes))
	for _, code := range codes {
		out = append(out, plaid.CountryCode(strings.ToUpper(code)))
	}
	return out
}

// ID implements provider.Provider.
func (c *Client) ID() string { return ProviderID }

// Capabilities implements provider.Provider.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{Webhooks: true, SCA: true, Sync: true, TokenRotation: true}
}

// Initialize checks the credentials against the institutions endpoint.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.HealthCheck(ctx); err != nil {
		return fmt.Errorf("plaid initialization failed: %w", err)
	}
	return nil
}

// HealthCheck looks up a known institution.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.institution(ctx, c.healthInstID)
	return err
}

// call runs one SDK request with retry and maps its failure.
func (c *Client) call(ctx context.Context, op string, fn func() (*http.Response, error)) error {
	return common.WithRetry(ctx, func() error {
		httpResp, err := fn()
		if err == nil {
			return nil
		}
		mapped := mapError(err, httpResp)
		c.logger.Debug("Plaid request failed", "operation", op, "error", mapped)
		return mapped
	}, c.retryOpts)
}

func (c *Client) institution(ctx context.Context, institutionID string) (*plaid.Institution, error) {
	var inst plaid.Institution
	err := c.call(ctx, "institutions_get_by_id", func() (*http.Response, error) {
		req := plaid.NewInstitutionsGetByIdRequest(institutionID, c.countryCodes)
		resp, httpResp, err := c.api.PlaidApi.InstitutionsGetById(ctx).InstitutionsGetByIdRequest(*req).Execute()
		if err == nil {
			inst = resp.GetInstitution()
		}
		return httpResp, err
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// SupportsBank reports whether the institution exists and offers transactions.
func (c *Client) SupportsBank(ctx context.Context, bankID string) (bool, error) {
	inst, err := c.institution(ctx, bankID)
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, err
	}
	for _, p := range inst.GetProducts() {
		if p == plaid.PRODUCTS_TRANSACTIONS {
			return true, nil
		}
	}
	return false, nil
}

// Categorize implements provider.Provider.
func (c *Client) Categorize(_ context.Context, tx model.Transaction) (string, error) {
	if tx.Category != "" {
		return tx.Category, nil
	}
	category, _ := c.categorizer.Categorize(tx)
	return category, nil
}

var _ provider.Provider = (*Client)(nil)
var _ provider.WebhookParser = (*Client)(nil)
