// Package provider defines the contract every bank aggregation adapter implements
// and the registry the orchestrator uses to select one.
package provider

import (
	"context"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
)

// Capabilities describes optional features of a provider.
type Capabilities struct {
	Webhooks      bool
	SCA           bool
	Sync          bool
	TokenRotation bool
}

// CreateConnectionRequest starts a new bank link.
type CreateConnectionRequest struct {
	UserID      string
	BankID      string
	RedirectURL string
	WebhookURL  string
	// SetupToken carries a pre-issued provider token, such as a SimpleFIN claim token.
	SetupToken string
}

// AuthChallenge is what the user must complete for strong customer authentication.
type AuthChallenge struct {
	ExpiresAt   *time.Time
	RedirectURL string
	Challenge   string
	SessionID   string
}

// AuthResponse carries whatever the provider returned at the end of the SCA flow.
type AuthResponse struct {
	SessionID   string
	Code        string
	PublicToken string
	State       string
}

// ConnectionResult is the provider's view of a connection after an operation.
type ConnectionResult struct {
	ConsentExpiresAt *time.Time
	Auth             *AuthChallenge
	Status           model.ConnectionStatus
	ExternalID       string
	BankName         string
	AccessToken      string
	RefreshToken     string
	ConsentID        string
	Metadata         model.ConnectionMetadata
}

// TransactionQuery selects a page of transactions.
type TransactionQuery struct {
	Start     time.Time
	End       time.Time
	Cursor    string
	AccountID string
}

// TransactionPage is one page of a date-range listing.
type TransactionPage struct {
	NextCursor   string
	Transactions []model.Transaction
	HasMore      bool
}

// SyncResult is the delta since a cursor.
type SyncResult struct {
	NextCursor string
	Added      []model.Transaction
	Modified   []model.Transaction
	Removed    []string
	HasMore    bool
}

// WebhookSubscription asks a provider to push the listed events to URL.
type WebhookSubscription struct {
	URL    string
	Events []model.EventType
}

// TokenPair is the result of a token rotation.
type TokenPair struct {
	ExpiresAt    *time.Time
	AccessToken  string
	RefreshToken string
}

// Provider is implemented by every aggregator adapter.
type Provider interface {
	ID() string
	Capabilities() Capabilities

	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	SupportsBank(ctx context.Context, bankID string) (bool, error)

	CreateConnection(ctx context.Context, req CreateConnectionRequest) (*ConnectionResult, error)
	GetConnection(ctx context.Context, conn *model.Connection) (*ConnectionResult, error)
	UpdateConnection(ctx context.Context, conn *model.Connection) (*ConnectionResult, error)
	DeleteConnection(ctx context.Context, conn *model.Connection) error

	InitiateAuth(ctx context.Context, conn *model.Connection, redirectURL string) (*AuthChallenge, error)
	CompleteAuth(ctx context.Context, conn *model.Connection, resp AuthResponse) (*ConnectionResult, error)

	ListAccounts(ctx context.Context, conn *model.Connection) ([]model.Account, error)
	RefreshBalance(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error)
	ListTransactions(ctx context.Context, conn *model.Connection, query TransactionQuery) (*TransactionPage, error)
	SyncTransactions(ctx context.Context, conn *model.Connection, cursor string) (*SyncResult, error)

	RegisterWebhook(ctx context.Context, conn *model.Connection, sub WebhookSubscription) (string, error)
	RemoveWebhook(ctx context.Context, conn *model.Connection, webhookID string) error
	ValidateWebhookSignature(ctx context.Context, payload []byte, signature string) error

	Categorize(ctx context.Context, tx model.Transaction) (string, error)

	RotateTokens(ctx context.Context, conn *model.Connection) (*TokenPair, error)
	RevokeTokens(ctx context.Context, conn *model.Connection) error
}

// DefaultWebhookEvents is the subscription registered for every new connection.
var DefaultWebhookEvents = []model.EventType{
	model.EventTransactionCreated,
	model.EventTransactionUpdated,
	model.EventAccountUpdated,
	model.EventConnectionStatusChanged,
	model.EventConnectionError,
	model.EventConnectionExpired,
}

// WebhookParser is implemented by adapters whose push payloads are not in the canonical
// envelope form.
type WebhookParser interface {
	ParseWebhook(payload []byte) (*model.WebhookEnvelope, error)
}
