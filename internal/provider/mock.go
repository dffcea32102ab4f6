package provider

import (
	"context"
	"sync"

	"github.com/Veraticus/bankfeed/internal/model"
)

// MockProvider is a Provider for tests. Set the Fn fields to control behavior;
// unset functions return empty successful results.
type MockProvider struct {
	InitializeFn               func(ctx context.Context) error
	HealthCheckFn              func(ctx context.Context) error
	SupportsBankFn             func(ctx context.Context, bankID string) (bool, error)
	CreateConnectionFn         func(ctx context.Context, req CreateConnectionRequest) (*ConnectionResult, error)
	GetConnectionFn            func(ctx context.Context, conn *model.Connection) (*ConnectionResult, error)
	UpdateConnectionFn         func(ctx context.Context, conn *model.Connection) (*ConnectionResult, error)
	DeleteConnectionFn         func(ctx context.Context, conn *model.Connection) error
	InitiateAuthFn             func(ctx context.Context, conn *model.Connection, redirectURL string) (*AuthChallenge, error)
	CompleteAuthFn             func(ctx context.Context, conn *model.Connection, resp AuthResponse) (*ConnectionResult, error)
	ListAccountsFn             func(ctx context.Context, conn *model.Connection) ([]model.Account, error)
	RefreshBalanceFn           func(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error)
	ListTransactionsFn         func(ctx context.Context, conn *model.Connection, query TransactionQuery) (*TransactionPage, error)
	SyncTransactionsFn         func(ctx context.Context, conn *model.Connection, cursor string) (*SyncResult, error)
	RegisterWebhookFn          func(ctx context.Context, conn *model.Connection, sub WebhookSubscription) (string, error)
	RemoveWebhookFn            func(ctx context.Context, conn *model.Connection, webhookID string) error
	ValidateWebhookSignatureFn func(ctx context.Context, payload []byte, signature string) error
	CategorizeFn               func(ctx context.Context, tx model.Transaction) (string, error)
	RotateTokensFn             func(ctx context.Context, conn *model.Connection) (*TokenPair, error)
	RevokeTokensFn             func(ctx context.Context, conn *model.Connection) error

	ProviderID string
	Caps       Capabilities

	calls []string
	mu    sync.Mutex
}

// NewMockProvider creates a mock with the given id and every capability enabled.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{
		ProviderID: id,
		Caps:       Capabilities{Webhooks: true, SCA: true, Sync: true, TokenRotation: true},
	}
}

func (m *MockProvider) track(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

// Calls returns the names of methods invoked so far, in order.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times name was invoked.
func (m *MockProvider) CallCount(name string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Reset clears call tracking.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// ID implements Provider.
func (m *MockProvider) ID() string { return m.ProviderID }

// Capabilities implements Provider.
func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

// Initialize implements Provider.
func (m *MockProvider) Initialize(ctx context.Context) error {
	m.track("Initialize")
	if m.InitializeFn != nil {
		return m.InitializeFn(ctx)
	}
	return nil
}

// HealthCheck implements Provider.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.track("HealthCheck")
	if m.HealthCheckFn != nil {
		return m.HealthCheckFn(ctx)
	}
	return nil
}

// SupportsBank implements Provider.
func (m *MockProvider) SupportsBank(ctx context.Context, bankID string) (bool, error) {
	m.track("SupportsBank")
	if m.SupportsBankFn != nil {
		return m.SupportsBankFn(ctx, bankID)
	}
	return true, nil
}

// CreateConnection implements Provider.
func (m *MockProvider) CreateConnection(ctx context.Context, req CreateConnectionRequest) (*ConnectionResult, error) {
	m.track("CreateConnection")
	if m.CreateConnectionFn != nil {
		return m.CreateConnectionFn(ctx, req)
	}
	return &ConnectionResult{Status: model.ConnectionConnecting, BankName: req.BankID}, nil
}

// GetConnection implements Provider.
func (m *MockProvider) GetConnection(ctx context.Context, conn *model.Connection) (*ConnectionResult, error) {
	m.track("GetConnection")
	if m.GetConnectionFn != nil {
		return m.GetConnectionFn(ctx, conn)
	}
	return &ConnectionResult{Status: conn.Status}, nil
}

// UpdateConnection implements Provider.
func (m *MockProvider) UpdateConnection(ctx context.Context, conn *model.Connection) (*ConnectionResult, error) {
	m.track("UpdateConnection")
	if m.UpdateConnectionFn != nil {
		return m.UpdateConnectionFn(ctx, conn)
	}
	return &ConnectionResult{Status: conn.Status}, nil
}

// DeleteConnection implements Provider.
func (m *MockProvider) DeleteConnection(ctx context.Context, conn *model.Connection) error {
	m.track("DeleteConnection")
	if m.DeleteConnectionFn != nil {
		return m.DeleteConnectionFn(ctx, conn)
	}
	return nil
}

// InitiateAuth implements Provider.
func (m *MockProvider) InitiateAuth(ctx context.Context, conn *model.Connection, redirectURL string) (*AuthChallenge, error) {
	m.track("InitiateAuth")
	if m.InitiateAuthFn != nil {
		return m.InitiateAuthFn(ctx, conn, redirectURL)
	}
	return &AuthChallenge{RedirectURL: redirectURL}, nil
}

// CompleteAuth implements Provider.
func (m *MockProvider) CompleteAuth(ctx context.Context, conn *model.Connection, resp AuthResponse) (*ConnectionResult, error) {
	m.track("CompleteAuth")
	if m.CompleteAuthFn != nil {
		return m.CompleteAuthFn(ctx, conn, resp)
	}
	return &ConnectionResult{Status: model.ConnectionConnected}, nil
}

// ListAccounts implements Provider.
func (m *MockProvider) ListAccounts(ctx context.Context, conn *model.Connection) ([]model.Account, error) {
	m.track("ListAccounts")
	if m.ListAccountsFn != nil {
		return m.ListAccountsFn(ctx, conn)
	}
	return []model.Account{}, nil
}

// RefreshBalance implements Provider.
func (m *MockProvider) RefreshBalance(ctx context.Context, conn *model.Connection, accountExternalID string) (*model.Account, error) {
	m.track("RefreshBalance")
	if m.RefreshBalanceFn != nil {
		return m.RefreshBalanceFn(ctx, conn, accountExternalID)
	}
	return &model.Account{ExternalID: accountExternalID}, nil
}

// ListTransactions implements Provider.
func (m *MockProvider) ListTransactions(ctx context.Context, conn *model.Connection, query TransactionQuery) (*TransactionPage, error) {
	m.track("ListTransactions")
	if m.ListTransactionsFn != nil {
		return m.ListTransactionsFn(ctx, conn, query)
	}
	return &TransactionPage{}, nil
}

// SyncTransactions implements Provider.
func (m *MockProvider) SyncTransactions(ctx context.Context, conn *model.Connection, cursor string) (*SyncResult, error) {
	m.track("SyncTransactions")
	if m.SyncTransactionsFn != nil {
		return m.SyncTransactionsFn(ctx, conn, cursor)
	}
	return &SyncResult{NextCursor: cursor}, nil
}

// RegisterWebhook implements Provider.
func (m *MockProvider) RegisterWebhook(ctx context.Context, conn *model.Connection, sub WebhookSubscription) (string, error) {
	m.track("RegisterWebhook")
	if m.RegisterWebhookFn != nil {
		return m.RegisterWebhookFn(ctx, conn, sub)
	}
	return "wh_" + conn.ID, nil
}

// RemoveWebhook implements Provider.
func (m *MockProvider) RemoveWebhook(ctx context.Context, conn *model.Connection, webhookID string) error {
	m.track("RemoveWebhook")
	if m.RemoveWebhookFn != nil {
		return m.RemoveWebhookFn(ctx, conn, webhookID)
	}
	return nil
}

// ValidateWebhookSignature implements Provider.
func (m *MockProvider) ValidateWebhookSignature(ctx context.Context, payload []byte, signature string) error {
	m.track("ValidateWebhookSignature")
	if m.ValidateWebhookSignatureFn != nil {
		return m.ValidateWebhookSignatureFn(ctx, payload, signature)
	}
	return nil
}

// Categorize implements Provider.
func (m *MockProvider) Categorize(ctx context.Context, tx model.Transaction) (string, error) {
	m.track("Categorize")
	if m.CategorizeFn != nil {
		return m.CategorizeFn(ctx, tx)
	}
	return tx.Category, nil
}

// RotateTokens implements Provider.
func (m *MockProvider) RotateTokens(ctx context.Context, conn *model.Connection) (*TokenPair, error) {
	m.track("RotateTokens")
	if m.RotateTokensFn != nil {
		return m.RotateTokensFn(ctx, conn)
	}
	return &TokenPair{AccessToken: conn.AccessToken + "-rotated", RefreshToken: conn.RefreshToken}, nil
}

// RevokeTokens implements Provider.
func (m *MockProvider) RevokeTokens(ctx context.Context, conn *model.Connection) error {
	m.track("RevokeTokens")
	if m.RevokeTokensFn != nil {
		return m.RevokeTokensFn(ctx, conn)
	}
	return nil
}

var _ Provider = (*MockProvider)(nil)
