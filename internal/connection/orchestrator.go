// Package connection owns the lifecycle of bank connections and is the only place
// that selects a provider adapter by id.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/Veraticus/bankfeed/internal/reconcile"
	"github.com/google/uuid"
)

const defaultSyncWindow = 90 * 24 * time.Hour

// Config tunes the orchestrator.
type Config struct {
	// WebhookBaseURL is the public base of the webhook receiver; empty disables registration.
	WebhookBaseURL string
	// WebhookEvents defaults to provider.DefaultWebhookEvents.
	WebhookEvents []model.EventType
	// AutoMatchThreshold > 0 enables reconciliation after every sync.
	AutoMatchThreshold float64
	// SyncWindow is how far back a first sync reaches for providers without cursor sync.
	SyncWindow time.Duration
}

// Reconciler runs batch reconciliation. *reconcile.Engine satisfies it.
type Reconciler interface {
	BatchReconcile(ctx context.Context, txs []*model.Transaction, entries []model.AccountingEntry, rules []model.ReconciliationRule) (*reconcile.BatchResult, error)
}

// tokenBundle is the plaintext sealed into a connection's credential.
type tokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Orchestrator routes connection operations to the right adapter and keeps an index of
// known connections, written through to the Store.
type Orchestrator struct {
	registry   *provider.Registry
	store      Store
	encryptor  Encryptor
	reconciler Reconciler
	entries    EntrySource
	rules      RuleSource
	logger     *slog.Logger
	now        func() time.Time
	index      map[string]*model.Connection
	locks      map[string]*sync.Mutex
	cfg        Config
	mu         sync.RWMutex
	locksMu    sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReconciler enables post-sync reconciliation against entries and rules.
func WithReconciler(r Reconciler, entries EntrySource, rules RuleSource) Option {
	return func(o *Orchestrator) {
		o.reconciler = r
		o.entries = entries
		o.rules = rules
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(registry *provider.Registry, store Store, encryptor Encryptor, cfg Config, opts ...Option) (*Orchestrator, error) {
	if registry == nil || store == nil || encryptor == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a registry, a store and an encryptor", common.ErrMissingConfig)
	}
	if cfg.SyncWindow <= 0 {
		cfg.SyncWindow = defaultSyncWindow
	}
	if len(cfg.WebhookEvents) == 0 {
		cfg.WebhookEvents = provider.DefaultWebhookEvents
	}
	cfg.WebhookBaseURL = strings.TrimRight(cfg.WebhookBaseURL, "/")

	o := &Orchestrator{
		registry:  registry,
		store:     store,
		encryptor: encryptor,
		logger:    slog.Default().With("component", "orchestrator"),
		now:       time.Now,
		index:     make(map[string]*model.Connection),
		locks:     make(map[string]*sync.Mutex),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// lock serializes operations on one connection.
func (o *Orchestrator) lock(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// load returns a copy of the connection, reading through to the store on a miss.
func (o *Orchestrator) load(ctx context.Context, id string) (*model.Connection, error) {
	if id == "" {
		return nil, common.NewValidationError("connection_id", "is required")
	}

	o.mu.RLock()
	cached, ok := o.index[id]
	o.mu.RUnlock()
	if ok {
		c := *cached
		return &c, nil
	}

	conn, err := o.store.GetConnection(ctx, id)
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrConnectionNotFound) {
		return nil, fmt.Errorf("%w: %s", common.ErrConnectionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", id, err)
	}
	conn.ClearTokens()

	o.mu.Lock()
	stored := *conn
	o.index[id] = &stored
	o.mu.Unlock()
	return conn, nil
}

// save writes the connection through to the store and the index. Tokens never reach either.
func (o *Orchestrator) save(ctx context.Context, conn *model.Connection) error {
	c := *conn
	c.ClearTokens()
	c.UpdatedAt = o.now().UTC()
	if err := o.store.SaveConnection(ctx, &c); err != nil {
		return fmt.Errorf("failed to save connection %s: %w", c.ID, err)
	}
	conn.UpdatedAt = c.UpdatedAt

	o.mu.Lock()
	o.index[c.ID] = &c
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) adapter(providerID string) (provider.Provider, error) {
	return o.registry.Get(providerID)
}

// public strips tokens from a connection handed to callers.
func public(conn *model.Connection) *model.Connection {
	c := *conn
	c.ClearTokens()
	return &c
}

// withTokens decrypts the connection's credential into conn.
func (o *Orchestrator) withTokens(ctx context.Context, conn *model.Connection) error {
	if conn.CredentialID == "" {
		return nil
	}
	cred, err := o.store.GetCredential(ctx, conn.CredentialID)
	if err != nil {
		return fmt.Errorf("failed to load credential for connection %s: %w", conn.ID, err)
	}
	var tokens tokenBundle
	if err := o.encryptor.DecryptCredential(ctx, cred, &tokens); err != nil {
		return fmt.Errorf("failed to decrypt credential for connection %s: %w", conn.ID, err)
	}
	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	return nil
}

// storeTokens seals the connection's tokens into a new credential and drops the old one.
func (o *Orchestrator) storeTokens(ctx context.Context, conn *model.Connection) error {
	if conn.AccessToken == "" && conn.RefreshToken == "" {
		return nil
	}
	cred, err := o.encryptor.EncryptCredential(ctx, conn.UserID, conn.ProviderID,
		tokenBundle{AccessToken: conn.AccessToken, RefreshToken: conn.RefreshToken}, conn.ConsentExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens for connection %s: %w", conn.ID, err)
	}
	if err := o.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to save credential for connection %s: %w", conn.ID, err)
	}

	previous := conn.CredentialID
	conn.CredentialID = cred.ID
	if previous != "" && previous != cred.ID {
		if err := o.store.DeleteCredential(ctx, previous); err != nil && !errors.Is(err, common.ErrNotFound) {
			o.logger.Warn("Failed to delete superseded credential", "connection_id", conn.ID, "error", err)
		}
	}
	return nil
}

// checkConsent marks the connection expired once its consent window has passed.
func (o *Orchestrator) checkConsent(ctx context.Context, conn *model.Connection) error {
	if !conn.ConsentExpired(o.now()) {
		return nil
	}
	if conn.Status != model.ConnectionExpired {
		conn.Status = model.ConnectionExpired
		conn.Metadata.LastError = "consent expired"
		if err := o.save(ctx, conn); err != nil {
			return err
		}
		o.logger.Info("Connection consent expired", "connection_id", conn.ID, "provider", conn.ProviderID)
	}
	return &common.AuthenticationError{Provider: conn.ProviderID, Message: "connection " + conn.ID, Err: common.ErrConsentExpired}
}

// prepare loads a connection, enforces consent and resolves its adapter with tokens attached.
func (o *Orchestrator) prepare(ctx context.Context, id string) (*model.Connection, provider.Provider, error) {
	conn, err := o.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := o.adapter(conn.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.checkConsent(ctx, conn); err != nil {
		return nil, nil, err
	}
	if err := o.withTokens(ctx, conn); err != nil {
		return nil, nil, err
	}
	return conn, p, nil
}

// apply copies an adapter result onto the connection.
func apply(conn *model.Connection, res *provider.ConnectionResult) {
	if res == nil {
		return
	}
	if res.Status.Valid() {
		conn.Status = res.Status
	}
	if res.BankName != "" {
		conn.BankName = res.BankName
	}
	if res.AccessToken != "" {
		conn.AccessToken = res.AccessToken
	}
	if res.RefreshToken != "" {
		conn.RefreshToken = res.RefreshToken
	}
	if res.ConsentID != "" {
		conn.ConsentID = res.ConsentID
	}
	if res.ConsentExpiresAt != nil {
		conn.ConsentExpiresAt = res.ConsentExpiresAt
	}
	if res.ExternalID != "" {
		conn.Metadata.ItemID = res.ExternalID
	}
	m := res.Metadata
	if m.ItemID != "" {
		conn.Metadata.ItemID = m.ItemID
	}
	if m.ExternalUserID != "" {
		conn.Metadata.ExternalUserID = m.ExternalUserID
	}
	if m.SyncCursor != "" {
		conn.Metadata.SyncCursor = m.SyncCursor
	}
	if m.WebhookID != "" {
		conn.Metadata.WebhookID = m.WebhookID
	}
	if m.RedirectURL != "" {
		conn.Metadata.RedirectURL = m.RedirectURL
	}
	conn.Metadata.LastError = m.LastError
	conn.Metadata.ErrorCode = m.ErrorCode
}

// registerWebhook subscribes the connection once it has something the provider can attach
// a subscription to. Failures are logged; the connection stays usable by polling.
func (o *Orchestrator) registerWebhook(ctx context.Context, p provider.Provider, conn *model.Connection) {
	if o.cfg.WebhookBaseURL == "" || !p.Capabilities().Webhooks || conn.Metadata.WebhookID != "" {
		return
	}
	if conn.AccessToken == "" && conn.Metadata.ItemID == "" && conn.Metadata.ExternalUserID == "" {
		return
	}
	sub := provider.WebhookSubscription{
		URL:    o.cfg.WebhookBaseURL + "/webhooks/" + conn.ProviderID,
		Events: o.cfg.WebhookEvents,
	}
	id, err := p.RegisterWebhook(ctx, conn, sub)
	if err != nil {
		o.logger.Warn("Failed to register webhook", "connection_id", conn.ID, "provider", conn.ProviderID, "error", err)
		return
	}
	conn.Metadata.WebhookID = id
	o.logger.Info("Registered webhook", "connection_id", conn.ID, "webhook_id", id)
}

// CreateOption adjusts a Create call.
type CreateOption func(*provider.CreateConnectionRequest)

// WithRedirectURL sets where the bank sends the user after authentication.
func WithRedirectURL(u string) CreateOption {
	return func(r *provider.CreateConnectionRequest) { r.RedirectURL = u }
}

// WithSetupToken passes a pre-issued provider token, such as a SimpleFIN claim token.
func WithSetupToken(token string) CreateOption {
	return func(r *provider.CreateConnectionRequest) { r.SetupToken = token }
}

// Link is a freshly created connection and the challenge the user must complete.
type Link struct {
	Connection *model.Connection
	Auth       *provider.AuthChallenge
}

// Create links a user to a bank through a provider. The connection is stored in the
// connecting state until CompleteAuth confirms it.
func (o *Orchestrator) Create(ctx context.Context, userID, providerID, bankID string, opts ...CreateOption) common.Result[*Link] {
	if strings.TrimSpace(userID) == "" {
		return common.Fail[*Link](common.NewValidationError("user_id", "is required"))
	}
	if strings.TrimSpace(bankID) == "" {
		return common.Fail[*Link](common.NewValidationError("bank_id", "is required"))
	}
	p, err := o.adapter(providerID)
	if err != nil {
		return common.Fail[*Link](err)
	}

	supported, err := p.SupportsBank(ctx, bankID)
	if err != nil {
		return common.Fail[*Link](fmt.Errorf("failed to check bank support: %w", err))
	}
	if !supported {
		return common.Fail[*Link](&common.ValidationError{
			Field:   "bank_id",
			Message: fmt.Sprintf("%s is not supported by %s", bankID, providerID),
			Err:     common.ErrUnsupportedBank,
		})
	}

	req := provider.CreateConnectionRequest{UserID: userID, BankID: bankID}
	if o.cfg.WebhookBaseURL != "" {
		req.WebhookURL = o.cfg.WebhookBaseURL + "/webhooks/" + providerID
	}
	for _, opt := range opts {
		opt(&req)
	}

	res, err := p.CreateConnection(ctx, req)
	if err != nil {
		return common.Fail[*Link](err)
	}
	if res == nil {
		return common.Fail[*Link](fmt.Errorf("%s returned no connection", providerID))
	}

	now := o.now().UTC()
	conn := &model.Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProviderID: providerID,
		BankID:     bankID,
		BankName:   bankID,
		CreatedAt:  now,
	}
	apply(conn, res)
	conn.Status = model.ConnectionConnecting
	if res.Auth != nil && res.Auth.RedirectURL != "" {
		conn.Metadata.RedirectURL = res.Auth.RedirectURL
	}

	if err := o.storeTokens(ctx, conn); err != nil {
		return common.Fail[*Link](err)
	}
	o.registerWebhook(ctx, p, conn)
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*Link](err)
	}

	o.logger.Info("Created connection",
		"connection_id", conn.ID,
		"provider", providerID,
		"bank", bankID,
		"user_id", userID)
	return common.OK(&Link{Connection: public(conn), Auth: res.Auth})
}

// CompleteAuth finishes the authentication flow started by Create or Reauthenticate.
func (o *Orchestrator) CompleteAuth(ctx context.Context, id string, resp provider.AuthResponse) common.Result[*model.Connection] {
	defer o.lock(id)()

	conn, err := o.load(ctx, id)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	p, err := o.adapter(conn.ProviderID)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	if err := o.withTokens(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}

	res, err := p.CompleteAuth(ctx, conn, resp)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	previous := conn.Status
	apply(conn, res)
	if res == nil || !res.Status.Valid() {
		conn.Status = model.ConnectionConnected
	}
	if conn.Status == model.ConnectionConnected {
		conn.Metadata.LastError = ""
	}

	if err := o.storeTokens(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}
	o.registerWebhook(ctx, p, conn)
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}

	o.logger.Info("Connection authenticated", "connection_id", id, "from", previous, "to", conn.Status)
	return common.OK(public(conn))
}

// Reauthenticate starts a new authentication flow for an expired or pending connection.
func (o *Orchestrator) Reauthenticate(ctx context.Context, id, redirectURL string) common.Result[*provider.AuthChallenge] {
	defer o.lock(id)()

	conn, err := o.load(ctx, id)
	if err != nil {
		return common.Fail[*provider.AuthChallenge](err)
	}
	p, err := o.adapter(conn.ProviderID)
	if err != nil {
		return common.Fail[*provider.AuthChallenge](err)
	}
	if err := o.withTokens(ctx, conn); err != nil {
		return common.Fail[*provider.AuthChallenge](err)
	}

	challenge, err := p.InitiateAuth(ctx, conn, redirectURL)
	if err != nil {
		return common.Fail[*provider.AuthChallenge](err)
	}
	if conn.CanTransitionTo(model.ConnectionPendingAuth) {
		conn.Status = model.ConnectionPendingAuth
	}
	if challenge.RedirectURL != "" {
		conn.Metadata.RedirectURL = challenge.RedirectURL
	}
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*provider.AuthChallenge](err)
	}
	return common.OK(challenge)
}

// Get returns one connection without tokens.
func (o *Orchestrator) Get(ctx context.Context, id string) common.Result[*model.Connection] {
	conn, err := o.load(ctx, id)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	return common.OK(public(conn))
}

// List returns the user's connections; an empty user lists all of them.
func (o *Orchestrator) List(ctx context.Context, userID string) common.Result[[]model.Connection] {
	conns, err := o.store.ListConnections(ctx, userID)
	if err != nil {
		return common.Fail[[]model.Connection](fmt.Errorf("failed to list connections: %w", err))
	}
	for i := range conns {
		conns[i].ClearTokens()
	}
	return common.OK(conns)
}

// Refresh asks the provider for the current state of the connection.
func (o *Orchestrator) Refresh(ctx context.Context, id string) common.Result[*model.Connection] {
	defer o.lock(id)()

	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	access, refresh := conn.AccessToken, conn.RefreshToken

	res, err := p.GetConnection(ctx, conn)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	apply(conn, res)

	if conn.AccessToken != access || conn.RefreshToken != refresh {
		if err := o.storeTokens(ctx, conn); err != nil {
			return common.Fail[*model.Connection](err)
		}
	}
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}
	return common.OK(public(conn))
}

// Delete removes the connection at the provider first, then its webhook, credential
// and local record.
func (o *Orchestrator) Delete(ctx context.Context, id string) common.Result[struct{}] {
	defer o.lock(id)()

	conn, err := o.load(ctx, id)
	if err != nil {
		return common.Fail[struct{}](err)
	}
	p, err := o.adapter(conn.ProviderID)
	if err != nil {
		return common.Fail[struct{}](err)
	}
	if err := o.withTokens(ctx, conn); err != nil && !errors.Is(err, common.ErrCredentialExpired) {
		return common.Fail[struct{}](err)
	}

	if err := p.DeleteConnection(ctx, conn); err != nil {
		return common.Fail[struct{}](fmt.Errorf("provider refused to delete connection %s: %w", id, err))
	}
	if conn.Metadata.WebhookID != "" {
		if err := p.RemoveWebhook(ctx, conn, conn.Metadata.WebhookID); err != nil {
			o.logger.Warn("Failed to remove webhook", "connection_id", id, "error", err)
		}
	}
	if conn.CredentialID != "" {
		if err := o.store.DeleteCredential(ctx, conn.CredentialID); err != nil && !errors.Is(err, common.ErrNotFound) {
			return common.Fail[struct{}](fmt.Errorf("failed to delete credential: %w", err))
		}
	}
	if err := o.store.DeleteConnection(ctx, id); err != nil {
		return common.Fail[struct{}](fmt.Errorf("failed to delete connection: %w", err))
	}

	o.mu.Lock()
	delete(o.index, id)
	o.mu.Unlock()

	o.logger.Info("Deleted connection", "connection_id", id, "provider", conn.ProviderID)
	return common.OK(struct{}{})
}

// GetAccounts lists and stores the connection's accounts.
func (o *Orchestrator) GetAccounts(ctx context.Context, id string) common.Result[[]model.Account] {
	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[[]model.Account](err)
	}
	accounts, err := p.ListAccounts(ctx, conn)
	if err != nil {
		return common.Fail[[]model.Account](err)
	}
	if len(accounts) > 0 {
		if err := o.store.SaveAccounts(ctx, accounts); err != nil {
			return common.Fail[[]model.Account](fmt.Errorf("failed to save accounts: %w", err))
		}
	}
	return common.OK(accounts)
}

// RefreshAccount refreshes and stores one account's balance.
func (o *Orchestrator) RefreshAccount(ctx context.Context, id, accountExternalID string) common.Result[*model.Account] {
	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[*model.Account](err)
	}
	account, err := p.RefreshBalance(ctx, conn, accountExternalID)
	if err != nil {
		return common.Fail[*model.Account](err)
	}
	if err := o.store.SaveAccounts(ctx, []model.Account{*account}); err != nil {
		return common.Fail[*model.Account](fmt.Errorf("failed to save account: %w", err))
	}
	return common.OK(account)
}

// GetTransactions pages through the provider's transactions for [start, end] and stores them.
func (o *Orchestrator) GetTransactions(ctx context.Context, id string, start, end time.Time) common.Result[[]model.Transaction] {
	if end.Before(start) {
		return common.Fail[[]model.Transaction](common.NewValidationError("end", "is before start"))
	}
	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[[]model.Transaction](err)
	}

	txs, err := o.listAll(ctx, p, conn, start, end)
	if err != nil {
		return common.Fail[[]model.Transaction](err)
	}
	if len(txs) > 0 {
		if err := o.store.SaveTransactions(ctx, txs); err != nil {
			return common.Fail[[]model.Transaction](fmt.Errorf("failed to save transactions: %w", err))
		}
	}
	return common.OK(txs)
}

func (o *Orchestrator) listAll(ctx context.Context, p provider.Provider, conn *model.Connection, start, end time.Time) ([]model.Transaction, error) {
	var out []model.Transaction
	query := provider.TransactionQuery{Start: start, End: end}
	for {
		page, err := p.ListTransactions(ctx, conn, query)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Transactions...)
		if !page.HasMore || page.NextCursor == "" || page.NextCursor == query.Cursor {
			return out, nil
		}
		query.Cursor = page.NextCursor
	}
}

// UpdateStatus applies a status reported out of band, typically by a webhook.
func (o *Orchestrator) UpdateStatus(ctx context.Context, id string, status model.ConnectionStatus, reason string) common.Result[*model.Connection] {
	defer o.lock(id)()

	conn, err := o.load(ctx, id)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	if !conn.CanTransitionTo(status) {
		return common.Fail[*model.Connection](common.NewValidationError("status",
			fmt.Sprintf("cannot move connection from %s to %s", conn.Status, status)))
	}

	previous := conn.Status
	conn.Status = status
	switch status {
	case model.ConnectionConnected:
		conn.Metadata.LastError = ""
		conn.Metadata.ErrorCode = ""
	default:
		if reason != "" {
			conn.Metadata.LastError = reason
		}
	}
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}

	o.logger.Info("Connection status updated", "connection_id", id, "from", previous, "to", status, "reason", reason)
	return common.OK(public(conn))
}

// RotateTokens replaces the connection's tokens and re-encrypts the credential.
func (o *Orchestrator) RotateTokens(ctx context.Context, id string) common.Result[*model.Connection] {
	defer o.lock(id)()

	conn, p, err := o.prepare(ctx, id)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	if !p.Capabilities().TokenRotation {
		return common.Fail[*model.Connection](fmt.Errorf("%w: %s token rotation", common.ErrUnsupportedOperation, conn.ProviderID))
	}

	pair, err := p.RotateTokens(ctx, conn)
	if err != nil {
		return common.Fail[*model.Connection](err)
	}
	if pair.AccessToken != "" {
		conn.AccessToken = pair.AccessToken
	}
	if pair.RefreshToken != "" {
		conn.RefreshToken = pair.RefreshToken
	}
	if err := o.storeTokens(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}
	if err := o.save(ctx, conn); err != nil {
		return common.Fail[*model.Connection](err)
	}

	o.logger.Info("Rotated connection tokens", "connection_id", id, "credential_id", conn.CredentialID)
	return common.OK(public(conn))
}

// ResolveConnection finds the local connection for a provider item id.
func (o *Orchestrator) ResolveConnection(ctx context.Context, providerID, itemID string) (string, error) {
	o.mu.RLock()
	for _, c := range o.index {
		if c.ProviderID == providerID && c.Metadata.ItemID == itemID {
			o.mu.RUnlock()
			return c.ID, nil
		}
	}
	o.mu.RUnlock()

	conn, err := o.store.FindConnectionByItemID(ctx, providerID, itemID)
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrConnectionNotFound) {
		return "", fmt.Errorf("%w: %s item %s", common.ErrConnectionNotFound, providerID, itemID)
	}
	if err != nil {
		return "", err
	}
	return conn.ID, nil
}
