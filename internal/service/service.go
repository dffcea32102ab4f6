// Package service wires the application services from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/config"
	"github.com/Veraticus/bankfeed/internal/connection"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/ofx"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/Veraticus/bankfeed/internal/provider/bridge"
	"github.com/Veraticus/bankfeed/internal/provider/plaid"
	"github.com/Veraticus/bankfeed/internal/provider/simplefin"
	"github.com/Veraticus/bankfeed/internal/reconcile"
	"github.com/Veraticus/bankfeed/internal/secrets"
	"github.com/Veraticus/bankfeed/internal/storage"
	"github.com/Veraticus/bankfeed/internal/storage/dynamo"
	"github.com/Veraticus/bankfeed/internal/webhook"
)

// Services holds the long-lived components of one process.
type Services struct {
	Config      *config.Config
	Storage     *storage.SQLiteStorage
	Encryption  *encryption.Service
	Registry    *provider.Registry
	Reconciler  *reconcile.Engine
	Connections *connection.Orchestrator
	// Ledger is nil when no ledger file is configured.
	Ledger *FileLedger
	logger *slog.Logger
}

type options struct {
	source    secrets.Source
	providers []provider.Provider
}

// Option configures New.
type Option func(*options)

// WithSecretSource overrides the master secret source chosen from configuration.
func WithSecretSource(src secrets.Source) Option {
	return func(o *options) { o.source = src }
}

// WithProviders replaces the adapters built from configuration.
func WithProviders(providers ...provider.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// New opens storage, runs migrations and builds every service. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", common.ErrMissingConfig)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Services{
		Config: cfg,
		logger: slog.Default().With("component", "service"),
	}

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.Storage = store
	if err := store.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if o.source == nil {
		if o.source, err = secretSource(ctx, cfg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	secret, err := o.source.MasterSecret(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to load master secret: %w", err)
	}
	if s.Encryption, err = encryption.New(secret, encryption.WithAuditSink(store)); err != nil {
		_ = s.Close()
		return nil, err
	}

	if o.providers == nil {
		if o.providers, err = buildProviders(cfg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if s.Registry, err = provider.NewRegistry(o.providers...); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.Reconciler = reconcile.New(cfg.ReconcileConfig())

	var orchOpts []connection.Option
	if cfg.Reconciliation.LedgerPath != "" {
		s.Ledger = NewFileLedger(cfg.Reconciliation.LedgerPath)
		orchOpts = append(orchOpts, connection.WithReconciler(s.Reconciler, s.Ledger, store))
	}
	s.Connections, err = connection.New(s.Registry, store, s.Encryption, connection.Config{
		WebhookBaseURL:     cfg.Webhooks.BaseURL,
		WebhookEvents:      cfg.EventTypes(),
		AutoMatchThreshold: cfg.Reconciliation.AutoMatchThreshold,
		SyncWindow:         cfg.Sync.Window,
	}, orchOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.logger.Debug("Services ready",
		"database", store.Path(),
		"providers", s.Registry.List(),
		"ledger", cfg.Reconciliation.LedgerPath)
	return s, nil
}

// Close releases the encryption keys and the database.
func (s *Services) Close() error {
	var errs []error
	if s.Encryption != nil {
		errs = append(errs, s.Encryption.Close())
	}
	if s.Storage != nil {
		errs = append(errs, s.Storage.Close())
	}
	return errors.Join(errs...)
}

func secretSource(ctx context.Context, cfg *config.Config) (secrets.Source, error) {
	switch cfg.Encryption.SecretSource {
	case config.SecretSourceAWS:
		src, err := secrets.NewSecretsManagerSourceFromEnv(ctx, cfg.AWS.Region, cfg.Encryption.AWSSecretID)
		if err != nil {
			return nil, fmt.Errorf("failed to create secrets manager source: %w", err)
		}
		return src, nil
	default:
		return secrets.StaticSource{Name: config.EnvPrefix + "_ENCRYPTION_SECRET", Secret: cfg.Encryption.Secret}, nil
	}
}

func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	rules := provider.DefaultCategoryRules()
	var out []provider.Provider

	if p := cfg.Providers.Plaid; p.Enabled {
		client, err := plaid.NewClient(plaid.Config{
			ClientID:      p.ClientID,
			Secret:        p.Secret,
			Environment:   p.Environment,
			ClientName:    p.ClientName,
			CountryCodes:  p.CountryCodes,
			CategoryRules: rules,
			WebhookMaxAge: p.WebhookMaxAge,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plaid client: %w", err)
		}
		out = append(out, client)
	}
	if b := cfg.Providers.Bridge; b.Enabled {
		client, err := bridge.NewClient(bridge.Config{
			ClientID:      b.ClientID,
			ClientSecret:  b.ClientSecret,
			BaseURL:       b.BaseURL,
			Version:       b.Version,
			WebhookSecret: cfg.WebhookSecret(bridge.ProviderID),
			CountryCode:   b.CountryCode,
			CategoryRules: rules,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bridge client: %w", err)
		}
		out = append(out, client)
	}
	if f := cfg.Providers.SimpleFIN; f.Enabled {
		out = append(out, simplefin.NewClient(simplefin.Config{
			BridgeURL:     f.BridgeURL,
			CategoryRules: rules,
		}))
	}
	return out, nil
}

// EventArchive stores, lists and removes webhook events that exhausted their retries.
type EventArchive interface {
	webhook.FailedEventStore
	ListFailed(ctx context.Context, providerID string, limit int) ([]model.WebhookEvent, error)
	RemoveFailed(ctx context.Context, ev model.WebhookEvent) error
}

type sqliteArchive struct{ *storage.SQLiteStorage }

func (a sqliteArchive) RemoveFailed(ctx context.Context, ev model.WebhookEvent) error {
	return a.DeleteFailed(ctx, ev.ID)
}

type dynamoArchive struct{ *dynamo.Archive }

func (a dynamoArchive) RemoveFailed(ctx context.Context, ev model.WebhookEvent) error {
	return a.DeleteFailed(ctx, ev.ProviderID, ev.ID)
}

// FailedEventStore returns the DynamoDB archive when a table is configured, else SQLite.
func (s *Services) FailedEventStore(ctx context.Context) (EventArchive, error) {
	if s.Config.AWS.FailedEventsTable == "" {
		return sqliteArchive{s.Storage}, nil
	}
	archive, err := dynamo.NewArchiveFromEnv(ctx, s.Config.AWS.Region, s.Config.AWS.FailedEventsTable,
		dynamo.WithRetention(s.Config.AWS.FailedEventsTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create failed event archive: %w", err)
	}
	return dynamoArchive{archive}, nil
}

// ReplayFailed re-runs parked events through the webhook handlers and removes the ones
// that now succeed. An empty id replays every event listed for the provider.
func (s *Services) ReplayFailed(ctx context.Context, archive EventArchive, providerID, id string) (replayed int, err error) {
	events, err := archive.ListFailed(ctx, providerID, 0)
	if err != nil {
		return 0, err
	}
	manager, err := s.WebhookManager(archive)
	if err != nil {
		return 0, err
	}

	var errs []error
	found := false
	for _, ev := range events {
		if id != "" && ev.ID != id {
			continue
		}
		found = true
		if err := manager.Replay(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := archive.RemoveFailed(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		replayed++
	}
	if id != "" && !found {
		return 0, fmt.Errorf("webhook event %s: %w", id, common.ErrNotFound)
	}
	return replayed, errors.Join(errs...)
}

// WebhookManager builds a manager whose handlers drive the orchestrator. Providers with
// native webhooks verify with their own scheme; the rest need a shared secret and are
// skipped without one. Secrets for ids that have no adapter register canonical-envelope
// senders.
func (s *Services) WebhookManager(failed webhook.FailedEventStore) (*webhook.Manager, error) {
	target := connection.NewWebhookTarget(s.Connections)
	m := webhook.NewManager(s.Encryption,
		webhook.WithStatusUpdater(target),
		webhook.WithTransactionSink(target),
		webhook.WithAccountRefresher(target),
		webhook.WithConnectionResolver(target),
		webhook.WithFailedEventStore(failed),
		webhook.WithQueueSize(s.Config.Webhooks.QueueSize),
		webhook.WithIdempotencyTTL(s.Config.Webhooks.IdempotencyTTL),
	)

	base := webhook.ProviderConfig{
		Events: s.Config.EventTypes(),
		Retry:  s.Config.RetryPolicy(),
		Active: true,
	}
	registered := make(map[string]bool)
	for _, id := range s.Registry.List() {
		p, err := s.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		pc := base
		pc.Secret = s.Config.WebhookSecret(id)
		if p.Capabilities().Webhooks {
			pc.Verify = p.ValidateWebhookSignature
		}
		if parser, ok := p.(provider.WebhookParser); ok {
			pc.Parser = parser
		}
		if pc.Verify == nil && pc.Secret == "" {
			s.logger.Info("Webhooks disabled for provider without a secret", "provider", id)
			continue
		}
		if err := m.Register(id, pc); err != nil {
			return nil, err
		}
		registered[id] = true
	}
	for id, secret := range s.Config.Webhooks.Secrets {
		if registered[id] || secret == "" {
			continue
		}
		pc := base
		pc.Secret = secret
		if err := m.Register(id, pc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ImportStatement parses an OFX/QFX statement for an existing connection and feeds it
// through the same ingest path as pushed transactions.
func (s *Services) ImportStatement(ctx context.Context, connectionID string, r io.Reader) (*ofx.Statement, error) {
	res := s.Connections.Get(ctx, connectionID)
	if res.Err != nil {
		return nil, res.Err
	}
	stmt, err := ofx.NewParser().Parse(ctx, r, res.Data)
	if err != nil {
		return nil, err
	}
	if len(stmt.Accounts) > 0 {
		if err := s.Storage.SaveAccounts(ctx, stmt.Accounts); err != nil {
			return nil, fmt.Errorf("failed to save statement accounts: %w", err)
		}
	}
	if err := s.Connections.IngestTransactions(ctx, connectionID, stmt.Transactions); err != nil {
		return stmt, err
	}
	s.logger.Info("Imported statement",
		"connection_id", connectionID,
		"accounts", len(stmt.Accounts),
		"transactions", len(stmt.Transactions))
	return stmt, nil
}

// ReconcilePending matches every unreconciled stored transaction in the range against the
// ledger and persists matches and committed transactions.
func (s *Services) ReconcilePending(ctx context.Context, entries []model.AccountingEntry, start, end time.Time) (*reconcile.BatchResult, error) {
	txs, err := s.Storage.GetUnreconciledTransactions(ctx, start, end)
	if err != nil {
		return nil, err
	}
	rules, err := s.Storage.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	used, err := s.Storage.CommittedEntryIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries = connection.MarkCommitted(entries, used)

	ptrs := make([]*model.Transaction, len(txs))
	for i := range txs {
		ptrs[i] = &txs[i]
	}
	result, err := s.Reconciler.BatchReconcile(ctx, ptrs, entries, rules)
	if err != nil {
		return nil, err
	}
	if len(result.Matches) > 0 {
		if err := s.Storage.SaveMatches(ctx, result.Matches); err != nil {
			return result, err
		}
	}
	var reconciled []model.Transaction
	for _, tx := range txs {
		if tx.Reconciled {
			reconciled = append(reconciled, tx)
		}
	}
	if len(reconciled) > 0 {
		if err := s.Storage.SaveTransactions(ctx, reconciled); err != nil {
			return result, err
		}
	}
	return result, nil
}
