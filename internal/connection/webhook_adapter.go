package connection

import (
	"context"

	"github.com/Veraticus/bankfeed/internal/model"
)

// WebhookTarget exposes the orchestrator to the webhook pipeline's handlers.
type WebhookTarget struct {
	o *Orchestrator
}

// NewWebhookTarget wraps o.
func NewWebhookTarget(o *Orchestrator) *WebhookTarget {
	return &WebhookTarget{o: o}
}

// UpdateStatus applies a pushed status change.
func (t *WebhookTarget) UpdateStatus(ctx context.Context, connectionID string, status model.ConnectionStatus, reason string) error {
	return t.o.UpdateStatus(ctx, connectionID, status, reason).Err
}

// IngestTransactions stores pushed transactions.
func (t *WebhookTarget) IngestTransactions(ctx context.Context, connectionID string, txs []model.Transaction) error {
	return t.o.IngestTransactions(ctx, connectionID, txs)
}

// RemoveTransactions deletes transactions the provider withdrew.
func (t *WebhookTarget) RemoveTransactions(ctx context.Context, connectionID string, ids []string) error {
	return t.o.RemoveTransactions(ctx, connectionID, ids)
}

// SyncConnection runs a sync; per-item errors are left in the report.
func (t *WebhookTarget) SyncConnection(ctx context.Context, connectionID string) error {
	return t.o.Sync(ctx, connectionID).Err
}

// RefreshAccount refreshes one account's balance.
func (t *WebhookTarget) RefreshAccount(ctx context.Context, connectionID, accountExternalID string) error {
	return t.o.RefreshAccount(ctx, connectionID, accountExternalID).Err
}

// ResolveConnection maps a provider item id to a connection id.
func (t *WebhookTarget) ResolveConnection(ctx context.Context, providerID, externalID string) (string, error) {
	return t.o.ResolveConnection(ctx, providerID, externalID)
}
