package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/shopspring/decimal"
)

// StatusUpdater applies connection status changes.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, connectionID string, status model.ConnectionStatus, reason string) error
}

// TransactionSink receives transaction events. Payloads that carry transactions or removed
// ids are applied directly; empty ones trigger a sync of the connection.
type TransactionSink interface {
	IngestTransactions(ctx context.Context, connectionID string, txs []model.Transaction) error
	RemoveTransactions(ctx context.Context, connectionID string, ids []string) error
	SyncConnection(ctx context.Context, connectionID string) error
}

// AccountRefresher refreshes one account after an account event.
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, connectionID, accountExternalID string) error
}

// ConnectionResolver maps a provider item id to a local connection id.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, providerID, externalID string) (string, error)
}

// FailedEventStore keeps events that exhausted their retries.
type FailedEventStore interface {
	SaveFailed(ctx context.Context, event model.WebhookEvent) error
}

// ErrNoConnection is returned when an event cannot be tied to a connection.
var ErrNoConnection = errors.New("webhook event has no resolvable connection")

type handlerFunc func(ctx context.Context, ev *model.WebhookEvent) error

// eventData is the union of the fields handlers read from the envelope data.
type eventData struct {
	Status       string               `json:"status"`
	Reason       string               `json:"reason"`
	AccountID    string               `json:"account_id"`
	Removed      []string             `json:"removed"`
	Transactions []transactionPayload `json:"transactions"`
}

// transactionPayload is the canonical form of a pushed transaction.
type transactionPayload struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Date         string `json:"date"`
	ValueDate    string `json:"value_date"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Counterparty string `json:"counterparty"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
}

func (m *Manager) defaultHandlers() map[model.EventType]handlerFunc {
	return map[model.EventType]handlerFunc{
		model.EventTransactionCreated:      m.handleTransactions,
		model.EventTransactionUpdated:      m.handleTransactions,
		model.EventAccountUpdated:          m.handleAccount,
		model.EventConnectionStatusChanged: m.handleStatus,
		model.EventConnectionError:         m.handleStatus,
		model.EventConnectionExpired:       m.handleStatus,
	}
}

func (m *Manager) connectionID(ctx context.Context, ev *model.WebhookEvent) (string, error) {
	if ev.ConnectionID != "" {
		return ev.ConnectionID, nil
	}
	if ev.ExternalID == "" || m.resolver == nil {
		return "", ErrNoConnection
	}
	id, err := m.resolver.ResolveConnection(ctx, ev.ProviderID, ev.ExternalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve connection for %s item %s: %w", ev.ProviderID, ev.ExternalID, err)
	}
	ev.ConnectionID = id
	return id, nil
}

func parseData(ev *model.WebhookEvent) (eventData, error) {
	var data eventData
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(ev.Payload, &data); err != nil {
		return data, &common.ValidationError{Field: "data", Message: "malformed event data", Err: err}
	}
	return data, nil
}

func (m *Manager) handleTransactions(ctx context.Context, ev *model.WebhookEvent) error {
	if m.sink == nil {
		return errors.New("no transaction sink configured")
	}
	connID, err := m.connectionID(ctx, ev)
	if err != nil {
		return err
	}
	data, err := parseData(ev)
	if err != nil {
		return err
	}

	count := 0
	switch {
	case len(data.Transactions) > 0:
		txs, err := normalizeTransactions(ev.ProviderID, connID, data.Transactions)
		if err != nil {
			return err
		}
		if err := m.sink.IngestTransactions(ctx, connID, txs); err != nil {
			return err
		}
		count = len(txs)
	case len(data.Removed) == 0:
		if err := m.sink.SyncConnection(ctx, connID); err != nil {
			return err
		}
	}
	if len(data.Removed) > 0 {
		ids := make([]string, 0, len(data.Removed))
		for _, r := range data.Removed {
			if r != "" {
				ids = append(ids, provider.TransactionID(ev.ProviderID, r))
			}
		}
		if err := m.sink.RemoveTransactions(ctx, connID, ids); err != nil {
			return err
		}
	}

	return m.notify(ctx, Notification{
		Type:         NotifyTransactionsUpdated,
		ConnectionID: connID,
		ProviderID:   ev.ProviderID,
		Message:      fmt.Sprintf("%s: %d pushed, %d removed", ev.Type, count, len(data.Removed)),
	})
}

func (m *Manager) handleAccount(ctx context.Context, ev *model.WebhookEvent) error {
	connID, err := m.connectionID(ctx, ev)
	if err != nil {
		return err
	}
	data, err := parseData(ev)
	if err != nil {
		return err
	}

	switch {
	case data.AccountID != "" && m.accounts != nil:
		if err := m.accounts.RefreshAccount(ctx, connID, data.AccountID); err != nil {
			return err
		}
	case m.sink != nil:
		if err := m.sink.SyncConnection(ctx, connID); err != nil {
			return err
		}
	default:
		return errors.New("no account refresher configured")
	}

	return m.notify(ctx, Notification{
		Type:         NotifyAccountUpdated,
		ConnectionID: connID,
		ProviderID:   ev.ProviderID,
		Message:      "account " + data.AccountID + " updated",
	})
}

func (m *Manager) handleStatus(ctx context.Context, ev *model.WebhookEvent) error {
	if m.status == nil {
		return errors.New("no status updater configured")
	}
	connID, err := m.connectionID(ctx, ev)
	if err != nil {
		return err
	}
	data, err := parseData(ev)
	if err != nil {
		return err
	}

	var status model.ConnectionStatus
	switch ev.Type {
	case model.EventConnectionExpired:
		status = model.ConnectionExpired
	case model.EventConnectionError:
		status = model.ConnectionError
	default:
		status, err = model.ParseConnectionStatus(data.Status)
		if err != nil {
			return &common.ValidationError{Field: "status", Message: "unknown status", Err: err}
		}
	}

	if err := m.status.UpdateStatus(ctx, connID, status, data.Reason); err != nil {
		return err
	}

	kind := NotifyConnectionStatus
	switch status {
	case model.ConnectionExpired, model.ConnectionPendingAuth:
		kind = NotifyReauthRequired
	case model.ConnectionError:
		kind = NotifyConnectionError
	}
	return m.notify(ctx, Notification{
		Type:         kind,
		ConnectionID: connID,
		ProviderID:   ev.ProviderID,
		Status:       status,
		Message:      data.Reason,
	})
}

// notify never fails the event; a lost notification is only logged.
func (m *Manager) notify(ctx context.Context, n Notification) error {
	n.Time = m.now().UTC()
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("Failed to deliver notification", "type", n.Type, "connection_id", n.ConnectionID, "error", err)
	}
	return nil
}

func normalizeTransactions(providerID, connectionID string, in []transactionPayload) ([]model.Transaction, error) {
	out := make([]model.Transaction, 0, len(in))
	for i, p := range in {
		if p.ID == "" {
			return nil, common.NewValidationError(fmt.Sprintf("transactions[%d].id", i), "is required")
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, &common.ValidationError{Field: fmt.Sprintf("transactions[%d].amount", i), Message: "not a decimal", Err: err}
		}
		booked, err := provider.ParseDate(p.Date)
		if err != nil {
			return nil, &common.ValidationError{Field: fmt.Sprintf("transactions[%d].date", i), Message: "not a date", Err: err}
		}
		var valued time.Time
		if p.ValueDate != "" {
			if valued, err = provider.ParseDate(p.ValueDate); err != nil {
				return nil, &common.ValidationError{Field: fmt.Sprintf("transactions[%d].value_date", i), Message: "not a date", Err: err}
			}
		}

		tx := model.Transaction{
			ID:             provider.TransactionID(providerID, p.ID),
			ExternalID:     p.ID,
			AccountID:      provider.AccountID(connectionID, p.AccountID),
			Amount:         amount,
			Currency:       p.Currency,
			BookingDate:    booked,
			ValueDate:      valued,
			RawDescription: p.Description,
			Category:       p.Category,
			Counterparty:   p.Counterparty,
			Reference:      p.Reference,
			Status:         model.TransactionStatus(p.Status),
		}
		provider.Finalize(&tx)
		out = append(out, tx)
	}
	return out, nil
}
