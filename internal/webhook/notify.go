package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
)

// NotificationType classifies client notifications.
type NotificationType string

// Notification types.
const (
	NotifyReauthRequired      NotificationType = "reauth_required"
	NotifyConnectionError     NotificationType = "connection_error"
	NotifyConnectionStatus    NotificationType = "connection_status"
	NotifyTransactionsUpdated NotificationType = "transactions_updated"
	NotifyAccountUpdated      NotificationType = "account_updated"
)

// Notification tells a client that something about a connection changed.
type Notification struct {
	Time         time.Time              `json:"time"`
	Type         NotificationType       `json:"type"`
	ConnectionID string                 `json:"connection_id"`
	ProviderID   string                 `json:"provider_id"`
	Status       model.ConnectionStatus `json:"status,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info("Notification",
		"type", note.Type,
		"connection_id", note.ConnectionID,
		"provider", note.ProviderID,
		"status", note.Status,
		"message", note.Message)
	return nil
}
