package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
)

// SaveFailed parks a webhook event that exhausted its retries.
func (s *SQLiteStorage) SaveFailed(ctx context.Context, ev model.WebhookEvent) error {
	if err := validateEvent(&ev); err != nil {
		return err
	}
	failedAt := ev.FailedAt
	if failedAt == nil {
		now := time.Now().UTC()
		failedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (
			id, event_id, type, provider_id, connection_id, external_id, payload,
			retry_count, last_error, received_at, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			failed_at = excluded.failed_at`,
		ev.ID, ev.EventID, string(ev.Type), ev.ProviderID, ev.ConnectionID, ev.ExternalID, string(ev.Payload),
		ev.RetryCount, ev.LastError, ev.ReceivedAt, nullTime(failedAt))
	if err != nil {
		return fmt.Errorf("failed to save webhook event %s: %w", ev.ID, err)
	}
	return nil
}

// ListFailed returns parked events for a provider, oldest first. An empty provider lists all.
func (s *SQLiteStorage) ListFailed(ctx context.Context, providerID string, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_id, type, provider_id, connection_id, external_id, payload,
		retry_count, last_error, received_at, failed_at FROM webhook_events`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY received_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WebhookEvent
	for rows.Next() {
		var (
			ev                                       model.WebhookEvent
			eventID, connID, extID, payload, lastErr sql.NullString
			failedAt                                 sql.NullTime
			eventType                                string
		)
		if err := rows.Scan(&ev.ID, &eventID, &eventType, &ev.ProviderID, &connID, &extID, &payload,
			&ev.RetryCount, &lastErr, &ev.ReceivedAt, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		ev.Type = model.EventType(eventType)
		ev.EventID, ev.ConnectionID, ev.ExternalID, ev.LastError = eventID.String, connID.String, extID.String, lastErr.String
		if payload.String != "" {
			ev.Payload = []byte(payload.String)
		}
		ev.FailedAt = timePtr(failedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteFailed removes a parked event, typically after a manual replay.
func (s *SQLiteStorage) DeleteFailed(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete webhook event: %w", err)
	}
	return nil
}
