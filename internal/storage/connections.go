package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
)

const connectionColumns = `id, user_id, provider_id, bank_id, bank_name, status, consent_id,
	credential_id, metadata, consent_expires_at, last_sync_at, created_at, updated_at`

// SaveConnection inserts or updates a connection. Token fields are never written.
func (s *SQLiteStorage) SaveConnection(ctx context.Context, c *model.Connection) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateConnection(c); err != nil {
		return err
	}

	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode connection metadata: %w", err)
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = c.UpdatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, provider_id, bank_id, bank_name, status, consent_id,
			credential_id, item_id, metadata, consent_expires_at, last_sync_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bank_name = excluded.bank_name,
			status = excluded.status,
			consent_id = excluded.consent_id,
			credential_id = excluded.credential_id,
			item_id = excluded.item_id,
			metadata = excluded.metadata,
			consent_expires_at = excluded.consent_expires_at,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`,
		c.ID, c.UserID, c.ProviderID, c.BankID, c.BankName, string(c.Status), c.ConsentID,
		c.CredentialID, c.Metadata.ItemID, string(meta), nullTime(c.ConsentExpiresAt), nullTime(c.LastSyncAt),
		created, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save connection %s: %w", c.ID, err)
	}
	return nil
}

// GetConnection returns one connection or common.ErrConnectionNotFound.
func (s *SQLiteStorage) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// FindConnectionByItemID looks a connection up by the provider's item id.
func (s *SQLiteStorage) FindConnectionByItemID(ctx context.Context, providerID, itemID string) (*model.Connection, error) {
	if err := validateString(itemID, "itemID"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+`
		FROM connections WHERE provider_id = ? AND item_id = ?
		ORDER BY updated_at DESC LIMIT 1`, providerID, itemID)
	return scanConnection(row)
}

// ListConnections returns the user's connections, or all of them for an empty user id.
func (s *SQLiteStorage) ListConnections(ctx context.Context, userID string) ([]model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection with its accounts and their transactions.
func (s *SQLiteStorage) DeleteConnection(ctx context.Context, id string) error {
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transactions
			WHERE account_id IN (SELECT id FROM accounts WHERE connection_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to delete transactions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE connection_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete accounts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", common.ErrConnectionNotFound, id)
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*model.Connection, error) {
	var (
		c                  model.Connection
		status, meta       string
		bankName, consent  sql.NullString
		credential         sql.NullString
		consentExp, synced sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ProviderID, &c.BankID, &bankName, &status, &consent,
		&credential, &meta, &consentExp, &synced, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	c.Status = model.ConnectionStatus(status)
	c.BankName = bankName.String
	c.ConsentID = consent.String
	c.CredentialID = credential.String
	c.ConsentExpiresAt = timePtr(consentExp)
	c.LastSyncAt = timePtr(synced)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of connection %s: %w", c.ID, err)
		}
	}
	return &c, nil
}
