package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
)

// SaveCredential stores an encrypted credential. Credentials are immutable; rotation
// writes a new one.
func (s *SQLiteStorage) SaveCredential(ctx context.Context, c *model.EncryptedCredential) error {
	if err := validateCredential(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, provider_id, ciphertext, key_id, algorithm, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProviderID, c.Ciphertext, c.KeyID, c.Algorithm, nullTime(c.ExpiresAt), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential returns a credential or common.ErrNotFound.
func (s *SQLiteStorage) GetCredential(ctx context.Context, id string) (*model.EncryptedCredential, error) {
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	var (
		c       model.EncryptedCredential
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_id, ciphertext, key_id, algorithm, expires_at, created_at
		FROM credentials WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.ProviderID, &c.Ciphertext, &c.KeyID, &c.Algorithm, &expires, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.ExpiresAt = timePtr(expires)
	return &c, nil
}

// DeleteCredential removes a credential. Missing credentials are not an error.
func (s *SQLiteStorage) DeleteCredential(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// RecordAudit implements encryption.AuditSink.
func (s *SQLiteStorage) RecordAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (time, operation, key_id, context, user_id, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Time, e.Operation, e.KeyID, e.Context, e.UserID, e.Success, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *SQLiteStorage) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, operation, key_id, context, user_id, success, error
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                         model.AuditEntry
			keyID, ctxStr, user, eMsg sql.NullString
		)
		if err := rows.Scan(&e.Time, &e.Operation, &keyID, &ctxStr, &user, &e.Success, &eMsg); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.KeyID, e.Context, e.UserID, e.Error = keyID.String, ctxStr.String, user.String, eMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}
