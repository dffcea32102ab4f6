package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Connections, credentials, accounts and transactions",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS credentials (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					provider_id TEXT NOT NULL,
					ciphertext TEXT NOT NULL,
					key_id TEXT NOT NULL,
					algorithm TEXT NOT NULL,
					expires_at DATETIME,
					created_at DATETIME NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS connections (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					provider_id TEXT NOT NULL,
					bank_id TEXT NOT NULL,
					bank_name TEXT,
					status TEXT NOT NULL CHECK(status IN ('connecting', 'connected', 'pending_auth', 'expired', 'error')),
					consent_id TEXT,
					credential_id TEXT,
					item_id TEXT,
					metadata TEXT NOT NULL DEFAULT '{}',
					consent_expires_at DATETIME,
					last_sync_at DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_connections_user ON connections(user_id)`,
				`CREATE INDEX idx_connections_item ON connections(provider_id, item_id)`,

				`CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
					external_id TEXT NOT NULL,
					name TEXT,
					type TEXT NOT NULL,
					currency TEXT,
					balance TEXT NOT NULL,
					available_balance TEXT,
					iban TEXT,
					bic TEXT,
					account_number TEXT,
					active INTEGER NOT NULL DEFAULT 1,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_accounts_connection ON accounts(connection_id)`,

				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL,
					external_id TEXT NOT NULL,
					hash TEXT NOT NULL,
					booking_date DATETIME NOT NULL,
					value_date DATETIME NOT NULL,
					amount TEXT NOT NULL,
					currency TEXT,
					description TEXT,
					raw_description TEXT,
					category TEXT,
					type TEXT NOT NULL,
					status TEXT NOT NULL,
					counterparty TEXT,
					reference TEXT,
					linked_entry_ids TEXT NOT NULL DEFAULT '[]',
					reconciled INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_transactions_account_date ON transactions(account_id, booking_date)`,
				`CREATE INDEX idx_transactions_hash ON transactions(hash)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Failed webhook events and encryption audit log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS webhook_events (
					id TEXT PRIMARY KEY,
					event_id TEXT,
					type TEXT NOT NULL,
					provider_id TEXT NOT NULL,
					connection_id TEXT,
					external_id TEXT,
					payload TEXT,
					retry_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					received_at DATETIME NOT NULL,
					failed_at DATETIME
				)`,
				`CREATE INDEX idx_webhook_events_provider ON webhook_events(provider_id, received_at)`,

				`CREATE TABLE IF NOT EXISTS audit_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					time DATETIME NOT NULL,
					operation TEXT NOT NULL,
					key_id TEXT,
					context TEXT,
					user_id TEXT,
					success INTEGER NOT NULL,
					error TEXT
				)`,
				`CREATE INDEX idx_audit_log_time ON audit_log(time)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Reconciliation rules and matches",
		Up: func(tx *sql.Tx) error {
			if err := execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS reconciliation_rules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					conditions TEXT NOT NULL,
					actions TEXT NOT NULL,
					priority INTEGER NOT NULL DEFAULT 100,
					auto_apply INTEGER NOT NULL DEFAULT 0,
					active INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_rules_priority ON reconciliation_rules(priority)`,

				`CREATE TABLE IF NOT EXISTS reconciliation_matches (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL,
					entry_id TEXT NOT NULL,
					type TEXT NOT NULL,
					rule_id TEXT,
					status TEXT NOT NULL,
					confidence REAL NOT NULL,
					category TEXT,
					note TEXT,
					discrepancy TEXT,
					pending_actions TEXT,
					flagged INTEGER NOT NULL DEFAULT 0,
					committed INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_matches_transaction ON reconciliation_matches(transaction_id)`,
			}); err != nil {
				return err
			}
			slog.Info("Created reconciliation tables")
			return nil
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the current PRAGMA user_version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}
