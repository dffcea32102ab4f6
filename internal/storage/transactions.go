package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/shopspring/decimal"
)

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// SaveAccounts upserts accounts. Their connection must exist.
func (s *SQLiteStorage) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	for i := range accounts {
		if err := validateAccount(&accounts[i]); err != nil {
			return fmt.Errorf("account at index %d: %w", i, err)
		}
	}
	if len(accounts) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO accounts (
				id, connection_id, external_id, name, type, currency, balance,
				available_balance, iban, bic, account_number, active, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				currency = excluded.currency,
				balance = excluded.balance,
				available_balance = excluded.available_balance,
				iban = excluded.iban,
				bic = excluded.bic,
				account_number = excluded.account_number,
				active = excluded.active,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, a := range accounts {
			var available sql.NullString
			if a.AvailableBalance != nil {
				available = sql.NullString{String: a.AvailableBalance.String(), Valid: true}
			}
			updated := a.UpdatedAt
			if updated.IsZero() {
				updated = time.Now().UTC()
			}
			accountType := a.Type
			if accountType == "" {
				accountType = model.AccountChecking
			}
			if _, err := stmt.ExecContext(ctx,
				a.ID, a.ConnectionID, a.ExternalID, a.Name, string(accountType), a.Currency, a.Balance.String(),
				available, a.IBAN, a.BIC, a.AccountNumber, a.Active, updated,
			); err != nil {
				return fmt.Errorf("failed to save account %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetAccounts returns the accounts of a connection ordered by name.
func (s *SQLiteStorage) GetAccounts(ctx context.Context, connectionID string) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, external_id, name, type, currency, balance,
		       available_balance, iban, bic, account_number, active, updated_at
		FROM accounts WHERE connection_id = ? ORDER BY name, id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAccount returns one account.
func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, external_id, name, type, currency, balance,
		       available_balance, iban, bic, account_number, active, updated_at
		FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, common.ErrNotFound)
	}
	return a, err
}

func scanAccount(row scanner) (*model.Account, error) {
	var (
		a                                 model.Account
		name, currency, iban, bic, number sql.NullString
		accountType, balance              string
		available                         sql.NullString
	)
	if err := row.Scan(&a.ID, &a.ConnectionID, &a.ExternalID, &name, &accountType, &currency, &balance,
		&available, &iban, &bic, &number, &a.Active, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Name, a.Currency, a.IBAN, a.BIC, a.AccountNumber = name.String, currency.String, iban.String, bic.String, number.String
	a.Type = model.AccountType(accountType)

	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("invalid balance on account %s: %w", a.ID, err)
	}
	if available.Valid && available.String != "" {
		v, err := decimal.NewFromString(available.String)
		if err != nil {
			return nil, fmt.Errorf("invalid available balance on account %s: %w", a.ID, err)
		}
		a.AvailableBalance = &v
	}
	return &a, nil
}

// SaveTransactions upserts transactions. Updates keep reconciliation state that is already
// stored unless the incoming transaction is itself reconciled. Only pending rows change their
// booked fields and status; posted and canceled rows keep them and accept only category and
// reconciliation updates.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransactions(transactions); err != nil {
		return err
	}
	if len(transactions) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.saveTransactionsTx(ctx, tx, transactions)
	})
}

func (s *SQLiteStorage) saveTransactionsTx(ctx context.Context, tx *sql.Tx, transactions []model.Transaction) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			id, account_id, external_id, hash, booking_date, value_date, amount, currency,
			description, raw_description, category, type, status, counterparty, reference,
			linked_entry_ids, reconciled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			hash = CASE WHEN transactions.status = 'pending' THEN excluded.hash ELSE transactions.hash END,
			booking_date = CASE WHEN transactions.status = 'pending' THEN excluded.booking_date ELSE transactions.booking_date END,
			value_date = CASE WHEN transactions.status = 'pending' THEN excluded.value_date ELSE transactions.value_date END,
			amount = CASE WHEN transactions.status = 'pending' THEN excluded.amount ELSE transactions.amount END,
			currency = CASE WHEN transactions.status = 'pending' THEN excluded.currency ELSE transactions.currency END,
			description = CASE WHEN transactions.status = 'pending' THEN excluded.description ELSE transactions.description END,
			raw_description = CASE WHEN transactions.status = 'pending' THEN excluded.raw_description ELSE transactions.raw_description END,
			category = COALESCE(NULLIF(excluded.category, ''), transactions.category),
			type = CASE WHEN transactions.status = 'pending' THEN excluded.type ELSE transactions.type END,
			status = CASE WHEN transactions.status = 'pending' THEN excluded.status ELSE transactions.status END,
			counterparty = CASE WHEN transactions.status = 'pending' THEN excluded.counterparty ELSE transactions.counterparty END,
			reference = CASE WHEN transactions.status = 'pending' THEN excluded.reference ELSE transactions.reference END,
			linked_entry_ids = CASE WHEN excluded.reconciled THEN excluded.linked_entry_ids ELSE transactions.linked_entry_ids END,
			reconciled = MAX(transactions.reconciled, excluded.reconciled),
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, txn := range transactions {
		linked := txn.LinkedEntryIDs
		if linked == nil {
			linked = []string{}
		}
		linkedJSON, err := json.Marshal(linked)
		if err != nil {
			return fmt.Errorf("failed to encode linked entries: %w", err)
		}
		valueDate := txn.ValueDate
		if valueDate.IsZero() {
			valueDate = txn.BookingDate
		}
		txType := txn.Type
		if txType == "" {
			txType = model.TypeForAmount(txn.Amount)
		}
		status := txn.Status
		if status == "" {
			status = model.TransactionPosted
		}

		if _, err := stmt.ExecContext(ctx,
			txn.ID, txn.AccountID, txn.ExternalID, txn.Hash(), txn.BookingDate, valueDate,
			txn.Amount.String(), txn.Currency, txn.Description, txn.RawDescription, txn.Category,
			string(txType), string(status), txn.Counterparty, txn.Reference,
			string(linkedJSON), txn.Reconciled,
		); err != nil {
			return fmt.Errorf("failed to save transaction %s: %w", txn.ID, err)
		}
	}
	return nil
}

// DeleteTransactions removes transactions by id.
func (s *SQLiteStorage) DeleteTransactions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}
	return nil
}

const transactionColumns = `t.id, t.account_id, t.external_id, t.booking_date, t.value_date, t.amount,
	t.currency, t.description, t.raw_description, t.category, t.type, t.status, t.counterparty,
	t.reference, t.linked_entry_ids, t.reconciled`

// GetTransactions returns a connection's transactions booked within [start, end].
// A zero start or end leaves that side open.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, connectionID string, start, end time.Time) ([]model.Transaction, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: end date %v is before start date %v", ErrInvalidDateRange, end, start)
	}
	query := `SELECT ` + transactionColumns + `
		FROM transactions t JOIN accounts a ON a.id = t.account_id
		WHERE a.connection_id = ?`
	args := []any{connectionID}
	return s.queryTransactions(ctx, query, args, start, end)
}

// GetAccountTransactions returns one account's transactions booked within [start, end].
func (s *SQLiteStorage) GetAccountTransactions(ctx context.Context, accountID string, start, end time.Time) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.account_id = ?`
	return s.queryTransactions(ctx, query, []any{accountID}, start, end)
}

// GetTransactionsByID returns the stored transactions among ids, keyed by id.
func (s *SQLiteStorage) GetTransactionsByID(ctx context.Context, ids []string) (map[string]model.Transaction, error) {
	out := make(map[string]model.Transaction, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id IN (` + placeholders + `)`
	txs, err := s.queryTransactions(ctx, query, args, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, txn := range txs {
		out[txn.ID] = txn
	}
	return out, nil
}

// GetUnreconciledTransactions returns every transaction not yet linked to a ledger entry.
func (s *SQLiteStorage) GetUnreconciledTransactions(ctx context.Context, start, end time.Time) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.reconciled = 0`
	return s.queryTransactions(ctx, query, nil, start, end)
}

func (s *SQLiteStorage) queryTransactions(ctx context.Context, query string, args []any, start, end time.Time) ([]model.Transaction, error) {
	if !start.IsZero() {
		query += ` AND t.booking_date >= ?`
		args = append(args, start)
	}
	if !end.IsZero() {
		query += ` AND t.booking_date <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY t.booking_date ASC, t.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Transaction
	for rows.Next() {
		var (
			txn                                         model.Transaction
			amount, txType, status, linked              string
			currency, desc, raw, category, cpty, refNum sql.NullString
		)
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.ExternalID, &txn.BookingDate, &txn.ValueDate, &amount,
			&currency, &desc, &raw, &category, &txType, &status, &cpty, &refNum, &linked, &txn.Reconciled); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if txn.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount on transaction %s: %w", txn.ID, err)
		}
		txn.Currency, txn.Description, txn.RawDescription = currency.String, desc.String, raw.String
		txn.Category, txn.Counterparty, txn.Reference = category.String, cpty.String, refNum.String
		txn.Type = model.TransactionType(txType)
		txn.Status = model.TransactionStatus(status)
		if linked != "" {
			if err := json.Unmarshal([]byte(linked), &txn.LinkedEntryIDs); err != nil {
				return nil, fmt.Errorf("invalid linked entries on transaction %s: %w", txn.ID, err)
			}
		}
		if len(txn.LinkedEntryIDs) == 0 {
			txn.LinkedEntryIDs = nil
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}
