package connection

import (
	"context"
	"time"

	"github.com/Veraticus/bankfeed/internal/model"
)

// Store persists connections and the data pulled through them. Implementations must
// not persist Connection.AccessToken or Connection.RefreshToken; those live only in
// the encrypted credential.
type Store interface {
	SaveConnection(ctx context.Context, conn *model.Connection) error
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	FindConnectionByItemID(ctx context.Context, providerID, itemID string) (*model.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]model.Connection, error)
	DeleteConnection(ctx context.Context, id string) error

	SaveCredential(ctx context.Context, cred *model.EncryptedCredential) error
	GetCredential(ctx context.Context, id string) (*model.EncryptedCredential, error)
	DeleteCredential(ctx context.Context, id string) error

	SaveAccounts(ctx context.Context, accounts []model.Account) error
	GetAccounts(ctx context.Context, connectionID string) ([]model.Account, error)

	SaveTransactions(ctx context.Context, txs []model.Transaction) error
	DeleteTransactions(ctx context.Context, ids []string) error
	GetTransactions(ctx context.Context, connectionID string, start, end time.Time) ([]model.Transaction, error)
	GetTransactionsByID(ctx context.Context, ids []string) (map[string]model.Transaction, error)

	SaveMatches(ctx context.Context, matches []model.ReconciliationMatch) error
	// CommittedEntryIDs lists ledger entries already linked by a committed match.
	CommittedEntryIDs(ctx context.Context) (map[string]bool, error)
}

// EntrySource supplies ledger entries for reconciliation after a sync.
type EntrySource interface {
	Entries(ctx context.Context, connectionID string) ([]model.AccountingEntry, error)
}

// RuleSource supplies the active reconciliation rules.
type RuleSource interface {
	ListRules(ctx context.Context) ([]model.ReconciliationRule, error)
}

// Encryptor seals and opens token bundles. *encryption.Service satisfies it.
type Encryptor interface {
	EncryptCredential(ctx context.Context, userID, providerID string, v any, expiresAt *time.Time) (*model.EncryptedCredential, error)
	DecryptCredential(ctx context.Context, cred *model.EncryptedCredential, out any) error
}
