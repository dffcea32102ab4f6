package connection

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/Veraticus/bankfeed/internal/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	connections  map[string]model.Connection
	credentials  map[string]model.EncryptedCredential
	accounts     map[string]model.Account
	transactions map[string]model.Transaction
	matches      []model.ReconciliationMatch
	mu           sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		connections:  make(map[string]model.Connection),
		credentials:  make(map[string]model.EncryptedCredential),
		accounts:     make(map[string]model.Account),
		transactions: make(map[string]model.Transaction),
	}
}

func (s *memStore) SaveConnection(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[conn.ID] = *conn
	return nil
}

func (s *memStore) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, common.ErrConnectionNotFound
	}
	return &c, nil
}

func (s *memStore) FindConnectionByItemID(_ context.Context, providerID, itemID string) (*model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if c.ProviderID == providerID && c.Metadata.ItemID == itemID {
			return &c, nil
		}
	}
	return nil, common.ErrConnectionNotFound
}

func (s *memStore) ListConnections(_ context.Context, userID string) ([]model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Connection
	for _, c := range s.connections {
		if userID == "" || c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeleteConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

func (s *memStore) SaveCredential(_ context.Context, cred *model.EncryptedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.ID] = *cred
	return nil
}

func (s *memStore) GetCredential(_ context.Context, id string) (*model.EncryptedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &c, nil
}

func (s *memStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, id)
	return nil
}

func (s *memStore) SaveAccounts(_ context.Context, accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return nil
}

func (s *memStore) GetAccounts(_ context.Context, connectionID string) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Account
	for _, a := range s.accounts {
		if a.ConnectionID == connectionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) SaveTransactions(_ context.Context, txs []model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.transactions[tx.ID] = tx
	}
	return nil
}

func (s *memStore) DeleteTransactions(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.transactions, id)
	}
	return nil
}

func (s *memStore) GetTransactions(_ context.Context, _ string, _, _ time.Time) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx)
	}
	return out, nil
}

func (s *memStore) GetTransactionsByID(_ context.Context, ids []string) (map[string]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.Transaction)
	for _, id := range ids {
		if tx, ok := s.transactions[id]; ok {
			out[id] = tx
		}
	}
	return out, nil
}

func (s *memStore) CommittedEntryIDs(context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, m := range s.matches {
		if m.Committed && m.Status != model.MatchDisputed {
			out[m.EntryID] = true
		}
	}
	return out, nil
}

func (s *memStore) committed() []model.ReconciliationMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReconciliationMatch
	for _, m := range s.matches {
		if m.Committed {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) SaveMatches(_ context.Context, matches []model.ReconciliationMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, matches...)
	return nil
}

type staticEntries []model.AccountingEntry

func (e staticEntries) Entries(context.Context, string) ([]model.AccountingEntry, error) {
	return e, nil
}

var testNow = time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)

type fixture struct {
	orch  *Orchestrator
	store *memStore
	enc   *encryption.Service
	mock  *provider.MockProvider
	now   *time.Time
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }

	enc, err := encryption.New([]byte("a-test-secret-of-32-bytes-length"), encryption.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })

	mock := provider.NewMockProvider("bridge")
	mock.SupportsBankFn = func(_ context.Context, bankID string) (bool, error) {
		return bankID == "bnp_paribas", nil
	}
	mock.CreateConnectionFn = func(_ context.Context, req provider.CreateConnectionRequest) (*provider.ConnectionResult, error) {
		return &provider.ConnectionResult{
			Status:      model.ConnectionConnecting,
			BankName:    "BNP Paribas",
			AccessToken: "tok-1",
			Metadata:    model.ConnectionMetadata{ExternalUserID: "uuid-" + req.UserID},
			Auth:        &provider.AuthChallenge{RedirectURL: "https://connect.example/session/1"},
		}, nil
	}
	registry, err := provider.NewRegistry(mock)
	require.NoError(t, err)

	store := newMemStore()
	orch, err := New(registry, store, enc, cfg, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, enc: enc, mock: mock, now: &now}
}

func (f *fixture) create(t *testing.T) *model.Connection {
	t.Helper()
	res := f.orch.Create(context.Background(), "user-1", "bridge", "bnp_paribas")
	require.NoError(t, res.Err)
	return res.Data.Connection
}

func (f *fixture) tokens(t *testing.T, conn *model.Connection) tokenBundle {
	t.Helper()
	stored, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	cred, err := f.store.GetCredential(context.Background(), stored.CredentialID)
	require.NoError(t, err)
	var tb tokenBundle
	require.NoError(t, f.enc.DecryptCredential(context.Background(), cred, &tb))
	return tb
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, newMemStore(), nil, Config{})
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestCreateBridgeConnection(t *testing.T) {
	f := newFixture(t, Config{WebhookBaseURL: "https://hooks.example/"})

	res := f.orch.Create(context.Background(), "user-1", "bridge", "bnp_paribas", WithRedirectURL("https://app.example/done"))
	require.True(t, res.Succeeded())
	conn := res.Data.Connection

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, model.ConnectionConnecting, conn.Status)
	assert.Equal(t, "BNP Paribas", conn.BankName)
	assert.Equal(t, "bridge", conn.ProviderID)
	assert.Empty(t, conn.AccessToken)
	assert.NotEmpty(t, conn.CredentialID)
	assert.Equal(t, "wh_"+conn.ID, conn.Metadata.WebhookID)
	assert.Equal(t, "https://connect.example/session/1", res.Data.Auth.RedirectURL)
	assert.Equal(t, []string{"SupportsBank", "CreateConnection", "RegisterWebhook"}, f.mock.Calls())

	stored, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AccessToken)
	assert.Equal(t, model.ConnectionConnecting, stored.Status)

	cred := f.store.credentials[conn.CredentialID]
	assert.NotContains(t, cred.Ciphertext, "tok-1")
	assert.Equal(t, "user-1", cred.UserID)
	assert.Equal(t, "tok-1", f.tokens(t, conn).AccessToken)
}

func TestCreateRegistersWebhookSubscription(t *testing.T) {
	f := newFixture(t, Config{WebhookBaseURL: "https://hooks.example"})
	var sub provider.WebhookSubscription
	f.mock.RegisterWebhookFn = func(_ context.Context, _ *model.Connection, s provider.WebhookSubscription) (string, error) {
		sub = s
		return "wh-9", nil
	}

	conn := f.create(t)
	assert.Equal(t, "wh-9", conn.Metadata.WebhookID)
	assert.Equal(t, "https://hooks.example/webhooks/bridge", sub.URL)
	assert.Equal(t, provider.DefaultWebhookEvents, sub.Events)
}

func TestCreateSkipsWebhookWithoutCapability(t *testing.T) {
	f := newFixture(t, Config{WebhookBaseURL: "https://hooks.example"})
	f.mock.Caps.Webhooks = false

	conn := f.create(t)
	assert.Empty(t, conn.Metadata.WebhookID)
	assert.Zero(t, f.mock.CallCount("RegisterWebhook"))
}

func TestCreateWebhookFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, Config{WebhookBaseURL: "https://hooks.example"})
	f.mock.RegisterWebhookFn = func(context.Context, *model.Connection, provider.WebhookSubscription) (string, error) {
		return "", &common.NetworkError{Provider: "bridge", Message: "down"}
	}

	conn := f.create(t)
	assert.Empty(t, conn.Metadata.WebhookID)
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		check    func(t *testing.T, err error)
		name     string
		user     string
		provider string
		bank     string
	}{
		{
			name: "unsupported bank", user: "u", provider: "bridge", bank: "credit_mutuel",
			check: func(t *testing.T, err error) {
				var vErr *common.ValidationError
				assert.ErrorAs(t, err, &vErr)
				assert.ErrorIs(t, err, common.ErrUnsupportedBank)
			},
		},
		{
			name: "unknown provider", user: "u", provider: "nordigen", bank: "bnp_paribas",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, common.ErrProviderNotFound) },
		},
		{
			name: "missing user", provider: "bridge", bank: "bnp_paribas",
			check: func(t *testing.T, err error) {
				var vErr *common.ValidationError
				assert.ErrorAs(t, err, &vErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			res := f.orch.Create(context.Background(), tt.user, tt.provider, tt.bank)
			require.False(t, res.Succeeded())
			tt.check(t, res.Err)
			assert.Zero(t, f.mock.CallCount("CreateConnection"))
			assert.Empty(t, f.store.connections)
		})
	}
}

func TestUnknownConnectionFailsFast(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	errs := map[string]error{
		"get":           f.orch.Get(ctx, "missing").Err,
		"refresh":       f.orch.Refresh(ctx, "missing").Err,
		"delete":        f.orch.Delete(ctx, "missing").Err,
		"accounts":      f.orch.GetAccounts(ctx, "missing").Err,
		"transactions":  f.orch.GetTransactions(ctx, "missing", testNow.AddDate(0, -1, 0), testNow).Err,
		"sync":          f.orch.Sync(ctx, "missing").Err,
		"update status": f.orch.UpdateStatus(ctx, "missing", model.ConnectionError, "").Err,
		"rotate":        f.orch.RotateTokens(ctx, "missing").Err,
		"complete auth": f.orch.CompleteAuth(ctx, "missing", provider.AuthResponse{}).Err,
	}
	for name, err := range errs {
		assert.ErrorIs(t, err, common.ErrConnectionNotFound, name)
	}
	assert.Empty(t, f.mock.Calls())
}

func TestCompleteAuthDecryptsTokens(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)

	var seen string
	f.mock.CompleteAuthFn = func(_ context.Context, c *model.Connection, resp provider.AuthResponse) (*provider.ConnectionResult, error) {
		seen = c.AccessToken
		assert.Equal(t, "code-1", resp.Code)
		return &provider.ConnectionResult{Status: model.ConnectionConnected, ExternalID: "42"}, nil
	}

	res := f.orch.CompleteAuth(context.Background(), conn.ID, provider.AuthResponse{Code: "code-1"})
	require.NoError(t, res.Err)
	assert.Equal(t, "tok-1", seen)
	assert.Equal(t, model.ConnectionConnected, res.Data.Status)
	assert.Equal(t, "42", res.Data.Metadata.ItemID)
	assert.Empty(t, res.Data.AccessToken)

	id, err := f.orch.ResolveConnection(context.Background(), "bridge", "42")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, id)

	_, err = f.orch.ResolveConnection(context.Background(), "bridge", "43")
	assert.ErrorIs(t, err, common.ErrConnectionNotFound)
}

func TestIndexLoadsLazilyFromStore(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)

	other, err := New(f.orch.registry, f.store, f.enc, Config{})
	require.NoError(t, err)
	assert.Empty(t, other.index)

	res := other.Get(context.Background(), conn.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, conn.ID, res.Data.ID)
	assert.Len(t, other.index, 1)
}

func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    model.ConnectionStatus
		to      model.ConnectionStatus
		reason  string
		wantErr bool
	}{
		{name: "connected to pending auth", from: model.ConnectionConnected, to: model.ConnectionPendingAuth, reason: "sca required"},
		{name: "connected to expired", from: model.ConnectionConnected, to: model.ConnectionExpired, reason: "consent expired"},
		{name: "expired to error", from: model.ConnectionExpired, to: model.ConnectionError, wantErr: true},
		{name: "expired to connected", from: model.ConnectionExpired, to: model.ConnectionConnected},
		{name: "unknown status", from: model.ConnectionConnected, to: model.ConnectionStatus("paused"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			conn := f.create(t)
			require.NoError(t, f.orch.UpdateStatus(context.Background(), conn.ID, tt.from, "").Err)

			res := f.orch.UpdateStatus(context.Background(), conn.ID, tt.to, tt.reason)
			stored, err := f.store.GetConnection(context.Background(), conn.ID)
			require.NoError(t, err)
			if tt.wantErr {
				var vErr *common.ValidationError
				assert.ErrorAs(t, res.Err, &vErr)
				assert.Equal(t, tt.from, stored.Status)
				return
			}
			require.NoError(t, res.Err)
			assert.Equal(t, tt.to, stored.Status)
			assert.Equal(t, tt.reason, stored.Metadata.LastError)
		})
	}
}

func TestConsentExpiryMarksConnectionExpired(t *testing.T) {
	f := newFixture(t, Config{})
	expires := testNow.Add(time.Hour)
	f.mock.CreateConnectionFn = func(context.Context, provider.CreateConnectionRequest) (*provider.ConnectionResult, error) {
		return &provider.ConnectionResult{Status: model.ConnectionConnected, AccessToken: "tok-1", ConsentExpiresAt: &expires}, nil
	}
	conn := f.create(t)
	*f.now = testNow.Add(2 * time.Hour)

	res := f.orch.Sync(context.Background(), conn.ID)
	assert.ErrorIs(t, res.Err, common.ErrConsentExpired)
	var authErr *common.AuthenticationError
	assert.ErrorAs(t, res.Err, &authErr)
	assert.Zero(t, f.mock.CallCount("ListAccounts"))

	stored, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionExpired, stored.Status)
}

func TestDeleteOrder(t *testing.T) {
	f := newFixture(t, Config{WebhookBaseURL: "https://hooks.example"})
	conn := f.create(t)
	f.mock.Reset()

	var tokenAtDelete string
	f.mock.DeleteConnectionFn = func(_ context.Context, c *model.Connection) error {
		tokenAtDelete = c.AccessToken
		return nil
	}

	res := f.orch.Delete(context.Background(), conn.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"DeleteConnection", "RemoveWebhook"}, f.mock.Calls())
	assert.Equal(t, "tok-1", tokenAtDelete)
	assert.Empty(t, f.store.connections)
	assert.Empty(t, f.store.credentials)
	assert.ErrorIs(t, f.orch.Get(context.Background(), conn.ID).Err, common.ErrConnectionNotFound)
}

func TestDeleteKeepsRecordWhenProviderFails(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)
	f.mock.DeleteConnectionFn = func(context.Context, *model.Connection) error {
		return &common.NetworkError{Provider: "bridge", Message: "timeout"}
	}

	res := f.orch.Delete(context.Background(), conn.ID)
	require.Error(t, res.Err)
	assert.Len(t, f.store.connections, 1)
	assert.Len(t, f.store.credentials, 1)
}

func TestRotateTokensReencrypts(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)

	res := f.orch.RotateTokens(context.Background(), conn.ID)
	require.NoError(t, res.Err)
	assert.NotEqual(t, conn.CredentialID, res.Data.CredentialID)
	assert.NotContains(t, f.store.credentials, conn.CredentialID)
	assert.Len(t, f.store.credentials, 1)
	assert.Equal(t, "tok-1-rotated", f.tokens(t, conn).AccessToken)
}

func TestRotateTokensUnsupported(t *testing.T) {
	f := newFixture(t, Config{})
	f.mock.Caps.TokenRotation = false
	conn := f.create(t)

	res := f.orch.RotateTokens(context.Background(), conn.ID)
	assert.ErrorIs(t, res.Err, common.ErrUnsupportedOperation)
}

func bookedTx(id, account, amount, desc string, day int) model.Transaction {
	tx := model.Transaction{
		ID:             "bridge_" + id,
		ExternalID:     id,
		AccountID:      account,
		Amount:         decimal.RequireFromString(amount),
		Currency:       "EUR",
		BookingDate:    time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		RawDescription: desc,
	}
	provider.Finalize(&tx)
	return tx
}

func TestSyncCollectsErrorsAndReconciles(t *testing.T) {
	cfg := reconcile.DefaultConfig()
	cfg.AutoCommitThreshold = 0.8
	engine := reconcile.New(cfg)
	entries := staticEntries{{
		ID:          "entry-1",
		Date:        time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-50.75"),
		Description: "EDF FACTURE",
	}}

	f := newFixture(t, Config{AutoMatchThreshold: 0.8}, WithReconciler(engine, entries, nil))
	conn := f.create(t)

	f.mock.ListAccountsFn = func(_ context.Context, c *model.Connection) ([]model.Account, error) {
		return []model.Account{{ID: provider.AccountID(c.ID, "1"), ConnectionID: c.ID, ExternalID: "1", Name: "Compte"}}, nil
	}
	var cursors []string
	f.mock.SyncTransactionsFn = func(_ context.Context, c *model.Connection, cursor string) (*provider.SyncResult, error) {
		cursors = append(cursors, cursor)
		switch cursor {
		case "":
			valid := bookedTx("9001", provider.AccountID(c.ID, "1"), "-50.75", "EDF FACTURE", 15)
			orphan := bookedTx("9002", "", "-10.00", "ORPHAN", 16)
			return &provider.SyncResult{Added: []model.Transaction{valid, orphan}, NextCursor: "c1", HasMore: true}, nil
		default:
			return &provider.SyncResult{Removed: []string{"bridge_old"}, NextCursor: "c2"}, nil
		}
	}
	f.store.transactions["bridge_old"] = model.Transaction{ID: "bridge_old"}

	res := f.orch.Sync(context.Background(), conn.ID)
	require.NoError(t, res.Err)
	report := res.Data

	assert.Equal(t, []string{"", "c1"}, cursors)
	assert.Equal(t, 1, report.Accounts)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, "c2", report.Cursor)
	require.Len(t, report.Errors, 1)
	assert.True(t, strings.Contains(report.Err().Error(), "9002"))

	require.NotNil(t, report.Reconciliation)
	assert.Equal(t, 1, report.Reconciliation.Committed)
	assert.InDelta(t, 1.0, report.Reconciliation.MatchRate, 1e-9)
	assert.Len(t, f.store.matches, 1)

	saved := f.store.transactions["bridge_9001"]
	assert.True(t, saved.Reconciled)
	assert.Equal(t, []string{"entry-1"}, saved.LinkedEntryIDs)
	assert.NotContains(t, f.store.transactions, "bridge_old")
	assert.NotContains(t, f.store.transactions, "bridge_9002")
	assert.Len(t, f.store.accounts, 1)

	stored, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "c2", stored.Metadata.SyncCursor)
	require.NotNil(t, stored.LastSyncAt)
	assert.Equal(t, testNow, *stored.LastSyncAt)
}

func TestSyncNeverCommitsAnEntryTwice(t *testing.T) {
	cfg := reconcile.DefaultConfig()
	cfg.AutoCommitThreshold = 0.8
	entries := staticEntries{{
		ID:          "entry-1",
		Date:        time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-50.75"),
		Description: "EDF FACTURE",
	}}
	f := newFixture(t, Config{AutoMatchThreshold: 0.8}, WithReconciler(reconcile.New(cfg), entries, nil))
	conn := f.create(t)

	runs := 0
	f.mock.SyncTransactionsFn = func(_ context.Context, c *model.Connection, _ string) (*provider.SyncResult, error) {
		runs++
		id := "A"
		if runs > 1 {
			id = "B"
		}
		tx := bookedTx(id, provider.AccountID(c.ID, "1"), "-50.75", "EDF FACTURE", 15)
		return &provider.SyncResult{Added: []model.Transaction{tx}, NextCursor: "c" + id}, nil
	}

	first := f.orch.Sync(context.Background(), conn.ID)
	require.NoError(t, first.Err)
	second := f.orch.Sync(context.Background(), conn.ID)
	require.NoError(t, second.Err)

	committed := f.store.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, "bridge_A", committed[0].TransactionID)
	assert.Equal(t, "entry-1", committed[0].EntryID)
	assert.True(t, f.store.transactions["bridge_A"].Reconciled)
	assert.False(t, f.store.transactions["bridge_B"].Reconciled)
	assert.Equal(t, 0, second.Data.Reconciliation.Committed)
}

func TestSyncKeepsStoredTransactionState(t *testing.T) {
	tests := []struct {
		name       string
		stored     model.Transaction
		incoming   model.Transaction
		wantErrs   int
		wantStatus model.TransactionStatus
		wantAmount string
		wantLinks  []string
	}{
		{
			name:   "posted transaction cannot go back to pending",
			stored: bookedTx("1", "acc", "-4.50", "CAFE", 10),
			incoming: func() model.Transaction {
				tx := bookedTx("1", "acc", "-99.00", "CAFE", 10)
				tx.Status = model.TransactionPending
				return tx
			}(),
			wantErrs:   1,
			wantStatus: model.TransactionPosted,
			wantAmount: "-4.5",
		},
		{
			name:       "posted amount change is refused",
			stored:     bookedTx("1", "acc", "-4.50", "CAFE", 10),
			incoming:   bookedTx("1", "acc", "-5.50", "CAFE", 10),
			wantErrs:   1,
			wantStatus: model.TransactionPosted,
			wantAmount: "-4.5",
		},
		{
			name: "pending settles",
			stored: func() model.Transaction {
				tx := bookedTx("1", "acc", "-4.00", "CAFE", 10)
				tx.Status = model.TransactionPending
				return tx
			}(),
			incoming:   bookedTx("1", "acc", "-4.50", "CAFE", 11),
			wantStatus: model.TransactionPosted,
			wantAmount: "-4.5",
		},
		{
			name: "reconciled transaction keeps its links",
			stored: func() model.Transaction {
				tx := bookedTx("1", "acc", "-4.50", "CAFE", 10)
				tx.Reconciled = true
				tx.LinkedEntryIDs = []string{"entry-9"}
				return tx
			}(),
			incoming:   bookedTx("1", "acc", "-4.50", "CAFE BAR", 10),
			wantStatus: model.TransactionPosted,
			wantAmount: "-4.5",
			wantLinks:  []string{"entry-9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			conn := f.create(t)
			f.store.transactions[tt.stored.ID] = tt.stored
			f.mock.SyncTransactionsFn = func(context.Context, *model.Connection, string) (*provider.SyncResult, error) {
				return &provider.SyncResult{Added: []model.Transaction{tt.incoming}}, nil
			}

			res := f.orch.Sync(context.Background(), conn.ID)
			require.NoError(t, res.Err)
			assert.Len(t, res.Data.Errors, tt.wantErrs)

			saved := f.store.transactions[tt.stored.ID]
			assert.Equal(t, tt.wantStatus, saved.Status)
			assert.True(t, decimal.RequireFromString(tt.wantAmount).Equal(saved.Amount), saved.Amount.String())
			assert.Equal(t, tt.wantLinks, saved.LinkedEntryIDs)
			assert.Equal(t, tt.wantLinks != nil, saved.Reconciled)
		})
	}
}

func TestSyncFailureKeepsCursor(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)
	f.mock.SyncTransactionsFn = func(context.Context, *model.Connection, string) (*provider.SyncResult, error) {
		return nil, &common.AuthenticationError{Provider: "bridge", Message: "token revoked"}
	}

	res := f.orch.Sync(context.Background(), conn.ID)
	var authErr *common.AuthenticationError
	require.ErrorAs(t, res.Err, &authErr)

	stored, err := f.store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Metadata.SyncCursor)
	assert.Nil(t, stored.LastSyncAt)
}

func TestSyncWithoutCursorSupportUsesWindow(t *testing.T) {
	f := newFixture(t, Config{SyncWindow: 30 * 24 * time.Hour})
	f.mock.Caps.Sync = false
	conn := f.create(t)

	var queries []provider.TransactionQuery
	f.mock.ListTransactionsFn = func(_ context.Context, c *model.Connection, q provider.TransactionQuery) (*provider.TransactionPage, error) {
		queries = append(queries, q)
		if q.Cursor == "" {
			return &provider.TransactionPage{
				Transactions: []model.Transaction{bookedTx("1", provider.AccountID(c.ID, "1"), "-5", "CAFE", 10)},
				NextCursor:   "p2",
				HasMore:      true,
			}, nil
		}
		return &provider.TransactionPage{
			Transactions: []model.Transaction{bookedTx("2", provider.AccountID(c.ID, "1"), "-7", "CAFE", 11)},
		}, nil
	}

	res := f.orch.Sync(context.Background(), conn.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Data.Added)
	require.Len(t, queries, 2)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), queries[0].Start)
	assert.Equal(t, "p2", queries[1].Cursor)
	assert.Len(t, f.store.transactions, 2)
	assert.Nil(t, res.Data.Reconciliation)
}

func TestGetTransactionsRejectsInvertedRange(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)
	res := f.orch.GetTransactions(context.Background(), conn.ID, testNow, testNow.AddDate(0, 0, -1))
	var vErr *common.ValidationError
	assert.ErrorAs(t, res.Err, &vErr)
}

func TestWebhookTarget(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)
	target := NewWebhookTarget(f.orch)
	ctx := context.Background()

	require.NoError(t, target.UpdateStatus(ctx, conn.ID, model.ConnectionExpired, "consent expired"))
	assert.Equal(t, model.ConnectionExpired, f.orch.Get(ctx, conn.ID).Data.Status)

	err := target.UpdateStatus(ctx, conn.ID, model.ConnectionError, "boom")
	var vErr *common.ValidationError
	assert.True(t, errors.As(err, &vErr))

	f.mock.RefreshBalanceFn = func(_ context.Context, c *model.Connection, ext string) (*model.Account, error) {
		return &model.Account{ID: provider.AccountID(c.ID, ext), ConnectionID: c.ID, ExternalID: ext}, nil
	}
	require.NoError(t, target.UpdateStatus(ctx, conn.ID, model.ConnectionConnected, ""))
	require.NoError(t, target.RefreshAccount(ctx, conn.ID, "7"))
	assert.Contains(t, f.store.accounts, conn.ID+"_7")

	pushed := []model.Transaction{bookedTx("77", conn.ID+"_7", "12.00", "VIR SALAIRE", 12)}
	require.NoError(t, target.IngestTransactions(ctx, conn.ID, pushed))
	assert.Contains(t, f.store.transactions, "bridge_77")

	require.NoError(t, target.RemoveTransactions(ctx, conn.ID, []string{"bridge_77"}))
	assert.NotContains(t, f.store.transactions, "bridge_77")

	err = target.RemoveTransactions(ctx, "missing", []string{"bridge_1"})
	assert.ErrorIs(t, err, common.ErrConnectionNotFound)
}

func TestIngestIgnoresRefusedUpdates(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.create(t)
	f.store.transactions["bridge_5"] = bookedTx("5", "acc", "-4.50", "CAFE", 10)

	pending := bookedTx("5", "acc", "-99.00", "CAFE", 10)
	pending.Status = model.TransactionPending
	require.NoError(t, f.orch.IngestTransactions(context.Background(), conn.ID, []model.Transaction{pending}))

	saved := f.store.transactions["bridge_5"]
	assert.Equal(t, model.TransactionPosted, saved.Status)
	assert.True(t, decimal.RequireFromString("-4.50").Equal(saved.Amount))
}
