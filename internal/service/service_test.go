package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/config"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/Veraticus/bankfeed/internal/secrets"
	"github.com/Veraticus/bankfeed/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statement = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20260401120000[0:GMT]
<LANGUAGE>ENG
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>EUR
<BANKACCTFROM>
<BANKID>30004
<ACCTID>00012345678
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20260301000000[0:GMT]
<DTEND>20260331000000[0:GMT]
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20260305120000[0:GMT]
<TRNAMT>-84.20
<FITID>F-0305-1
<NAME>EDF FACTURE MARS
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20260328120000[0:GMT]
<TRNAMT>2400.00
<FITID>F-0328-1
<NAME>VIR SALAIRE ACME
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>3120.45
<DTASOF>20260331000000[0:GMT]
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "bankfeed.db")
	return cfg
}

func newTestServices(t *testing.T, cfg *config.Config, providers ...provider.Provider) *Services {
	t.Helper()
	s, err := New(context.Background(), cfg,
		WithSecretSource(secrets.StaticSource{Secret: "a-test-master-secret-of-some-length"}),
		WithProviders(providers...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConnection(t *testing.T, s *Services, id, providerID string) {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Storage.SaveConnection(context.Background(), &model.Connection{
		ID:         id,
		UserID:     "user-1",
		ProviderID: providerID,
		BankID:     "bank",
		BankName:   "Bank",
		Status:     model.ConnectionConnected,
		Metadata:   model.ConnectionMetadata{ItemID: "item-" + id},
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestNew(t *testing.T) {
	s := newTestServices(t, testConfig(t), provider.NewMockProvider("acme"))

	assert.Equal(t, []string{"acme"}, s.Registry.List())
	assert.Nil(t, s.Ledger)
	assert.NotNil(t, s.Connections)

	store, err := s.FailedEventStore(context.Background())
	require.NoError(t, err)
	archive, ok := store.(sqliteArchive)
	require.True(t, ok)
	assert.Same(t, s.Storage, archive.SQLiteStorage)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(context.Background(), testConfig(t),
		WithSecretSource(secrets.StaticSource{}),
		WithProviders())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestWebhookManager(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhooks.Secrets = map[string]string{"ledgerhub": "whsec_hub"}

	native := provider.NewMockProvider("acme")
	quiet := provider.NewMockProvider("quiet")
	quiet.Caps = provider.Capabilities{}

	s := newTestServices(t, cfg, native, quiet)
	seedConnection(t, s, "conn-1", "acme")

	m, err := s.WebhookManager(s.Storage)
	require.NoError(t, err)
	ctx := context.Background()

	body, err := json.Marshal(model.WebhookEnvelope{
		EventID:      "evt-1",
		Type:         model.EventConnectionExpired,
		ConnectionID: "conn-1",
		Data:         json.RawMessage(`{"reason":"consent revoked"}`),
	})
	require.NoError(t, err)

	ev, err := m.Receive(ctx, "acme", body, "native-signature")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, 1, native.CallCount("ValidateWebhookSignature"))

	res := s.Connections.Get(ctx, "conn-1")
	require.NoError(t, res.Err)
	assert.Equal(t, model.ConnectionExpired, res.Data.Status)
	assert.Equal(t, "consent revoked", res.Data.Metadata.LastError)

	_, err = m.Receive(ctx, "quiet", body, "")
	assert.ErrorIs(t, err, webhook.ErrUnknownProvider)

	queued, err := json.Marshal(model.WebhookEnvelope{
		EventID:      "evt-2",
		Type:         model.EventAccountUpdated,
		ConnectionID: "conn-1",
		Data:         json.RawMessage(`{"account_id":"acc-1"}`),
	})
	require.NoError(t, err)
	_, err = m.Receive(ctx, "ledgerhub", queued, "bad")
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	_, err = m.Receive(ctx, "ledgerhub", queued, encryption.Sign(queued, "whsec_hub"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Queued)
}

func TestReplayFailed(t *testing.T) {
	s := newTestServices(t, testConfig(t), provider.NewMockProvider("acme"))
	seedConnection(t, s, "conn-1", "acme")
	ctx := context.Background()

	received := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Storage.SaveFailed(ctx, model.WebhookEvent{
		ID:           "01A",
		Type:         model.EventConnectionExpired,
		ProviderID:   "acme",
		ConnectionID: "conn-1",
		Payload:      json.RawMessage(`{"reason":"consent ended"}`),
		RetryCount:   4,
		ReceivedAt:   received,
	}))
	require.NoError(t, s.Storage.SaveFailed(ctx, model.WebhookEvent{
		ID:           "01B",
		Type:         model.EventConnectionError,
		ProviderID:   "acme",
		ConnectionID: "conn-gone",
		RetryCount:   4,
		ReceivedAt:   received.Add(time.Minute),
	}))

	archive, err := s.FailedEventStore(ctx)
	require.NoError(t, err)

	_, err = s.ReplayFailed(ctx, archive, "acme", "01Z")
	assert.ErrorIs(t, err, common.ErrNotFound)

	replayed, err := s.ReplayFailed(ctx, archive, "acme", "")
	require.Error(t, err)
	assert.Equal(t, 1, replayed)

	left, err := archive.ListFailed(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "01B", left[0].ID)

	res := s.Connections.Get(ctx, "conn-1")
	require.NoError(t, res.Err)
	assert.Equal(t, model.ConnectionExpired, res.Data.Status)
	assert.Equal(t, "consent ended", res.Data.Metadata.LastError)
}

func TestImportStatement(t *testing.T) {
	s := newTestServices(t, testConfig(t), provider.NewMockProvider("acme"))
	seedConnection(t, s, "conn-1", "acme")
	ctx := context.Background()

	stmt, err := s.ImportStatement(ctx, "conn-1", strings.NewReader(statement))
	require.NoError(t, err)
	require.Len(t, stmt.Transactions, 2)

	accounts, err := s.Storage.GetAccounts(ctx, "conn-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "EUR", accounts[0].Currency)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	stored, err := s.Storage.GetTransactions(ctx, "conn-1", start, end)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// Importing the same file again updates in place.
	_, err = s.ImportStatement(ctx, "conn-1", strings.NewReader(statement))
	require.NoError(t, err)
	stored, err = s.Storage.GetTransactions(ctx, "conn-1", start, end)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = s.ImportStatement(ctx, "missing", strings.NewReader(statement))
	assert.ErrorIs(t, err, common.ErrConnectionNotFound)
}

func TestReconcilePending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconciliation.AutoMatchThreshold = 0.9
	s := newTestServices(t, cfg, provider.NewMockProvider("acme"))
	seedConnection(t, s, "conn-1", "acme")
	ctx := context.Background()

	_, err := s.ImportStatement(ctx, "conn-1", strings.NewReader(statement))
	require.NoError(t, err)

	entries := []model.AccountingEntry{{
		ID:          "je-1",
		Date:        time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		Amount:      decimal.RequireFromString("-84.20"),
		Description: "EDF FACTURE MARS",
	}}
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	result, err := s.ReconcilePending(ctx, entries, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Considered)
	assert.Equal(t, 1, result.Committed)
	assert.Len(t, result.Unmatched, 1)

	pending, err := s.Storage.GetUnreconciledTransactions(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "F-0328-1", pending[0].ExternalID)

	// A second run only considers what is still open.
	result, err = s.ReconcilePending(ctx, entries, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Considered)
	assert.Zero(t, result.Committed)

	// A look-alike transaction cannot claim an entry that is already linked.
	all, err := s.Storage.GetTransactions(ctx, "conn-1", start, end)
	require.NoError(t, err)
	var twin model.Transaction
	for _, tx := range all {
		if tx.Reconciled {
			twin = tx
		}
	}
	require.NotEmpty(t, twin.ID)
	twin.ID += "-dup"
	twin.ExternalID += "-dup"
	twin.Reconciled = false
	twin.LinkedEntryIDs = nil
	require.NoError(t, s.Storage.SaveTransactions(ctx, []model.Transaction{twin}))

	result, err = s.ReconcilePending(ctx, entries, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Considered)
	assert.Zero(t, result.Committed)
	matches, err := s.Storage.ListMatches(ctx, twin.ID)
	require.NoError(t, err)
	for _, m := range matches {
		assert.False(t, m.Committed)
	}
}

func TestLoadEntries(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	good := write("good.json", `[
		{"id":"je-1","date":"2026-03-05T00:00:00Z","amount":"-84.20","description":"EDF"},
		{"id":"je-2","date":"2026-03-28T00:00:00Z","amount":"2400","description":"Salary","reconciled":true}
	]`)
	entries, err := NewFileLedger(good).Entries(context.Background(), "any")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("-84.20")))
	assert.True(t, entries[1].Reconciled)

	tests := []struct {
		name string
		body string
	}{
		{name: "not an array", body: `{"id":"je-1"}`},
		{name: "missing id", body: `[{"amount":"1"}]`},
		{name: "duplicate id", body: `[{"id":"a"},{"id":"a"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEntries(write(tt.name+".json", tt.body))
			var verr *common.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	_, err = LoadEntries(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
