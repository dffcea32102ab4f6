package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from ConnectionStatus
		to   ConnectionStatus
		name string
		want bool
	}{
		{name: "connecting to connected", from: ConnectionConnecting, to: ConnectionConnected, want: true},
		{name: "connected to expired", from: ConnectionConnected, to: ConnectionExpired, want: true},
		{name: "connected to error", from: ConnectionConnected, to: ConnectionError, want: true},
		{name: "expired to pending auth", from: ConnectionExpired, to: ConnectionPendingAuth, want: true},
		{name: "expired to error", from: ConnectionExpired, to: ConnectionError, want: false},
		{name: "same status", from: ConnectionExpired, to: ConnectionExpired, want: true},
		{name: "unknown target", from: ConnectionConnected, to: ConnectionStatus("paused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Connection{Status: tt.from}
			assert.Equal(t, tt.want, c.CanTransitionTo(tt.to))
		})
	}
}

func TestConnection_ConsentExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Connection{}).ConsentExpired(now))
	assert.True(t, (&Connection{ConsentExpiresAt: &past}).ConsentExpired(now))
	assert.True(t, (&Connection{ConsentExpiresAt: &now}).ConsentExpired(now))
	assert.False(t, (&Connection{ConsentExpiresAt: &future}).ConsentExpired(now))
}

func TestParseConnectionStatus(t *testing.T) {
	s, err := ParseConnectionStatus("pending_auth")
	require.NoError(t, err)
	assert.Equal(t, ConnectionPendingAuth, s)

	_, err = ParseConnectionStatus("gone")
	assert.Error(t, err)
}

func TestTransaction_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from TransactionStatus
		to   TransactionStatus
		want bool
	}{
		{from: TransactionPending, to: TransactionPosted, want: true},
		{from: TransactionPending, to: TransactionCanceled, want: true},
		{from: TransactionPosted, to: TransactionPending, want: false},
		{from: TransactionPosted, to: TransactionCanceled, want: false},
		{from: TransactionCanceled, to: TransactionPosted, want: false},
		{from: TransactionPosted, to: TransactionPosted, want: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			tx := &Transaction{Status: tt.from}
			assert.Equal(t, tt.want, tx.CanTransitionTo(tt.to))
		})
	}
}

func TestTypeForAmount(t *testing.T) {
	assert.Equal(t, TransactionDebit, TypeForAmount(decimal.RequireFromString("-50.75")))
	assert.Equal(t, TransactionCredit, TypeForAmount(decimal.RequireFromString("12")))
	assert.Equal(t, TransactionCredit, TypeForAmount(decimal.Zero))
}

func TestTransaction_Hash(t *testing.T) {
	base := Transaction{
		BookingDate:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:         decimal.RequireFromString("-50.75"),
		RawDescription: "EDF FACTURE",
		AccountID:      "acc-1",
		ExternalID:     "ext-1",
	}
	same := base
	same.Description = "different normalized text"
	other := base
	other.Amount = decimal.RequireFromString("-50.76")

	assert.Equal(t, base.Hash(), same.Hash())
	assert.NotEqual(t, base.Hash(), other.Hash())
	assert.Len(t, base.Hash(), 64)
}

func TestSortRulesByPriority_Stable(t *testing.T) {
	rules := []ReconciliationRule{
		{ID: "c", Priority: 2},
		{ID: "a", Priority: 1},
		{ID: "d", Priority: 2},
		{ID: "b", Priority: 1},
	}
	SortRulesByPriority(rules)

	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestDiscrepancy_Empty(t *testing.T) {
	gap := 1
	var nilDisc *Discrepancy
	assert.True(t, nilDisc.Empty())
	assert.True(t, (&Discrepancy{}).Empty())
	assert.False(t, (&Discrepancy{DayGap: &gap}).Empty())
	assert.False(t, (&Discrepancy{DescriptionMismatch: true}).Empty())
}

func TestEventType_Critical(t *testing.T) {
	assert.True(t, EventConnectionExpired.Critical())
	assert.True(t, EventConnectionError.Critical())
	assert.True(t, EventTransactionCreated.Critical())
	assert.False(t, EventTransactionUpdated.Critical())
	assert.False(t, EventAccountUpdated.Critical())
	assert.False(t, EventConnectionStatusChanged.Critical())
}

func TestEncryptedCredential_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	assert.False(t, (&EncryptedCredential{}).Expired(now))
	assert.True(t, (&EncryptedCredential{ExpiresAt: &past}).Expired(now))
}
