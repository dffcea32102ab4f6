package encryption

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct-horse-battery-staple-0123456789"

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryAuditSink) {
	t.Helper()
	sink := &MemoryAuditSink{}
	svc, err := New([]byte(testSecret), append([]Option{WithAuditSink(sink)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, sink
}

func TestNew_RejectsMissingSecret(t *testing.T) {
	tests := []struct {
		want   error
		name   string
		secret []byte
	}{
		{name: "empty", secret: nil, want: common.ErrMissingConfig},
		{name: "short", secret: []byte("tooshort"), want: common.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.secret)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		plaintext string
		context   string
	}{
		{name: "simple", plaintext: "access-sandbox-123", context: "plaid:access_token"},
		{name: "empty plaintext", plaintext: "", context: "bridge:refresh"},
		{name: "unicode", plaintext: "clé secrète €", context: "user:42"},
		{name: "contains colons", plaintext: "a:b:c", context: "ctx:with:colons"},
		{name: "long", plaintext: strings.Repeat("x", 10_000), context: "bulk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.Encrypt(ctx, tt.plaintext, tt.context)
			require.NoError(t, err)
			assert.Len(t, strings.Split(token, ":"), 3)
			assert.NotContains(t, token, tt.plaintext+"\x00")

			got, err := svc.Decrypt(ctx, token, tt.context)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestDecrypt_WrongContextFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Encrypt(ctx, "secret-value", "context-a")
	require.NoError(t, err)

	got, err := svc.Decrypt(ctx, token, "context-b")
	require.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Empty(t, got)
}

func TestDecrypt_TamperedOrMalformed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Encrypt(ctx, "secret-value", "ctx")
	require.NoError(t, err)
	parts := strings.Split(token, ":")

	otherToken, err := svc.Encrypt(ctx, "other-value", "ctx")
	require.NoError(t, err)
	otherParts := strings.Split(otherToken, ":")

	tests := []struct {
		want  error
		name  string
		token string
	}{
		{name: "two parts", token: parts[0] + ":" + parts[1], want: ErrMalformedToken},
		{name: "bad base64 nonce", token: parts[0] + ":!!!:" + parts[2], want: ErrMalformedToken},
		{name: "swapped ciphertext", token: parts[0] + ":" + parts[1] + ":" + otherParts[2], want: ErrDecryptionFailed},
		{name: "wrong key id", token: otherParts[0] + ":" + parts[1] + ":" + parts[2], want: ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Decrypt(ctx, tt.token, "ctx")
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, got)
		})
	}
}

func TestSameSecretDerivesSameKeys(t *testing.T) {
	a, _ := newTestService(t)
	b, _ := newTestService(t)
	ctx := context.Background()

	token, err := a.Encrypt(ctx, "portable", "ctx")
	require.NoError(t, err)

	got, err := b.Decrypt(ctx, token, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "portable", got)
}

type bankTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func TestCredential_RoundTrip(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()

	in := bankTokens{AccessToken: "at-123", RefreshToken: "rt-456"}
	cred, err := svc.EncryptCredential(ctx, "user-1", "bridge", in, nil)
	require.NoError(t, err)

	assert.Equal(t, Algorithm, cred.Algorithm)
	assert.NotEmpty(t, cred.KeyID)
	assert.NotEmpty(t, cred.ID)
	assert.NotContains(t, cred.Ciphertext, "at-123")

	var out bankTokens
	require.NoError(t, svc.DecryptCredential(ctx, cred, &out))
	assert.Equal(t, in, out)

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "encrypt_credential", entries[0].Operation)
	assert.Equal(t, "decrypt_credential", entries[1].Operation)
	for _, e := range entries {
		assert.True(t, e.Success)
		assert.Equal(t, "user-1", e.UserID)
		assert.NotContains(t, e.Error, "at-123")
	}
}

func TestCredential_OtherUserCannotDecrypt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cred, err := svc.EncryptCredential(ctx, "user-1", "plaid", bankTokens{AccessToken: "x"}, nil)
	require.NoError(t, err)

	stolen := *cred
	stolen.UserID = "user-2"

	var out bankTokens
	err = svc.DecryptCredential(ctx, &stolen, &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Empty(t, out.AccessToken)
}

func TestCredential_ExpiredFailsClosed(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, sink := newTestService(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	expires := now.Add(time.Hour)
	cred, err := svc.EncryptCredential(ctx, "user-1", "bridge", bankTokens{AccessToken: "at"}, &expires)
	require.NoError(t, err)

	var out bankTokens
	require.NoError(t, svc.DecryptCredential(ctx, cred, &out))

	clock = expires
	out = bankTokens{}
	err = svc.DecryptCredential(ctx, cred, &out)
	require.ErrorIs(t, err, common.ErrCredentialExpired)
	assert.Empty(t, out.AccessToken)

	entries := sink.Entries()
	last := entries[len(entries)-1]
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "expired")
}

func TestAudit_RecordsFailures(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()

	_, err := svc.Decrypt(ctx, "garbage", "ctx")
	require.Error(t, err)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "decrypt", entries[0].Operation)
	assert.False(t, entries[0].Success)
}

func TestClose_RefusesFurtherOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Encrypt(ctx, "value", "ctx")
	require.NoError(t, err)

	require.NoError(t, svc.Close())

	_, err = svc.Decrypt(ctx, token, "ctx")
	require.ErrorIs(t, err, ErrClosed)
	_, err = svc.Encrypt(ctx, "value", "ctx")
	require.ErrorIs(t, err, ErrClosed)
}

func TestKeyCache_IsBounded(t *testing.T) {
	svc, _ := newTestService(t, WithKeyCacheSize(2))
	ctx := context.Background()

	var tokens []string
	for range 5 {
		token, err := svc.Encrypt(ctx, "value", "ctx")
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	assert.LessOrEqual(t, svc.cache.Len(), 2)

	// Evicted keys are derived again on demand.
	got, err := svc.Decrypt(ctx, tokens[0], "ctx")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
	assert.LessOrEqual(t, svc.cache.Len(), 2)
}

func TestKeyCache_DefaultSize(t *testing.T) {
	svc, _ := newTestService(t, WithKeyCacheSize(0))
	assert.Equal(t, DefaultKeyCacheSize, svc.cacheSize)
}
