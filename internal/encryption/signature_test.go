package encryption

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	const secret = "whsec_test"

	sizes := []int{0, 1, 64, 4096, 1 << 20}
	for _, size := range sizes {
		payload := []byte(strings.Repeat("a", size))
		sig := Sign(payload, secret)

		assert.True(t, Verify(payload, sig, secret), "size %d", size)
		assert.True(t, Verify(payload, "sha256="+sig, secret), "prefixed size %d", size)
		assert.True(t, Verify(payload, strings.ToUpper(sig), secret), "upper-case size %d", size)
		assert.False(t, Verify(payload, sig, "other-secret"), "wrong secret size %d", size)
		assert.False(t, Verify(append(payload, 'x'), sig, secret), "altered payload size %d", size)
	}
}

func TestVerify_RejectsBadInput(t *testing.T) {
	payload := []byte(`{"type":"connection.expired"}`)
	sig := Sign(payload, "s")

	tests := []struct {
		name      string
		signature string
		secret    string
	}{
		{name: "empty signature", signature: "", secret: "s"},
		{name: "empty secret", signature: sig, secret: ""},
		{name: "not hex", signature: "zz" + sig[2:], secret: "s"},
		{name: "truncated", signature: sig[:len(sig)-2], secret: "s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify(payload, tt.signature, tt.secret))
		})
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	require.NoError(t, err)
	b, err := GenerateToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashToken("abc"))
}
