package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func TestStateCodec_RoundTrip(t *testing.T) {
	codec, err := NewStateCodec(testSecret)
	require.NoError(t, err)

	token, err := codec.Encrypt("verifier-123", "user-abc", "https://app.example.com/done")
	require.NoError(t, err)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	payload := codec.Decrypt(token)
	require.NotNil(t, payload)
	assert.Equal(t, "verifier-123", payload.CodeVerifier)
	assert.Equal(t, "user-abc", payload.UserID)
	assert.Equal(t, "https://app.example.com/done", payload.RedirectURI)

	// exp should be roughly five minutes out
	assert.InDelta(t, time.Now().Add(5*time.Minute).Unix(), payload.ExpiresAt, 5)
}

func TestStateCodec_HexSecretUsedAsRawKey(t *testing.T) {
	hexSecret := strings.Repeat("ab", 32) // 64 hex chars
	codec, err := NewStateCodec(hexSecret)
	require.NoError(t, err)

	token, err := codec.Encrypt("v", "u", "r")
	require.NoError(t, err)
	require.NotNil(t, codec.Decrypt(token))

	// The same 64 chars hashed (non-hex path) must produce a different key.
	other, err := NewStateCodec(strings.Repeat("zz", 32))
	require.NoError(t, err)
	assert.Nil(t, other.Decrypt(token))
}

func TestStateCodec_EmptySecret(t *testing.T) {
	_, err := NewStateCodec("")
	assert.Error(t, err)
}

func TestStateCodec_TamperedToken(t *testing.T) {
	codec, err := NewStateCodec(testSecret)
	require.NoError(t, err)

	token, err := codec.Encrypt("v", "u", "r")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip a single byte anywhere in the blob; GCM must reject it.
	for _, i := range []int{0, len(raw) / 2, len(raw) - 1} {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		assert.Nil(t, codec.Decrypt(base64.RawURLEncoding.EncodeToString(mutated)),
			"byte %d", i)
	}
}

func TestStateCodec_WrongSecret(t *testing.T) {
	codec, err := NewStateCodec(testSecret)
	require.NoError(t, err)
	other, err := NewStateCodec("a different secret")
	require.NoError(t, err)

	token, err := codec.Encrypt("v", "u", "r")
	require.NoError(t, err)

	assert.Nil(t, other.Decrypt(token))
}

func TestStateCodec_MalformedInput(t *testing.T) {
	codec, err := NewStateCodec(testSecret)
	require.NoError(t, err)

	for _, token := range []string{"", "not base64 at all!!!", "YWJj", "%%%"} {
		assert.Nil(t, codec.Decrypt(token), "token %q", token)
	}
}

func TestStateCodec_ExpiredToken(t *testing.T) {
	codec, err := NewStateCodec(testSecret)
	require.NoError(t, err)

	// Seal a payload with an exp already in the past.
	expired, err := codec.seal(&StatePayload{
		CodeVerifier: "v",
		UserID:       "u",
		RedirectURI:  "r",
		ExpiresAt:    time.Now().Add(-time.Second).Unix(),
	})
	require.NoError(t, err)
	assert.Nil(t, codec.Decrypt(expired))
}
