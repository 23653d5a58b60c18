package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// stateTTL bounds how long an in-flight OAuth authorization may take.
const stateTTL = 5 * time.Minute

// StatePayload is the decrypted content of the OAuth state parameter.
// The encrypted blob in the URL is the only place this data lives; there
// is no server-side session store.
type StatePayload struct {
	CodeVerifier string `json:"v"`
	UserID       string `json:"u"`
	RedirectURI  string `json:"r"`
	ExpiresAt    int64  `json:"exp"`
}

// StateCodec encrypts OAuth flow context into a URL-safe state token and
// authenticates it on the way back (AES-256-GCM).
type StateCodec struct {
	key []byte
}

// NewStateCodec derives a 32-byte key from the configured secret. A
// 64-hex-character secret is used as raw key bytes; any other string is
// SHA-256 hashed so non-hex production secrets still work.
func NewStateCodec(secret string) (*StateCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("state secret is empty")
	}

	if len(secret) == 64 {
		if raw, err := hex.DecodeString(secret); err == nil {
			return &StateCodec{key: raw}, nil
		}
	}

	sum := sha256.Sum256([]byte(secret))
	return &StateCodec{key: sum[:]}, nil
}

// Encrypt seals the flow context into a base64url token. The nonce is
// prepended to the sealed bytes so Decrypt can recover it.
func (c *StateCodec) Encrypt(codeVerifier, userID, redirectURI string) (string, error) {
	return c.seal(&StatePayload{
		CodeVerifier: codeVerifier,
		UserID:       userID,
		RedirectURI:  redirectURI,
		ExpiresAt:    time.Now().Add(stateTTL).Unix(),
	})
}

func (c *StateCodec) seal(payload *StatePayload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling state: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a state token. It returns nil for anything other than a
// well-formed, authentic, unexpired token: callers treat nil as a bad or
// expired state, never as an internal error.
func (c *StateCodec) Decrypt(token string) *StatePayload {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded encodings from older clients.
		sealed, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil
		}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}

	if len(sealed) < gcm.NonceSize() {
		return nil
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil
	}

	var payload StatePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil
	}

	if payload.ExpiresAt < time.Now().Unix() {
		return nil
	}

	return &payload
}
