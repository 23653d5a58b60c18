package crypto

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	urlSafe := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(v), 43)
		assert.True(t, urlSafe.MatchString(v), "verifier %q not URL-safe", v)
		assert.False(t, seen[v], "verifier repeated")
		seen[v] = true
	}
}

func TestCodeChallenge_RFC7636Vector(t *testing.T) {
	// RFC 7636 Appendix B
	got := CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}

func TestCodeChallenge_Deterministic(t *testing.T) {
	v, err := GenerateCodeVerifier()
	require.NoError(t, err)

	c := CodeChallenge(v)
	assert.Len(t, c, 43)
	assert.Equal(t, c, CodeChallenge(v))
}
