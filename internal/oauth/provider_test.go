package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hugh/calbridge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testCreds = config.ProviderCredentials{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
}

func TestGoogle_AuthCodeURL(t *testing.T) {
	g := NewGoogle(testCreds, "https://app.example.com")

	raw := g.AuthCodeURL("state-token", "challenge-abc")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "https://app.example.com/oauth/google/callback", q.Get("redirect_uri"))
}

func TestMicrosoft_AuthCodeURL_NoPKCE(t *testing.T) {
	m := NewMicrosoft(testCreds, "https://app.example.com")

	raw := m.AuthCodeURL("state-token", "ignored")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Empty(t, q.Get("code_challenge"))
	assert.False(t, m.UsesPKCE())
	assert.True(t, NewGoogle(testCreds, "x").UsesPKCE())
}

func TestGoogle_ExtractIdentity(t *testing.T) {
	g := NewGoogle(testCreds, "x")

	id, err := g.extractIdentity([]byte(`{"sub":"108","email":"jane@x.dev","hd":"x.dev"}`))
	require.NoError(t, err)
	assert.Equal(t, "108", id.Subject)
	assert.Equal(t, "jane@x.dev", id.Email)
	assert.Equal(t, "x.dev", id.HostedDomain)

	_, err = g.extractIdentity([]byte(`{"email":"nosub@x.dev"}`))
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = g.extractIdentity([]byte(`<html>error</html>`))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestMicrosoft_ExtractIdentity_MailFallback(t *testing.T) {
	m := NewMicrosoft(testCreds, "x")

	t.Run("mail present", func(t *testing.T) {
		id, err := m.extractIdentity([]byte(`{"id":"ms-1","mail":"bob@corp.com","userPrincipalName":"bob_corp#EXT@corp.onmicrosoft.com"}`))
		require.NoError(t, err)
		assert.Equal(t, "ms-1", id.Subject)
		assert.Equal(t, "bob@corp.com", id.Email)
	})

	t.Run("mail null falls back to userPrincipalName", func(t *testing.T) {
		id, err := m.extractIdentity([]byte(`{"id":"ms-2","mail":null,"userPrincipalName":"alice@corp.com"}`))
		require.NoError(t, err)
		assert.Equal(t, "alice@corp.com", id.Email)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := m.extractIdentity([]byte(`{"mail":"x@y.z"}`))
		assert.ErrorIs(t, err, ErrUpstream)
	})
}

func TestExchange_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	g := NewGoogle(testCreds, "x")
	g.cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL}
	g.client = srv.Client()

	tok, err := g.Exchange(context.Background(), "the-code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
}

func TestExchange_PassesCodeVerifier(t *testing.T) {
	var gotVerifier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.Form.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	g := NewGoogle(testCreds, "x")
	g.cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL}
	g.client = srv.Client()

	_, err := g.Exchange(context.Background(), "code", "my-verifier")
	require.NoError(t, err)
	assert.Equal(t, "my-verifier", gotVerifier)
}

func TestExchange_HTMLErrorBody(t *testing.T) {
	// Microsoft's token endpoint answers 5xx with HTML pages; this must
	// classify as an upstream failure, not a parse crash.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html><body>Service Unavailable</body></html>`))
	}))
	defer srv.Close()

	m := NewMicrosoft(testCreds, "x")
	m.cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL}
	m.client = srv.Client()

	_, err := m.Exchange(context.Background(), "code", "")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotContains(t, err.Error(), "Service Unavailable")
}

func TestExchange_MissingRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	g := NewGoogle(testCreds, "x")
	g.cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL}
	g.client = srv.Client()

	_, err := g.Exchange(context.Background(), "code", "v")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestFetchIdentity_UserinfoFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	g := NewGoogle(testCreds, "x")
	g.userinfoURL = srv.URL
	g.client = srv.Client()

	_, err := g.FetchIdentity(context.Background(), &oauth2.Token{AccessToken: "at"})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotContains(t, err.Error(), "boom")
}

func TestFetchIdentity_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"s1","email":"e@x.dev"}`))
	}))
	defer srv.Close()

	g := NewGoogle(testCreds, "x")
	g.userinfoURL = srv.URL
	g.client = srv.Client()

	id, err := g.FetchIdentity(context.Background(), &oauth2.Token{AccessToken: "secret-token", TokenType: "Bearer"})
	require.NoError(t, err)
	assert.Equal(t, "s1", id.Subject)
}

func TestGoogle_RevokeToken(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"revoked", http.StatusOK, false},
		{"already revoked", http.StatusBadRequest, false},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "tok", r.Form.Get("token"))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			g := NewGoogle(testCreds, "x")
			g.revokeURL = srv.URL
			g.client = srv.Client()

			err := g.RevokeToken(context.Background(), "tok")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMicrosoft_RevokeToken_NoOp(t *testing.T) {
	m := NewMicrosoft(testCreds, "x")
	assert.NoError(t, m.RevokeToken(context.Background(), "anything"))
}
