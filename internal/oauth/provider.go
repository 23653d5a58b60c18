package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrUpstream marks a provider-side failure (token exchange, userinfo,
// malformed responses). Handlers map it to 502 and never echo the
// upstream body to the user.
var ErrUpstream = errors.New("upstream provider failure")

// Identity is the normalized result of a provider userinfo call.
type Identity struct {
	Subject string
	Email   string

	// HostedDomain is Google's hd claim; empty for consumer accounts
	// and for Microsoft.
	HostedDomain string
}

// Provider abstracts one OAuth identity provider. Implementations own all
// endpoint knowledge; callers only deal in codes, tokens and identities.
type Provider interface {
	Name() string
	CallbackPath() string
	UsesPKCE() bool
	Scopes() []string

	// AuthCodeURL builds the authorization redirect. codeChallenge is
	// ignored by providers that do not use PKCE.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades an authorization code for tokens. codeVerifier
	// may be empty when the flow did not use PKCE.
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// FetchIdentity resolves the token owner's stable subject and email.
	FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error)

	// RevokeToken best-effort revokes a token at the provider.
	RevokeToken(ctx context.Context, token string) error
}

// exchange runs the code-for-token exchange through the given oauth2
// config. Any non-200 answer, including HTML error pages from upstream
// 5xx responses, classifies as ErrUpstream. A grant without a refresh
// token is useless to the sync engine and is treated the same way.
func exchange(ctx context.Context, cfg *oauth2.Config, client *http.Client, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("%w: token endpoint returned %d", ErrUpstream, rerr.Response.StatusCode)
		}
		return nil, fmt.Errorf("%w: token exchange: %v", ErrUpstream, err)
	}

	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response missing refresh_token", ErrUpstream)
	}

	return token, nil
}

// fetchUserinfo GETs the userinfo endpoint with the access token and
// returns the raw body for provider-specific extraction.
func fetchUserinfo(ctx context.Context, client *http.Client, url string, token *oauth2.Token) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading userinfo response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo endpoint returned %d", ErrUpstream, resp.StatusCode)
	}

	return body, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
