package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hugh/calbridge/pkg/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Google links Google Calendar accounts. The authorize request always
// asks for offline access with a forced consent screen so the grant
// carries a refresh token, and the code flow is protected with PKCE S256.
type Google struct {
	cfg         oauth2.Config
	userinfoURL string
	revokeURL   string
	client      *http.Client
}

func NewGoogle(creds config.ProviderCredentials, publicURL string) *Google {
	return &Google{
		cfg: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  publicURL + "/oauth/google/callback",
			Scopes: []string{
				"openid",
				"email",
				"https://www.googleapis.com/auth/calendar.readonly",
			},
		},
		userinfoURL: googleUserinfoURL,
		revokeURL:   googleRevokeURL,
		client:      defaultHTTPClient(),
	}
}

func (g *Google) Name() string         { return "google" }
func (g *Google) CallbackPath() string { return "/oauth/google/callback" }
func (g *Google) UsesPKCE() bool       { return true }
func (g *Google) Scopes() []string     { return g.cfg.Scopes }

func (g *Google) AuthCodeURL(state, codeChallenge string) string {
	return g.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (g *Google) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	return exchange(ctx, &g.cfg, g.client, code, opts...)
}

type googleUserinfo struct {
	Sub          string `json:"sub"`
	Email        string `json:"email"`
	HostedDomain string `json:"hd"`
}

func (g *Google) FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	body, err := fetchUserinfo(ctx, g.client, g.userinfoURL, token)
	if err != nil {
		return nil, err
	}
	return g.extractIdentity(body)
}

func (g *Google) extractIdentity(body []byte) (*Identity, error) {
	var info googleUserinfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %v", ErrUpstream, err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("%w: userinfo missing sub", ErrUpstream)
	}

	return &Identity{
		Subject:      info.Sub,
		Email:        info.Email,
		HostedDomain: info.HostedDomain,
	}, nil
}

// RevokeToken posts the token to Google's revocation endpoint. A 400
// means the token was already revoked, which is success for our purposes.
func (g *Google) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}

	return nil
}

var _ Provider = (*Google)(nil)
