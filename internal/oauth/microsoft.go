package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hugh/calbridge/pkg/config"
	"golang.org/x/oauth2"
)

const msGraphMeURL = "https://graph.microsoft.com/v1.0/me"

var microsoftEndpoint = oauth2.Endpoint{
	AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
}

// Microsoft links Outlook calendar accounts through the common-tenant
// v2.0 endpoints. No PKCE: the Marketplace-era registration predates it
// and the confidential client secret covers code interception.
type Microsoft struct {
	cfg         oauth2.Config
	userinfoURL string
	client      *http.Client
}

func NewMicrosoft(creds config.ProviderCredentials, publicURL string) *Microsoft {
	return &Microsoft{
		cfg: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     microsoftEndpoint,
			RedirectURL:  publicURL + "/oauth/microsoft/callback",
			Scopes: []string{
				"openid",
				"email",
				"offline_access",
				"Calendars.Read",
			},
		},
		userinfoURL: msGraphMeURL,
		client:      defaultHTTPClient(),
	}
}

func (m *Microsoft) Name() string         { return "microsoft" }
func (m *Microsoft) CallbackPath() string { return "/oauth/microsoft/callback" }
func (m *Microsoft) UsesPKCE() bool       { return false }
func (m *Microsoft) Scopes() []string     { return m.cfg.Scopes }

func (m *Microsoft) AuthCodeURL(state, _ string) string {
	return m.cfg.AuthCodeURL(state)
}

// Exchange trades the code for tokens. Microsoft's token endpoint is
// known to answer 5xx with HTML bodies; the shared exchange helper
// classifies those as upstream failures instead of choking on them.
func (m *Microsoft) Exchange(ctx context.Context, code, _ string) (*oauth2.Token, error) {
	return exchange(ctx, &m.cfg, m.client, code)
}

type msGraphUser struct {
	ID                string  `json:"id"`
	Mail              *string `json:"mail"`
	UserPrincipalName string  `json:"userPrincipalName"`
}

func (m *Microsoft) FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	body, err := fetchUserinfo(ctx, m.client, m.userinfoURL, token)
	if err != nil {
		return nil, err
	}
	return m.extractIdentity(body)
}

func (m *Microsoft) extractIdentity(body []byte) (*Identity, error) {
	var user msGraphUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %v", ErrUpstream, err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: userinfo missing id", ErrUpstream)
	}

	// mail is null for accounts without an Exchange mailbox; the
	// userPrincipalName is the stable fallback address.
	email := user.UserPrincipalName
	if user.Mail != nil && *user.Mail != "" {
		email = *user.Mail
	}

	return &Identity{
		Subject: user.ID,
		Email:   email,
	}, nil
}

// RevokeToken is a no-op: Microsoft identity platform has no token
// revocation endpoint for this grant type.
func (m *Microsoft) RevokeToken(ctx context.Context, token string) error {
	return nil
}

var _ Provider = (*Microsoft)(nil)
