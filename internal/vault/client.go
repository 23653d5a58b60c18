package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/hugh/calbridge/pkg/config"
)

// ErrNotFound is returned by GetToken when the vault holds no
// credentials for the account.
var ErrNotFound = errors.New("vault: credentials not found")

// TokenSet is the credential payload held by the vault for one account.
// Expiry is RFC 3339.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry"`
}

// CredentialVault is the consumer-side view of the external credential
// vault. Initialize is idempotent: repeating it overwrites prior tokens.
type CredentialVault interface {
	Initialize(ctx context.Context, accountID uuid.UUID, tokens TokenSet, scopes []string) error
	GetToken(ctx context.Context, accountID uuid.UUID) (*TokenSet, error)
	DeleteCredentials(ctx context.Context, accountID uuid.UUID) error
	StopSync(ctx context.Context, accountID uuid.UUID) error
}

// Client talks to the vault over HTTP, one resource path per account.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg *config.VaultConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout()},
	}
}

type initializeRequest struct {
	Tokens TokenSet `json:"tokens"`
	Scopes []string `json:"scopes"`
}

func (c *Client) Initialize(ctx context.Context, accountID uuid.UUID, tokens TokenSet, scopes []string) error {
	return c.post(ctx, accountID, "initialize", initializeRequest{Tokens: tokens, Scopes: scopes})
}

func (c *Client) GetToken(ctx context.Context, accountID uuid.UUID) (*TokenSet, error) {
	url := fmt.Sprintf("%s/accounts/%s/get-token", c.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building get-token request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get-token request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("get-token returned %d", resp.StatusCode)
	}

	var tokens TokenSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decoding get-token response: %w", err)
	}

	return &tokens, nil
}

func (c *Client) DeleteCredentials(ctx context.Context, accountID uuid.UUID) error {
	return c.post(ctx, accountID, "delete-credentials", nil)
}

func (c *Client) StopSync(ctx context.Context, accountID uuid.UUID) error {
	return c.post(ctx, accountID, "stop-sync", nil)
}

func (c *Client) post(ctx context.Context, accountID uuid.UUID, action string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling %s payload: %w", action, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/accounts/%s/%s", c.baseURL, accountID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", action, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned %d", action, resp.StatusCode)
	}

	return nil
}

var _ CredentialVault = (*Client)(nil)
