package marketplace

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EventClaims is the verified payload of a Marketplace uninstall webhook
// JWT. Exactly one of Subject (individual) or CustomerID (organization)
// is expected to be set.
type EventClaims struct {
	Email      string `json:"email,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks RS256 webhook signatures against Google's rotating
// JWKS. Verify never returns an error: any failure yields nil and the
// caller answers 401.
type Verifier struct {
	jwksURL  string
	audience string
	client   *http.Client
	logger   *slog.Logger
}

func NewVerifier(jwksURL, audience string, logger *slog.Logger) *Verifier {
	return &Verifier{
		jwksURL:  jwksURL,
		audience: audience,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Verify parses and verifies a raw webhook JWT. Requirements: exactly
// three segments, RS256, a kid present in the fetched JWKS, a valid
// signature, the configured audience, and an unexpired exp.
func (v *Verifier) Verify(ctx context.Context, raw string) *EventClaims {
	if strings.Count(raw, ".") != 2 {
		v.logger.Warn("webhook jwt rejected", "reason", "not three segments")
		return nil
	}

	claims := &EventClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		v.logger.Warn("webhook jwt rejected", "reason", err.Error())
		return nil
	}
	if !token.Valid {
		return nil
	}

	return claims
}

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}

		keys, err := v.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}

		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		return key, nil
	}
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building jwks request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	return keys, nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

type EventType string

const (
	EventIndividual   EventType = "individual"
	EventOrganization EventType = "organization"
)

// UninstallEvent is the claim-shape dispatch decided once after
// verification: a webhook either names a user (sub) or a Workspace
// customer, never both paths.
type UninstallEvent struct {
	Type       EventType
	Sub        string
	Email      string
	CustomerID string
}

// EventFromClaims classifies verified claims. Claims carrying neither a
// sub nor a customer_id are malformed (400), not unauthorized.
func EventFromClaims(claims *EventClaims) (*UninstallEvent, error) {
	switch {
	case claims.Subject != "":
		return &UninstallEvent{
			Type:  EventIndividual,
			Sub:   claims.Subject,
			Email: claims.Email,
		}, nil
	case claims.CustomerID != "":
		return &UninstallEvent{
			Type:       EventOrganization,
			CustomerID: claims.CustomerID,
		}, nil
	default:
		return nil, fmt.Errorf("claims carry neither sub nor customer_id")
	}
}
