package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/staffdesk/staffdesk/internal/shared"
)

// WebhookTokenHeader carries the signed token identity provider callbacks present.
const WebhookTokenHeader = "X-Webhook-Token"

const webhookLeeway = 30 * time.Second

// WebhookClaims are carried by a callback token. A non-empty Kind restricts
// the token to events of that kind.
type WebhookClaims struct {
	Kind EventKind `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token may deliver an event of kind.
func (c *WebhookClaims) Allows(kind EventKind) bool {
	return c.Kind == "" || c.Kind == kind
}

// WebhookVerifier checks HS256 callback tokens signed with a shared secret.
type WebhookVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewWebhookVerifier returns nil for an empty secret, which disables the check.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	if secret == "" {
		return nil
	}
	return &WebhookVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(webhookLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// Verify parses raw. Every failure wraps shared.ErrUnauthenticated.
func (v *WebhookVerifier) Verify(raw string) (*WebhookClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("auth: missing webhook token: %w", shared.ErrUnauthenticated)
	}
	claims := &WebhookClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: webhook token: %v: %w", err, shared.ErrUnauthenticated)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: webhook token invalid: %w", shared.ErrUnauthenticated)
	}
	return claims, nil
}

// Sign issues a callback token valid for ttl. An empty kind allows any event.
func (v *WebhookVerifier) Sign(kind EventKind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := WebhookClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
