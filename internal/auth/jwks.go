package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/seoaudit/seoaudit/internal/store"
)

// JWKSProvider validates tokens issued by an external identity service,
// verifying signatures against the service's published key set.
type JWKSProvider struct {
	issuer  string
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
	admins  map[string]bool
}

// NewJWKSProvider fetches the key set at jwksURL and keeps it refreshed in
// the background. Subjects listed in adminIDs are granted the admin role.
func NewJWKSProvider(jwksURL, issuer string, adminIDs []string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSProvider(jwks.Keyfunc, issuer, adminIDs), nil
}

func newJWKSProvider(kf jwt.Keyfunc, issuer string, adminIDs []string) *JWKSProvider {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name,
			jwt.SigningMethodES256.Name, jwt.SigningMethodES384.Name,
			jwt.SigningMethodEdDSA.Alg(),
		}),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &JWKSProvider{
		issuer:  issuer,
		keyfunc: kf,
		parser:  jwt.NewParser(opts...),
		admins:  admins,
	}
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Bootstrap is a no-op: users are managed by the identity service.
func (p *JWKSProvider) Bootstrap(context.Context) error { return nil }

// ValidateToken parses and verifies a token and returns an Identity keyed by
// the token subject.
func (p *JWKSProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := p.parser.Parse(tokenStr, p.keyfunc)
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := store.RoleUser
	if p.admins[sub] {
		role = store.RoleAdmin
	}
	return &Identity{
		UserID: sub,
		Email:  strings.ToLower(claimStr(claims, "email")),
		Role:   role,
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
