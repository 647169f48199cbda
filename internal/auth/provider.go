package auth

import (
	"context"

	"github.com/seoaudit/seoaudit/internal/store"
)

// Identity is the authenticated caller. UserID is the key under which
// subscriptions, usage and sites are recorded.
type Identity struct {
	UserID string
	Email  string
	Role   string // "admin" or "user"
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == store.RoleAdmin
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password, role string) (*store.User, error)
}
