package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seoaudit/seoaudit/internal/config"
	"github.com/seoaudit/seoaudit/internal/store"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestAuthService(t *testing.T, admin *config.InitialAdmin) (*Service, *store.SQLStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:    testSecret,
		JWTExpiry:    config.Duration{Duration: time.Hour},
		InitialAdmin: admin,
	}
	return NewService(s, cfg), s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t, &config.InitialAdmin{Email: "Admin@Example.com", Password: "admin-password"})
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	user, err := s.GetUserByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.Role != store.RoleAdmin {
		t.Fatalf("admin user: got %+v", user)
	}

	// Idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}

	// No initial admin is a no-op.
	bare, _ := newTestAuthService(t, nil)
	if err := bare.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap(nil): %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice@example.com", "correct-horse", "")
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != store.RoleUser {
		t.Errorf("default role: got %q", user.Role)
	}

	if _, err := svc.Register(ctx, "ALICE@example.com", "another-password", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: got %v", err)
	}
	if _, err := svc.Register(ctx, "not-an-email", "long-enough", ""); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("bad email: got %v", err)
	}
	if _, err := svc.Register(ctx, "bob@example.com", "short", ""); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("short password: got %v", err)
	}

	if _, err := svc.Login(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}

	token, err := svc.Login(ctx, "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != user.ID || id.Email != "alice@example.com" || id.IsAdmin() {
		t.Errorf("identity: got %+v", id)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	if _, err := svc.ValidateToken(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage: got %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	tok, _ := expired.SignedString([]byte(testSecret))
	if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired: got %v", err)
	}

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok, _ = other.SignedString([]byte("a-different-secret-of-enough-length"))
	if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong secret: got %v", err)
	}
}

func TestJWKSProvider(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf := func(*jwt.Token) (any, error) { return &key.PublicKey, nil }
	p := newJWKSProvider(kf, "https://id.example.com", []string{"user_admin"})
	ctx := context.Background()

	sign := func(claims jwt.MapClaims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	id, err := p.ValidateToken(ctx, sign(jwt.MapClaims{
		"sub": "user_123", "email": "Carol@Example.com", "iss": "https://id.example.com", "exp": exp,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "user_123" || id.Email != "carol@example.com" || id.IsAdmin() {
		t.Errorf("identity: got %+v", id)
	}

	id, err = p.ValidateToken(ctx, sign(jwt.MapClaims{"sub": "user_admin", "iss": "https://id.example.com", "exp": exp}))
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsAdmin() {
		t.Errorf("configured admin subject: got %+v", id)
	}

	cases := map[string]jwt.MapClaims{
		"wrong issuer": {"sub": "user_123", "iss": "https://evil.example.com", "exp": exp},
		"no expiry":    {"sub": "user_123", "iss": "https://id.example.com"},
		"no subject":   {"iss": "https://id.example.com", "exp": exp},
	}
	for name, claims := range cases {
		if _, err := p.ValidateToken(ctx, sign(claims)); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: got %v", name, err)
		}
	}

	// HMAC tokens are refused even if the key function would accept them.
	hs, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "exp": exp}).SignedString([]byte(testSecret))
	if _, err := p.ValidateToken(ctx, hs); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("hs256: got %v", err)
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{JWTSecret: testSecret}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "builtin" {
		t.Errorf("default provider: got %q", p.Name())
	}
	if _, ok := p.(LoginProvider); !ok {
		t.Error("builtin provider must support login")
	}
	if _, err := NewProvider(config.AuthConfig{Provider: "ldap"}, nil); err == nil {
		t.Error("unknown provider accepted")
	}
	if _, err := NewProvider(config.AuthConfig{Provider: "jwks"}, nil); err == nil {
		t.Error("jwks without url accepted")
	}
}
