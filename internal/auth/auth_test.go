package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

func TestExtractBearerToken(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer gw_live_abc"))
	tok, err := ExtractBearerToken(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "gw_live_abc" {
		t.Fatalf("expected gw_live_abc, got %s", tok)
	}

	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without metadata, got %v", err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic Zm9v"))
	if _, err := ExtractBearerToken(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for basic scheme, got %v", err)
	}
}

func TestBearerFromHeader_CaseInsensitiveScheme(t *testing.T) {
	tok, ok := BearerFromHeader("bearer   xyz ")
	if !ok || tok != "xyz" {
		t.Fatalf("expected xyz, got %q (ok=%v)", tok, ok)
	}
	if _, ok := BearerFromHeader("Bearer "); ok {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]Principal{
		"key-1": {TenantID: "acme", ActorID: "bot", Role: "admin"},
	})

	p, err := a.Authenticate(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TenantID != "acme" || p.ActorType != "service" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	if _, err := a.Authenticate(context.Background(), "key-2"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

// stubKeyStore counts lookups so cache behavior is observable.
type stubKeyStore struct {
	row   *keyRow
	err   error
	calls atomic.Int32
}

func (s *stubKeyStore) LookupByPrefix(_ context.Context, _ string) (*keyRow, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.row, nil
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func TestPostgresAuthenticator_ValidKeyIsCached(t *testing.T) {
	key := "gw_live_0123456789"
	store := &stubKeyStore{row: &keyRow{
		TenantID: "acme", ActorID: "agent-7", ActorType: "agent", Role: "operator",
		APIKeyHash: hashKey(t, key),
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		p, err := a.Authenticate(context.Background(), key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.TenantID != "acme" || p.ActorType != "agent" {
			t.Fatalf("unexpected principal: %+v", p)
		}
	}
	if store.calls.Load() != 1 {
		t.Fatalf("expected 1 store lookup, got %d", store.calls.Load())
	}
}

func TestPostgresAuthenticator_WrongKey(t *testing.T) {
	store := &stubKeyStore{row: &keyRow{TenantID: "acme", APIKeyHash: hashKey(t, "gw_live_right")}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := a.Authenticate(context.Background(), "gw_live_wrong")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticator_RevokedKey(t *testing.T) {
	key := "gw_live_revoked"
	store := &stubKeyStore{row: &keyRow{TenantID: "acme", APIKeyHash: hashKey(t, key), Revoked: true}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), key); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for revoked key, got %v", err)
	}
}

func TestPostgresAuthenticator_UnknownPrefix(t *testing.T) {
	a := NewPostgresAuthenticatorWithStore(&stubKeyStore{err: sql.ErrNoRows}, time.Minute, zap.NewNop())
	if _, err := a.Authenticate(context.Background(), "gw_live_nobody"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticator_StoreErrorFailsClosed(t *testing.T) {
	a := NewPostgresAuthenticatorWithStore(&stubKeyStore{err: errors.New("connection refused")}, time.Minute, zap.NewNop())
	p, err := a.Authenticate(context.Background(), "gw_live_0123456789")
	if err == nil || p != nil {
		t.Fatalf("expected error and nil principal, got %+v, %v", p, err)
	}
}

func signToken(t *testing.T, secret []byte, claims GatewayClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("s3cret")
	a := NewJWTAuthenticator(secret, "gateway-test")

	tok := signToken(t, secret, GatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "gateway-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
		Roles:    []string{"admin"},
	})

	p, err := a.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TenantID != "acme" || p.ActorID != "user-1" || p.Role != "admin" || p.ActorType != "user" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	secret := []byte("s3cret")
	a := NewJWTAuthenticator(secret, "gateway-test")

	cases := map[string]string{
		"wrong secret": signToken(t, []byte("other"), GatewayClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "gateway-test"},
			TenantID:         "acme",
		}),
		"expired": signToken(t, secret, GatewayClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject: "u", Issuer: "gateway-test",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
			TenantID: "acme",
		}),
		"wrong issuer": signToken(t, secret, GatewayClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "elsewhere"},
			TenantID:         "acme",
		}),
		"missing tenant": signToken(t, secret, GatewayClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "gateway-test"},
		}),
		"garbage": "not.a.jwt",
	}

	for name, tok := range cases {
		if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}
