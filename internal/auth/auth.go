package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Authenticator resolves a caller credential to the principal it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Principal, error)
}

// Principal is the authenticated identity of a caller. Tenant, actor and role
// on a request always come from here, never from caller-supplied fields.
type Principal struct {
	TenantID  string
	ActorID   string
	ActorType string // "user", "service" or "agent"
	Role      string
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts the bearer credential from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token, ok := BearerFromHeader(values[0])
	if !ok {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// BearerFromHeader parses "Bearer <token>" (scheme is case-insensitive).
func BearerFromHeader(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
