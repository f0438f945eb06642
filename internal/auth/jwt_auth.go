package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// GatewayClaims are the JWT claims the gateway accepts. The subject is the
// actor id.
type GatewayClaims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	ActorType string   `json:"actor_type,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &GatewayClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.TenantID == "" || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}

	p := &Principal{
		TenantID:  claims.TenantID,
		ActorID:   claims.Subject,
		ActorType: claims.ActorType,
	}
	if p.ActorType == "" {
		p.ActorType = "user"
	}
	if len(claims.Roles) > 0 {
		p.Role = claims.Roles[0]
	}
	return p, nil
}
