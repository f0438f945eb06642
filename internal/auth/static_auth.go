package auth

import (
	"context"
	"crypto/subtle"
)

// StaticAuthenticator authenticates against a fixed key table loaded from
// configuration. Intended for development and single-tenant deployments.
type StaticAuthenticator struct {
	keys map[string]Principal
}

func NewStaticAuthenticator(keys map[string]Principal) *StaticAuthenticator {
	cp := make(map[string]Principal, len(keys))
	for k, p := range keys {
		cp[k] = p
	}
	return &StaticAuthenticator{keys: cp}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	for key, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(credential)) == 1 {
			out := p
			if out.ActorType == "" {
				out.ActorType = "service"
			}
			return &out, nil
		}
	}
	return nil, ErrUnauthenticated
}
