// Package auth maps bearer credentials to the identity id they stand for.
// Every gateway operation takes that id as the caller.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"sealchat/go-backend/internal/domains/contracts"
)

type Resolver interface {
	Resolve(ctx context.Context, credential string) (identityID string, err error)
}

// StaticResolver serves a fixed token table, typically loaded from config.
type StaticResolver struct {
	entries []staticEntry
}

type staticEntry struct {
	token      []byte
	identityID string
}

// NewStaticResolver takes a token→identity table. Empty tokens or identities are
// rejected so a blank credential can never authenticate.
func NewStaticResolver(tokens map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{entries: make([]staticEntry, 0, len(tokens))}
	for token, identityID := range tokens {
		token = strings.TrimSpace(token)
		identityID = strings.TrimSpace(identityID)
		if token == "" || identityID == "" {
			return nil, errors.New("auth: static token and identity must be non-empty")
		}
		r.entries = append(r.entries, staticEntry{token: []byte(token), identityID: identityID})
	}
	return r, nil
}

// Resolve compares against every entry so timing does not reveal which token
// matched or how far.
func (r *StaticResolver) Resolve(_ context.Context, credential string) (string, error) {
	candidate := []byte(strings.TrimSpace(credential))
	if len(candidate) == 0 {
		return "", contracts.ErrUnauthenticated
	}
	match := ""
	for _, entry := range r.entries {
		if subtle.ConstantTimeCompare(entry.token, candidate) == 1 {
			match = entry.identityID
		}
	}
	if match == "" {
		return "", contracts.ErrUnauthenticated
	}
	return match, nil
}

// Chain tries each resolver in order and returns the first success.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, credential string) (string, error) {
	var lastErr error = contracts.ErrUnauthenticated
	for _, r := range c {
		if r == nil {
			continue
		}
		id, err := r.Resolve(ctx, credential)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, contracts.ErrUnauthenticated) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// CredentialFromHeaders extracts a bearer token from an Authorization value or
// falls back to the dedicated token header.
func CredentialFromHeaders(authorization, tokenHeader string) (string, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization != "" {
		scheme, value, ok := strings.Cut(authorization, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", contracts.ErrUnauthenticated)
		}
		return strings.TrimSpace(value), nil
	}
	if token := strings.TrimSpace(tokenHeader); token != "" {
		return token, nil
	}
	return "", contracts.ErrUnauthenticated
}
