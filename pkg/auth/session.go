// Package auth binds the edge session identity: X-User-Id / X-Tenant-Id
// headers for trusted adapters, bearer JWTs when a secret is configured,
// plus CORS, request ids, and per-actor rate limiting.
package auth

import (
	"context"
	"errors"

	"github.com/loglineos/core/pkg/registry"
)

type sessionKey struct{}

// WithSession attaches the session identity to the context.
func WithSession(ctx context.Context, sess registry.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom retrieves the session identity installed by the middleware.
func SessionFrom(ctx context.Context) (registry.Session, error) {
	sess, ok := ctx.Value(sessionKey{}).(registry.Session)
	if !ok || sess.UserID == "" {
		return registry.Session{}, errors.New("no session in context")
	}
	return sess, nil
}
