package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// Header names recognized at the edge.
const (
	HeaderUserID   = "X-User-Id"
	HeaderTenantID = "X-Tenant-Id"
	HeaderTraceID  = "X-Trace-Id"
)

// Claims are the JWT claims accepted when bearer auth is configured.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// Validator checks bearer tokens against an HMAC secret.
type Validator struct {
	secret []byte
}

// NewValidator returns nil when no secret is configured; the middleware
// then relies on identity headers alone.
func NewValidator(secret string) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning its claims.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths need no session identity.
var publicPaths = map[string]bool{
	"/health": true,
}

// SessionMiddleware resolves the caller's session identity. With a
// validator configured, a bearer token is required and its subject becomes
// the session actor; otherwise the identity headers are trusted as set by
// the edge adapter. Requests without a resolvable identity are rejected.
func SessionMiddleware(validator *Validator, reject func(w http.ResponseWriter, status int, detail string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var sess registry.Session
			if validator != nil {
				authHeader := r.Header.Get("Authorization")
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					reject(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				claims, err := validator.Validate(parts[1])
				if err != nil {
					reject(w, http.StatusUnauthorized, "invalid bearer token")
					return
				}
				sess = registry.Session{UserID: claims.Subject, TenantID: claims.TenantID}
			} else {
				sess = registry.Session{
					UserID:   r.Header.Get(HeaderUserID),
					TenantID: r.Header.Get(HeaderTenantID),
				}
			}

			if !record.ValidUserID(sess.UserID) {
				reject(w, http.StatusBadRequest, "missing or malformed user id")
				return
			}
			if sess.TenantID != "" && !record.ValidTenantID(sess.TenantID) {
				reject(w, http.StatusBadRequest, "malformed tenant id")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}
