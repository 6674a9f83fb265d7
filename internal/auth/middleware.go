// Package auth guards the mutating API routes with HMAC-signed JWTs and
// hands the token subject to the handlers as the writer of a change.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("changecache.auth")

type contextKey struct{}

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 5 * time.Second

// JWTMiddleware issues and verifies write tokens.
type JWTMiddleware struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// NewJWTMiddleware creates a middleware for tokens signed with secret. When
// issuer is set, issued tokens carry it and verified tokens must match it.
// Issued tokens expire after ttl.
func NewJWTMiddleware(secret, issuer string, ttl time.Duration) *JWTMiddleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		parser: jwt.NewParser(opts...),
	}
}

// IssueToken signs a token naming subject as the writer.
func (m *JWTMiddleware) IssueToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.NotValidf("empty subject")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	return signed, errors.Trace(err)
}

// Verify checks a signed token and returns its subject.
func (m *JWTMiddleware) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := m.parser.ParseWithClaims(token, &claims, m.key); err != nil {
		return "", errors.Unauthorizedf("%v", err)
	}
	if claims.Subject == "" {
		return "", errors.Unauthorizedf("token has no subject")
	}
	return claims.Subject, nil
}

func (m *JWTMiddleware) key(*jwt.Token) (interface{}, error) {
	return m.secret, nil
}

// Authenticate rejects requests without a valid bearer token. The token
// subject is available to next through SubjectFromContext.
func (m *JWTMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "bearer token required")
			return
		}
		subject, err := m.Verify(token)
		if err != nil {
			logger.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="changecache"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// WithSubject returns ctx carrying the authenticated writer.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// SubjectFromContext returns the authenticated writer, or "" for
// unauthenticated requests.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(contextKey{}).(string)
	return subject
}
