// Package auth turns request credentials into a verified caller identity.
// The dispatch engine trusts whatever identity this package produces.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Identity struct {
	UserID string
	Role   models.Role
}

// Verifier authenticates an incoming request.
type Verifier interface {
	Verify(r *http.Request) (Identity, error)
}

// Claims is the token payload issued to passengers and drivers.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens from the Authorization header, or from the
// token query parameter for WebSocket upgrades where browsers cannot set
// headers.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(r *http.Request) (Identity, error) {
	raw := bearer(r)
	if raw == "" {
		return Identity{}, ErrMissingCredentials
	}
	return v.Parse(raw)
}

func (v *JWTVerifier) Parse(raw string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id := Identity{UserID: claims.UserID, Role: models.Role(claims.Role)}
	if id.UserID == "" || !validRole(id.Role) {
		return Identity{}, fmt.Errorf("%w: user_id and role are required", ErrInvalidToken)
	}
	return id, nil
}

// Issue signs a token for id that expires after ttl.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// HeaderVerifier trusts X-User-ID and X-User-Role as set by an upstream
// gateway. Only for deployments behind one, and for local runs.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(r *http.Request) (Identity, error) {
	id := Identity{
		UserID: strings.TrimSpace(r.Header.Get("X-User-ID")),
		Role:   models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role")))),
	}
	if id.UserID == "" {
		id.UserID = r.URL.Query().Get("user_id")
		id.Role = models.Role(r.URL.Query().Get("role"))
	}
	if id.UserID == "" {
		return Identity{}, ErrMissingCredentials
	}
	if !validRole(id.Role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, id.Role)
	}
	return id, nil
}

func validRole(r models.Role) bool {
	return r == models.RolePassenger || r == models.RoleDriver
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
