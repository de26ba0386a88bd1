package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Guard authenticates API requests with HMAC-signed JWTs issued by the auth
// service that shares server.auth_secret with us. Identity only travels in
// the token; the request body never names a user.
type Guard struct {
	secret []byte
}

func NewGuard(secret string) *Guard {
	return &Guard{secret: []byte(secret)}
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// Middleware rejects requests without a valid bearer token and stores the
// caller's id and role in the request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := g.parseFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.Subject)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Guard) parseFromRequest(r *http.Request) (*Claims, error) {
	hdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
		return nil, errors.New("missing bearer token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(hdr[7:]), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Mint issues a token for the given user. Used by the seed tool and tests;
// production tokens come from the auth service.
func (g *Guard) Mint(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// UserID returns the authenticated caller's id, empty if unauthenticated.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// Role returns the authenticated caller's role.
func Role(ctx context.Context) string {
	v, _ := ctx.Value(ctxRole).(string)
	return v
}
