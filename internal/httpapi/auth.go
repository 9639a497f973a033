package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

type StaffClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type authContextKey struct{}

// Authenticator checks HS256 staff tokens. With an empty secret every request
// is let through, which is meant for local development only.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("staff auth is disabled")
	}
	now := time.Now()
	claims := StaffClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(tokenString string) (StaffClaims, error) {
	var claims StaffClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return StaffClaims{}, err
	}
	if !token.Valid {
		return StaffClaims{}, errors.New("invalid token")
	}
	if claims.Role != RoleStaff && claims.Role != RoleAdmin {
		return StaffClaims{}, errors.New("unknown role")
	}
	return claims, nil
}

// Require admits requests whose token carries the role. Admins pass every check.
func (a *Authenticator) Require(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing staff token")
				return
			}
			claims, err := a.Verify(token)
			if err != nil {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid staff token")
				return
			}
			if claims.Role != role && claims.Role != RoleAdmin {
				writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role "+role+" required")
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimsFromContext(ctx context.Context) (StaffClaims, bool) {
	claims, ok := ctx.Value(authContextKey{}).(StaffClaims)
	return claims, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
