package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type companyCtxKey struct{}

// CompanyClaims scopes an admin token to one company.
type CompanyClaims struct {
	CompanyID string `json:"company_id"`
	jwt.RegisteredClaims
}

// CompanyAuth returns middleware that requires an HS256 bearer token issued
// by issuer and stores the company it is scoped to in the context.
func CompanyAuth(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusServiceUnavailable, "auth secret not configured")
				return
			}
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := ParseCompanyToken(raw, secret, issuer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), companyCtxKey{}, claims.CompanyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseCompanyToken validates raw and returns its claims.
func ParseCompanyToken(raw, secret, issuer string) (*CompanyClaims, error) {
	claims := &CompanyClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.CompanyID == "" {
		return nil, errors.New("token has no company_id")
	}
	return claims, nil
}

// IssueCompanyToken signs a token for companyID valid for ttl.
func IssueCompanyToken(companyID, secret, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CompanyClaims{
		CompanyID: companyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   companyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// CompanyID returns the company the request is authenticated for.
func CompanyID(ctx context.Context) string {
	id, _ := ctx.Value(companyCtxKey{}).(string)
	return id
}
