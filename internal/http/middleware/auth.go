package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	adminClaimsKey   contextKey = "adminClaims"
	serviceClaimsKey contextKey = "serviceClaims"
)

// AdminJWT enforces an HMAC-signed JWT for the admin endpoints.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return bearerJWT(secret, "admin", adminClaimsKey)
}

// ServiceJWT enforces an HMAC-signed JWT for the bot-facing service
// endpoints. It uses a separate secret so bot credentials never grant admin
// access.
func ServiceJWT(secret string) func(http.Handler) http.Handler {
	return bearerJWT(secret, "service", serviceClaimsKey)
}

func bearerJWT(secret, realm string, key contextKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, realm+" auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), key, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(jwt.RegisteredClaims)
	return claims, ok
}

// ServiceClaimsFromContext returns service JWT claims if present.
func ServiceClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(serviceClaimsKey).(jwt.RegisteredClaims)
	return claims, ok
}

// Actor names the caller for audit logs: the token subject, or the realm.
func Actor(ctx context.Context) string {
	if claims, ok := AdminClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}
	if claims, ok := ServiceClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "anonymous"
}
