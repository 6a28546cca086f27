package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clinicore.org/internal/authz"
	"clinicore.org/internal/credential"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/2fa/verify",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

type ctxKeyClaims struct{}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.creds == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.creds.VerifyAccess(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, credential.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			case errors.Is(err, credential.ErrSecondFactorRequired):
				writeError(w, r, http.StatusUnauthorized, "second factor required")
			case errors.Is(err, credential.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFromContext returns the verified access claims, if any.
func claimsFromContext(ctx context.Context) (*credential.Claims, bool) {
	claims, ok := ctx.Value(ctxKeyClaims{}).(*credential.Claims)
	return claims, ok
}

// ensurePermission checks the token's permission snapshot and writes the
// error response itself on failure.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (*credential.Claims, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if !authz.Allowed(claims.Permissions, perm) {
		if a.engine != nil {
			// Record the deny with live role data; the snapshot may be stale.
			decision, err := a.engine.Authorize(r.Context(), claims.Subject, claims.Tenant, perm, r.URL.Path)
			if err == nil && decision == authz.Allow {
				return claims, true
			}
		}
		writeError(w, r, http.StatusForbidden, "permission denied")
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
