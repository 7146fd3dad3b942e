package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

// RequireBearer returns middleware that extracts and validates the bearer
// token on every request, attaching the subject to the request context on
// success (spec.md §4.1). The anti-enumeration requirement in spec.md §7
// is scoped to login's ErrCredentialInvalid, not to this guard, so the
// response body distinguishes "no token", "expired", and "invalid" while
// the failure kind is also logged server-side.
func RequireBearer(svc *Service, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractBearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				log.Info("auth rejected", "kind", "no token", "path", r.URL.Path)
				writeAuthError(w, "authentication required")
				return
			}

			username, err := svc.ValidateBearer(raw)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					log.Warn("auth rejected", "kind", "expired", "path", r.URL.Path)
					writeAuthError(w, "token expired")
				} else {
					log.Info("auth rejected", "kind", "invalid", "path", r.URL.Path)
					writeAuthError(w, "token invalid")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), username)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
