package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/abubuhammad/georgy-realtime/internal/auth"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (state.Identity, error)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// NewAuthMiddleware rejects the handshake with 401 unless the request carries
// a token that resolves to an active user.
func NewAuthMiddleware(logger *slog.Logger, authenticator Authenticator, cookieName string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := auth.TokenFromRequest(r, cookieName)
			identity, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				var authErr *auth.AuthError
				if errors.As(err, &authErr) {
					logger.Warn("Handshake rejected",
						slog.String("ip", reqMeta.IP),
						slog.String("reason", authErr.Reason),
					)
					writeJSONError(w, http.StatusUnauthorized, authErr.Reason)
					return
				}
				logger.Error("Handshake authentication failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				writeJSONError(w, http.StatusInternalServerError, "internal")
				return
			}

			reqMeta.Identity = &identity
			next.ServeHTTP(w, r)
		})
	}
}
