package middleware

import (
	"log/slog"
	"net/http"

	"github.com/abubuhammad/georgy-realtime/pkg/config"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/coder/websocket"
)

// ConnectionSource is the part of state.Manager the limiter needs.
type ConnectionSource interface {
	GetUserConnectionCount(userID string) (int, error)
	FindOldestUserConnection(userID string) (*state.Connection, bool)
}

// ErrConnectionCycled closes the oldest connection when a user exceeds the
// limit in "cycle" mode.
var ErrConnectionCycled = websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "connection cycled by new connection"}

// NewConnectionLimiter caps live connections per user. It must run after the
// auth middleware.
func NewConnectionLimiter(logger *slog.Logger, conns ConnectionSource, cfg config.ConnectionLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.Identity == nil {
				logger.Error("Connection limiter found no identity in request metadata. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			userID := reqMeta.UserID()

			count, err := conns.GetUserConnectionCount(userID)
			if err != nil {
				logger.Error("Connection limiter failed to get connection count", slog.Any("error", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached", slog.String("userID", userID), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				writeJSONError(w, http.StatusTooManyRequests, "too_many_connections")
			case "cycle":
				if oldest, found := conns.FindOldestUserConnection(userID); found {
					logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
					// the close handshake can take seconds; don't hold up the new one
					go oldest.Transport.Close(ErrConnectionCycled)
				}
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
