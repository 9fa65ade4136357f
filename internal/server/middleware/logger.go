package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each incoming request and, once the handler returns,
// how long it was served. For upgraded connections that is the session length.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip, reqID string
			started := time.Now()
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip, reqID, started = reqMeta.IP, reqMeta.RequestID, reqMeta.StartedAt
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("requestID", reqID),
			)
			next.ServeHTTP(w, r)
			logger.Debug("HTTP request finished",
				slog.String("requestID", reqID),
				slog.Duration("duration", time.Since(started)),
			)
		})
	}
}
