package middleware

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/google/uuid"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

type RequestMetadata struct {
	RequestID string
	IP        string
	StartedAt time.Time
	// set by the auth middleware
	Identity *state.Identity
}

func (m *RequestMetadata) UserID() string {
	if m.Identity == nil {
		return ""
	}
	return m.Identity.UserID
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta := &RequestMetadata{
				RequestID: uuid.NewString(),
				IP:        ip,
				StartedAt: time.Now(),
			}
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
