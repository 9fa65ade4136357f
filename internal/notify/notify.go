// Package notify hands notifications for offline users to the delivery
// pipeline that owns push, email and SMS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// OfflineNotice is published when a recipient has no live connection.
type OfflineNotice struct {
	UserID    string         `json:"userId"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With(slog.String("component", "nats"))
	nc, err := nats.Connect(url,
		nats.Name("georgy-realtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSNotifier publishes each notice as JSON on "<subject>.<kind>".
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSNotifier(nc *nats.Conn, subject string, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{
		nc:      nc,
		subject: subject,
		logger:  logger.With(slog.String("component", "notify_nats")),
	}
}

func (n *NATSNotifier) NotifyOffline(ctx context.Context, notice OfflineNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if notice.CreatedAt.IsZero() {
		notice.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal offline notice: %w", err)
	}
	subject := n.subject + "." + notice.Kind
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish offline notice: %w", err)
	}
	n.logger.Debug("Published offline notice", slog.String("subject", subject), slog.String("userID", notice.UserID))
	return nil
}

// LogNotifier only logs notices. Used when no NATS url is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notify_log"))}
}

func (n *LogNotifier) NotifyOffline(_ context.Context, notice OfflineNotice) error {
	n.logger.Info("Offline notice",
		slog.String("userID", notice.UserID),
		slog.String("kind", notice.Kind),
		slog.String("title", notice.Title),
	)
	return nil
}
