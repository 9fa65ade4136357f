package engine

import (
	"context"

	"github.com/abubuhammad/georgy-realtime/internal/notify"
	"github.com/abubuhammad/georgy-realtime/internal/store"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

// Collaborators of the command handlers. *store.Store implements the three
// store interfaces.

type ChatStore interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	CreateMessage(ctx context.Context, msg *store.Message) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type DeliveryStore interface {
	GetDelivery(ctx context.Context, deliveryID string) (*store.Delivery, error)
}

type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, notice notify.OfflineNotice) error
}

// PermissionLookup resolves permission names used by require_permission.
type PermissionLookup interface {
	Lookup(name string) (state.Permission, bool)
}
