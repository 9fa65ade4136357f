package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abubuhammad/georgy-realtime/internal/auth"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrNotParticipant = errors.New("user is not a participant of this chat")
)

// Store is the relational persistence adapter used by the command handlers
// and the handshake authenticator.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, log *slog.Logger) *Store {
	return &Store{db: db, logger: log.With(slog.String("component", "store"))}
}

// Open connects to a SQLite database at dsn and optionally migrates the schema.
func Open(dsn string, autoMigrate bool, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := New(db, log)
	if autoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&User{}, &Chat{}, &Message{}, &Notification{}, &Delivery{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadUser implements auth.UserLoader.
func (s *Store) LoadUser(ctx context.Context, userID string) (*auth.UserRecord, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &auth.UserRecord{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsActive:    u.IsActive,
	}, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var chat Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// CreateMessage stores msg and bumps the chat's last message time. The sender
// must be one of the chat's two participants.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat Chat
		if err := tx.First(&chat, "id = ?", msg.ChatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to find chat: %w", err)
		}
		if !chat.HasParticipant(msg.SenderID) {
			return ErrNotParticipant
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if err := tx.Model(&Chat{}).Where("id = ?", chat.ID).Update("last_message_at", msg.CreatedAt).Error; err != nil {
			return fmt.Errorf("failed to update chat: %w", err)
		}
		return nil
	})
}

func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// MarkRead marks one notification owned by userID as read. Notifications of
// other users are reported as ErrNotFound.
func (s *Store) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Updates(map[string]any{"is_read": true, "read_at": time.Now().UTC()})
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead returns the number of notifications that changed.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": time.Now().UTC()})
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected, nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	var d Delivery
	if err := s.db.WithContext(ctx).First(&d, "id = ?", deliveryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find delivery: %w", err)
	}
	return &d, nil
}
