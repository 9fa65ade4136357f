package store

import "time"

type User struct {
	ID          string `gorm:"primaryKey"`
	Email       string `gorm:"uniqueIndex"`
	DisplayName string
	Role        string `gorm:"index"`
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chat is a two-party conversation between a customer and an artisan.
type Chat struct {
	ID            string `gorm:"primaryKey"`
	CustomerID    string `gorm:"index"`
	ArtisanID     string `gorm:"index"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.CustomerID == userID || c.ArtisanID == userID)
}

// OtherParticipant returns the counterpart of userID, or "" if userID is not
// a participant.
func (c *Chat) OtherParticipant(userID string) string {
	switch userID {
	case c.CustomerID:
		return c.ArtisanID
	case c.ArtisanID:
		return c.CustomerID
	}
	return ""
}

type Message struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"index"`
	SenderID  string `gorm:"index"`
	Content   string
	Type      string
	Metadata  string // raw JSON object, empty when absent
	CreatedAt time.Time
}

type Notification struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Kind      string
	Title     string
	Body      string
	Data      string // raw JSON object
	IsRead    bool `gorm:"index"`
	ReadAt    *time.Time
	CreatedAt time.Time
}

type Delivery struct {
	ID         string `gorm:"primaryKey"`
	CustomerID string `gorm:"index"`
	AgentID    string `gorm:"index"`
	Status     string
	UpdatedAt  time.Time
}
