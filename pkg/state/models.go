package state

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection is already registered")
)

// Transport is the send side of a live session. *transport.Connection
// implements it; tests use recording fakes.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

type Role string

const (
	RoleCustomer      Role = "customer"
	RoleArtisan       Role = "artisan"
	RoleDeliveryAgent Role = "delivery_agent"
	RoleAdmin         Role = "admin"
)

// Room id helpers. Chat rooms use the chat id as-is.
const AdminMonitoringRoom = "admin:monitoring"

func PersonalRoom(userID string) string     { return "user:" + userID }
func RoleRoom(role Role) string             { return "role:" + string(role) }
func DeliveryRoom(deliveryID string) string { return "delivery:" + deliveryID }

// Identity is what the handshake proved about a connection's owner.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Role        Role
	Permissions Permission
}

// representation of a single transport-layer connection.
type Connection struct {
	ID              uuid.UUID
	IPAddress       string
	Transport       Transport
	Identity        *Identity // nil until associated
	CreatedAt       time.Time
	AuthenticatedAt time.Time
}

// UserID returns the owning user's id, or "" before association.
func (c *Connection) UserID() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.UserID
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	Identity    Identity
	Connections map[uuid.UUID]*Connection
	LastSeen    time.Time
}

// canonical representation of a broadcast channel.
type Room struct {
	ID      string
	Members map[string]struct{}
}

// LocationFix is the latest known position of a delivery agent.
type LocationFix struct {
	AgentID    string     `json:"agentId"`
	DeliveryID string     `json:"deliveryId,omitempty"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	Accuracy   float64    `json:"accuracy,omitempty"`
	Heading    float64    `json:"heading,omitempty"`
	Speed      float64    `json:"speed,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	ETA        *time.Time `json:"eta,omitempty"`
}

// SweepStats reports what a single sweep pass removed.
type SweepStats struct {
	Locations   int
	Typing      int
	Memberships int
}

// PresenceHook is invoked when a user goes from zero to one connection
// (online=true) or from one to zero (online=false). Only the presence lock is
// held, so calls arrive in transition order; the hook must not register or
// deregister connections.
type PresenceHook func(userID string, online bool, at time.Time)

// ModifierState holds per user+event state owned by a command modifier.
// Timer, when set, is stopped on overwrite or delete.
type ModifierState struct {
	mu    sync.Mutex
	Value any
	Timer *time.Timer
}

// Lock serializes mutation of Value across concurrent commands.
func (s *ModifierState) Lock()   { s.mu.Lock() }
func (s *ModifierState) Unlock() { s.mu.Unlock() }
