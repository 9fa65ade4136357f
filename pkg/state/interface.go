package state

import (
	"time"

	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// removes the connection; fires the presence hook if it was the user's last.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)
	AllConnections() []*Connection
	Count() int

	// --- Users & Presence ---
	// links a connection to an identity, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, identity Identity) (*User, error)
	FindUser(userID string) (*User, bool)
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []*Connection
	GetUserConnectionCount(userID string) (int, error)
	ByRole(role Role) []Identity
	ConnectionsByRole(role Role) []*Connection
	OnlineUserCount() int
	SetPresenceHook(hook PresenceHook)

	// --- Room & Membership Management ---
	// Join reports whether the user was newly added.
	Join(userID, roomID string) (bool, error)
	// Leave reports whether the user was a member.
	Leave(userID, roomID string) bool
	MembersOf(roomID string) []string
	RoomsOf(userID string) []string
	RoomConnections(roomID string) []*Connection
	RoomCount() int

	// --- Ephemeral Caches ---
	// SetTyping reports whether the typing state of the user changed.
	SetTyping(userID, roomID string, isTyping bool) bool
	TypingIn(roomID string) []string
	UpdateLocation(fix LocationFix)
	LocationOf(agentID string) (LocationFix, bool)
	AllLocations() map[string]LocationFix
	Sweep(now time.Time) SweepStats

	// --- Modifier store Management ---
	GetModifierState(modifierName, userID, eventName string) (state *ModifierState, found bool)

	// GetOrCreateModifierState atomically returns the existing entry or stores
	// the one built by create. created is true when create was used.
	GetOrCreateModifierState(modifierName, userID, eventName string, create func() *ModifierState) (state *ModifierState, created bool)

	// SetModifierState sets or updates the state data, stopping the timer of
	// any entry it replaces.
	SetModifierState(modifierName, userID, eventName string, state *ModifierState)

	// DeleteModifierState removes a state entry. This is typically called by
	// the entry's own expiry timer.
	DeleteModifierState(modifierName, userID, eventName string)
}
