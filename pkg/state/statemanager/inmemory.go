package statemanager

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/google/uuid"
)

const (
	DefaultTypingTTL   = 10 * time.Second
	DefaultLocationTTL = 10 * time.Minute
)

type Option func(*InMemoryManager)

// WithTypingTTL sets how long a typing entry stays live. Zero disables
// per-entry expiry: entries live until the next sweep clears them all.
func WithTypingTTL(d time.Duration) Option {
	return func(m *InMemoryManager) { m.typingTTL = d }
}

func WithLocationTTL(d time.Duration) Option {
	return func(m *InMemoryManager) { m.locationTTL = d }
}

// WithMembershipTTL makes the sweep drop room memberships of users that have
// been offline for longer than d. Zero keeps memberships for the process lifetime.
func WithMembershipTTL(d time.Duration) Option {
	return func(m *InMemoryManager) { m.membershipTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *InMemoryManager) { m.now = now }
}

// InMemoryManager owns all shared realtime state. Lock order is
// presenceMu -> connMu -> userMu -> roomMu -> typingMu; locMu and modMu are
// leaves.
//
// presenceMu is held from a user's online/offline transition until the
// presence hook returns, so hook calls are ordered like the transitions.
// The hook may read state but must not associate or deregister connections.
type InMemoryManager struct {
	conns     map[uuid.UUID]*state.Connection
	users     map[string]*state.User
	rooms     map[string]*state.Room
	userRooms map[string]map[string]struct{} // userID -> roomIDs, guarded by roomMu

	typing         map[string]map[string]time.Time // roomID -> userID -> last typing signal
	locations      map[string]state.LocationFix
	modifierStates map[string]*state.ModifierState

	connMu   sync.RWMutex
	userMu   sync.RWMutex
	roomMu   sync.RWMutex
	typingMu sync.RWMutex
	locMu    sync.RWMutex
	modMu    sync.Mutex

	presenceMu sync.Mutex
	hookMu     sync.RWMutex
	hook       state.PresenceHook

	typingTTL     time.Duration
	locationTTL   time.Duration
	membershipTTL time.Duration
	now           func() time.Time

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, opts ...Option) *InMemoryManager {
	m := &InMemoryManager{
		conns:          make(map[uuid.UUID]*state.Connection),
		users:          make(map[string]*state.User),
		rooms:          make(map[string]*state.Room),
		userRooms:      make(map[string]map[string]struct{}),
		typing:         make(map[string]map[string]time.Time),
		locations:      make(map[string]state.LocationFix),
		modifierStates: make(map[string]*state.ModifierState),
		typingTTL:      DefaultTypingTTL,
		locationTTL:    DefaultLocationTTL,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "state_manager_inmemory")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) SetPresenceHook(hook state.PresenceHook) {
	m.hookMu.Lock()
	m.hook = hook
	m.hookMu.Unlock()
}

func (m *InMemoryManager) firePresence(userID string, online bool, at time.Time) {
	m.hookMu.RLock()
	hook := m.hook
	m.hookMu.RUnlock()
	if hook != nil {
		hook(userID, online, at)
	}
}

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrConnectionExists
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: m.now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	userID := conn.UserID()
	if userID == "" {
		m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
		return nil
	}

	var (
		wentOffline bool
		at          time.Time
	)
	m.userMu.Lock()
	if user, ok := m.users[userID]; ok {
		if _, had := user.Connections[connID]; had {
			delete(user.Connections, connID)
			if len(user.Connections) == 0 {
				at = m.now()
				user.LastSeen = at
				wentOffline = true
			}
		}
	}
	m.userMu.Unlock()

	m.logger.Debug("Connection deregistered",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.Bool("userOffline", wentOffline),
	)
	if wentOffline {
		m.firePresence(userID, false, at)
	}
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, conn := range user.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// AllConnections returns every connection that has an associated identity.
func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.Identity != nil {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *InMemoryManager) Count() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

// --- Users & Presence ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, identity state.Identity) (*state.User, error) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	m.connMu.Lock()
	m.userMu.Lock()

	conn, ok := m.conns[connID]
	if !ok {
		m.userMu.Unlock()
		m.connMu.Unlock()
		return nil, fmt.Errorf("cannot associate user with connection %s: %w", connID, state.ErrConnectionNotFound)
	}
	if conn.Identity != nil && conn.Identity.UserID != identity.UserID {
		m.userMu.Unlock()
		m.connMu.Unlock()
		return nil, fmt.Errorf("connection %s already belongs to another user", connID)
	}

	// Find or create the user session.
	user, exists := m.users[identity.UserID]
	if !exists {
		user = &state.User{
			ID:          identity.UserID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[identity.UserID] = user
		m.logger.Debug("Created new user session", slog.String("userID", identity.UserID))
	}

	now := m.now()
	user.Identity = identity
	id := identity
	conn.Identity = &id
	conn.AuthenticatedAt = now

	cameOnline := len(user.Connections) == 0
	user.Connections[connID] = conn
	snapshot := copyUser(user)

	m.userMu.Unlock()
	m.connMu.Unlock()

	m.logger.Debug("Associated connection with user",
		slog.String("connID", connID.String()),
		slog.String("userID", identity.UserID),
		slog.String("role", string(identity.Role)),
	)
	if cameOnline {
		m.firePresence(identity.UserID, true, now)
	}
	return snapshot, nil
}

// FindUser returns a snapshot of the user record.
func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	return copyUser(user), true
}

func (m *InMemoryManager) IsOnline(userID string) bool {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return ok && len(user.Connections) > 0
}

func (m *InMemoryManager) ConnectionsFor(userID string) []*state.Connection {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*state.Connection, 0, len(user.Connections))
	for _, c := range user.Connections {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

// ByRole returns the identities of online users holding role.
func (m *InMemoryManager) ByRole(role state.Role) []state.Identity {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	var identities []state.Identity
	for _, u := range m.users {
		if len(u.Connections) > 0 && u.Identity.Role == role {
			identities = append(identities, u.Identity)
		}
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].UserID < identities[j].UserID })
	return identities
}

func (m *InMemoryManager) ConnectionsByRole(role state.Role) []*state.Connection {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	var conns []*state.Connection
	for _, u := range m.users {
		if u.Identity.Role != role {
			continue
		}
		for _, c := range u.Connections {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *InMemoryManager) OnlineUserCount() int {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	n := 0
	for _, u := range m.users {
		if len(u.Connections) > 0 {
			n++
		}
	}
	return n
}

func copyUser(u *state.User) *state.User {
	cp := &state.User{
		ID:          u.ID,
		Identity:    u.Identity,
		Connections: make(map[uuid.UUID]*state.Connection, len(u.Connections)),
		LastSeen:    u.LastSeen,
	}
	for id, c := range u.Connections {
		cp.Connections[id] = c
	}
	return cp
}
