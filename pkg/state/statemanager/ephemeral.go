package statemanager

import (
	"log/slog"
	"sort"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

// --- Typing indicators ---

func (m *InMemoryManager) typingAlive(last, now time.Time) bool {
	return m.typingTTL <= 0 || now.Sub(last) < m.typingTTL
}

func (m *InMemoryManager) SetTyping(userID, roomID string, isTyping bool) bool {
	now := m.now()
	m.typingMu.Lock()
	defer m.typingMu.Unlock()

	set := m.typing[roomID]
	last, present := set[userID]
	wasTyping := present && m.typingAlive(last, now)

	if !isTyping {
		m.clearTypingLocked(userID, roomID)
		return wasTyping
	}
	if set == nil {
		set = make(map[string]time.Time)
		m.typing[roomID] = set
	}
	set[userID] = now
	return !wasTyping
}

// clearTypingLocked requires typingMu held for writing.
func (m *InMemoryManager) clearTypingLocked(userID, roomID string) {
	set, ok := m.typing[roomID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m.typing, roomID)
	}
}

func (m *InMemoryManager) TypingIn(roomID string) []string {
	now := m.now()
	m.typingMu.RLock()
	defer m.typingMu.RUnlock()

	var users []string
	for userID, last := range m.typing[roomID] {
		if m.typingAlive(last, now) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// --- Agent locations ---

func (m *InMemoryManager) UpdateLocation(fix state.LocationFix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = m.now()
	}
	m.locMu.Lock()
	m.locations[fix.AgentID] = fix
	m.locMu.Unlock()
}

func (m *InMemoryManager) LocationOf(agentID string) (state.LocationFix, bool) {
	m.locMu.RLock()
	defer m.locMu.RUnlock()
	fix, ok := m.locations[agentID]
	return fix, ok
}

func (m *InMemoryManager) AllLocations() map[string]state.LocationFix {
	m.locMu.RLock()
	defer m.locMu.RUnlock()

	out := make(map[string]state.LocationFix, len(m.locations))
	for id, fix := range m.locations {
		out[id] = fix
	}
	return out
}

// --- Sweep ---

// Sweep prunes stale locations and typing entries, and memberships of users
// offline longer than the membership TTL when one is configured.
func (m *InMemoryManager) Sweep(now time.Time) state.SweepStats {
	var stats state.SweepStats

	m.locMu.Lock()
	for agentID, fix := range m.locations {
		if now.Sub(fix.Timestamp) > m.locationTTL {
			delete(m.locations, agentID)
			stats.Locations++
		}
	}
	m.locMu.Unlock()

	m.typingMu.Lock()
	for roomID, set := range m.typing {
		for userID, last := range set {
			if m.typingTTL <= 0 || now.Sub(last) >= m.typingTTL {
				delete(set, userID)
				stats.Typing++
			}
		}
		if len(set) == 0 {
			delete(m.typing, roomID)
		}
	}
	m.typingMu.Unlock()

	if m.membershipTTL > 0 {
		stats.Memberships = m.sweepMemberships(now)
	}

	if stats != (state.SweepStats{}) {
		m.logger.Debug("Swept ephemeral state",
			slog.Int("locations", stats.Locations),
			slog.Int("typing", stats.Typing),
			slog.Int("memberships", stats.Memberships),
		)
	}
	return stats
}

func (m *InMemoryManager) sweepMemberships(now time.Time) int {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	removed := 0
	for userID, user := range m.users {
		if len(user.Connections) > 0 || user.LastSeen.IsZero() {
			continue
		}
		if now.Sub(user.LastSeen) <= m.membershipTTL {
			continue
		}
		for roomID := range m.userRooms[userID] {
			if m.removeMemberLocked(userID, roomID) {
				removed++
			}
		}
		delete(m.users, userID)
	}
	return removed
}
