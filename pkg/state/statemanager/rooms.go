package statemanager

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(userID, roomID string) (bool, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return false, fmt.Errorf("cannot join room %q: %w", roomID, state.ErrUserNotFound)
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[string]struct{}),
		}
		m.rooms[roomID] = room
	}
	if _, member := room.Members[userID]; member {
		return false, nil
	}

	room.Members[userID] = struct{}{}
	joined, ok := m.userRooms[userID]
	if !ok {
		joined = make(map[string]struct{})
		m.userRooms[userID] = joined
	}
	joined[roomID] = struct{}{}

	m.logger.Debug("User joined room", slog.String("userID", userID), slog.String("roomID", roomID))
	return true, nil
}

func (m *InMemoryManager) Leave(userID, roomID string) bool {
	m.roomMu.Lock()
	removed := m.removeMemberLocked(userID, roomID)
	m.roomMu.Unlock()

	m.typingMu.Lock()
	m.clearTypingLocked(userID, roomID)
	m.typingMu.Unlock()

	if removed {
		m.logger.Debug("User left room", slog.String("userID", userID), slog.String("roomID", roomID))
	}
	return removed
}

// removeMemberLocked requires roomMu held for writing.
func (m *InMemoryManager) removeMemberLocked(userID, roomID string) bool {
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := room.Members[userID]; !member {
		return false
	}
	delete(room.Members, userID)
	if joined, ok := m.userRooms[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.userRooms, userID)
		}
	}
	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
	return true
}

func (m *InMemoryManager) MembersOf(roomID string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.Members))
	for id := range room.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (m *InMemoryManager) RoomsOf(userID string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	joined := m.userRooms[userID]
	rooms := make([]string, 0, len(joined))
	for id := range joined {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// RoomConnections resolves the live connections of every current member of
// roomID under a single consistent snapshot.
func (m *InMemoryManager) RoomConnections(roomID string) []*state.Connection {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	var conns []*state.Connection
	for userID := range room.Members {
		user, ok := m.users[userID]
		if !ok {
			continue
		}
		for _, c := range user.Connections {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *InMemoryManager) RoomCount() int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms)
}
