package statemanager

import "github.com/abubuhammad/georgy-realtime/pkg/state"

// --- Modifier store Management ---

func modifierKey(modifierName, userID, eventName string) string {
	return modifierName + "|" + userID + "|" + eventName
}

func (m *InMemoryManager) GetModifierState(modifierName, userID, eventName string) (*state.ModifierState, bool) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	st, ok := m.modifierStates[modifierKey(modifierName, userID, eventName)]
	return st, ok
}

func (m *InMemoryManager) GetOrCreateModifierState(modifierName, userID, eventName string, create func() *state.ModifierState) (*state.ModifierState, bool) {
	key := modifierKey(modifierName, userID, eventName)
	m.modMu.Lock()
	defer m.modMu.Unlock()
	if st, ok := m.modifierStates[key]; ok {
		return st, false
	}
	st := create()
	m.modifierStates[key] = st
	return st, true
}

func (m *InMemoryManager) SetModifierState(modifierName, userID, eventName string, st *state.ModifierState) {
	key := modifierKey(modifierName, userID, eventName)
	m.modMu.Lock()
	defer m.modMu.Unlock()
	if prev, ok := m.modifierStates[key]; ok && prev != st && prev.Timer != nil {
		prev.Timer.Stop()
	}
	m.modifierStates[key] = st
}

func (m *InMemoryManager) DeleteModifierState(modifierName, userID, eventName string) {
	key := modifierKey(modifierName, userID, eventName)
	m.modMu.Lock()
	defer m.modMu.Unlock()
	if prev, ok := m.modifierStates[key]; ok {
		if prev.Timer != nil {
			prev.Timer.Stop()
		}
		delete(m.modifierStates, key)
	}
}
