package config

import (
	"fmt"
	"sync"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

// PermissionRegistry maps permission names to bits. Built-in permissions
// are always present; custom ones get the next free bit.
type PermissionRegistry struct {
	mu      sync.RWMutex
	perms   map[string]state.Permission
	nextBit uint
}

func NewPermissionRegistry() *PermissionRegistry {
	r := &PermissionRegistry{
		perms:   make(map[string]state.Permission, len(state.BuiltInPerms)),
		nextBit: uint(len(state.BuiltInPerms)),
	}
	for name, perm := range state.BuiltInPerms {
		r.perms[name] = perm
	}
	return r
}

// NewPermissionRegistryFromConfig registers every custom permission named in cfg.
func NewPermissionRegistryFromConfig(cfg *Config) (*PermissionRegistry, error) {
	r := NewPermissionRegistry()
	for _, name := range cfg.Permissions {
		if err := r.Register(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PermissionRegistry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := state.BuiltInPerms[name]; exists {
		return fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
	}
	if _, exists := r.perms[name]; exists {
		return fmt.Errorf("permission '%s' is already registered", name)
	}
	if r.nextBit >= 64 {
		return fmt.Errorf("cannot register new permission '%s': maximum of 64 permissions reached", name)
	}

	r.perms[name] = state.Permission(1 << r.nextBit)
	r.nextBit++
	return nil
}

// Lookup returns the bit of a single permission.
func (r *PermissionRegistry) Lookup(name string) (state.Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perms[name]
	return p, ok
}

// Compile takes a slice of permission names and returns a combined bitmap.
func (r *PermissionRegistry) Compile(names []string) (state.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap state.Permission
	for _, name := range names {
		value, ok := r.perms[name]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// CompileRoles resolves every role's permission names to a bitmap.
func (r *PermissionRegistry) CompileRoles(roles map[string][]string) (map[state.Role]state.Permission, error) {
	out := make(map[state.Role]state.Permission, len(roles))
	for role, names := range roles {
		bitmap, err := r.Compile(names)
		if err != nil {
			return nil, fmt.Errorf("role '%s': %w", role, err)
		}
		out[state.Role(role)] = bitmap
	}
	return out, nil
}

// All returns a copy of the registry for inspection.
func (r *PermissionRegistry) All() map[string]state.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regCopy := make(map[string]state.Permission, len(r.perms))
	for k, v := range r.perms {
		regCopy[k] = v
	}
	return regCopy
}
