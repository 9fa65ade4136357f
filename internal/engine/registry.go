package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/abubuhammad/georgy-realtime/internal/dispatch"
	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
)

/*
* The central registry for all command actions and modifiers.
* config.CompilePipelines turns it into one pipeline.Step per command.
 */
type Registry struct {
	logger   *slog.Logger
	actions  map[string]pipeline.ActionFunc
	actionMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFactory
	modifierMu sync.RWMutex
}

type RegisterCoreOptions struct {
	Dispatcher    *dispatch.Dispatcher
	Chats         ChatStore
	Notifications NotificationStore
	Deliveries    DeliveryStore
	Offline       OfflineNotifier
	Permissions   PermissionLookup
	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		actions:   make(map[string]pipeline.ActionFunc),
		modifiers: make(map[string]pipeline.ModifierFactory),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore(opts *RegisterCoreOptions) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cmds := &commands{
		dispatcher:    opts.Dispatcher,
		chats:         opts.Chats,
		notifications: opts.Notifications,
		deliveries:    opts.Deliveries,
		offline:       opts.Offline,
		now:           now,
	}
	e.registerCoreActions(cmds)
	e.registerCoreModifiers(opts.Permissions)
}

func (e *Registry) registerCoreActions(c *commands) {
	e.RegisterAction("join_room", c.joinRoom)
	e.RegisterAction("leave_room", c.leaveRoom)
	e.RegisterAction("send_message", c.sendMessage)
	e.RegisterAction("typing", c.typing)
	e.RegisterAction("track_delivery", c.trackDelivery)
	e.RegisterAction("stop_tracking", c.stopTracking)
	e.RegisterAction("agent_location_update", c.agentLocationUpdate)
	e.RegisterAction("mark_read", c.markRead)
	e.RegisterAction("get_locations", c.getLocations)
	e.RegisterAction("ping", c.ping)
	e.logger.Info("Registered core actions", slog.Int("count", len(e.actions)))
}

func (e *Registry) registerCoreModifiers(perms PermissionLookup) {
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.logger))
	e.RegisterModifier("require_permission", newRequirePermissionModifier(perms))
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Action Methods ---
func (e *Registry) RegisterAction(name string, fn pipeline.ActionFunc) {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	if _, exists := e.actions[name]; exists {
		panic("action function already registered: " + name)
	}
	e.actions[name] = fn
}

func (e *Registry) GetActionFunc(name string) (pipeline.ActionFunc, bool) {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	fn, ok := e.actions[name]
	return fn, ok
}

func (e *Registry) ActionNames() []string {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFactory) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFactory(name string) (pipeline.ModifierFactory, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}
