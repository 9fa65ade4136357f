package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/google/uuid"
)

// Envelope is the wire shape of every event pushed to a client.
type Envelope struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type sendOptions struct {
	exceptUser string
	exceptConn uuid.UUID
}

type Option func(*sendOptions)

// ExceptUser skips every connection of userID.
func ExceptUser(userID string) Option {
	return func(o *sendOptions) { o.exceptUser = userID }
}

// ExceptConnection skips a single connection.
func ExceptConnection(connID uuid.UUID) Option {
	return func(o *sendOptions) { o.exceptConn = connID }
}

// Dispatcher fans events out to the connections resolved from the state
// manager. Targets are resolved under the manager's read locks and frames
// are queued after those locks are released.
type Dispatcher struct {
	state  state.Manager
	logger *slog.Logger
	now    func() time.Time
}

func New(manager state.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		state:  manager,
		logger: logger.With(slog.String("component", "dispatcher")),
		now:    time.Now,
	}
}

// WithClock replaces the timestamp source. Used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) ToUser(userID, event string, payload any, opts ...Option) (int, error) {
	return d.dispatch("user", userID, d.state.ConnectionsFor(userID), event, payload, opts)
}

func (d *Dispatcher) ToRoom(roomID, event string, payload any, opts ...Option) (int, error) {
	return d.dispatch("room", roomID, d.state.RoomConnections(roomID), event, payload, opts)
}

func (d *Dispatcher) ToRole(role state.Role, event string, payload any, opts ...Option) (int, error) {
	return d.dispatch("role", string(role), d.state.ConnectionsByRole(role), event, payload, opts)
}

func (d *Dispatcher) ToAll(event string, payload any, opts ...Option) (int, error) {
	return d.dispatch("all", "", d.state.AllConnections(), event, payload, opts)
}

// ToConnection sends a scoped reply to a single connection.
func (d *Dispatcher) ToConnection(connID uuid.UUID, event string, payload any) (int, error) {
	conn, ok := d.state.GetConnection(connID)
	if !ok {
		return 0, nil
	}
	return d.dispatch("connection", connID.String(), []*state.Connection{conn}, event, payload, nil)
}

// IsUserConnected lets callers decide when to hand off to the offline path.
func (d *Dispatcher) IsUserConnected(userID string) bool {
	return d.state.IsOnline(userID)
}

func (d *Dispatcher) encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	frame, err := json.Marshal(Envelope{
		Event:     event,
		Payload:   payload,
		Timestamp: d.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event '%s': %w", event, err)
	}
	return frame, nil
}

func (d *Dispatcher) dispatch(kind, target string, conns []*state.Connection, event string, payload any, opts []Option) (int, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	frame, err := d.encode(event, payload)
	if err != nil {
		return 0, err
	}

	seen := make(map[uuid.UUID]struct{}, len(conns))
	delivered := 0
	for _, conn := range conns {
		if conn == nil || conn.Transport == nil {
			continue
		}
		if _, dup := seen[conn.ID]; dup {
			continue
		}
		seen[conn.ID] = struct{}{}
		if conn.ID == o.exceptConn || (o.exceptUser != "" && conn.UserID() == o.exceptUser) {
			continue
		}
		conn.Transport.Send(frame)
		delivered++
	}

	d.logger.Debug("Dispatched event",
		slog.String("event", event),
		slog.String("target", kind),
		slog.String("id", target),
		slog.Int("delivered", delivered),
	)
	return delivered, nil
}
