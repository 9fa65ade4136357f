package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/abubuhammad/georgy-realtime/internal/dispatch"
	"github.com/abubuhammad/georgy-realtime/internal/engine"
	"github.com/abubuhammad/georgy-realtime/internal/router"
	"github.com/abubuhammad/georgy-realtime/pkg/logging"
	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/abubuhammad/georgy-realtime/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func (c *client) ID() uuid.UUID { return c.id }
func (c *client) Close(error)   {}
func (c *client) Send(b []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, b)
	c.mu.Unlock()
}

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (c *client) received(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.frames))
	for _, b := range c.frames {
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		out = append(out, f)
	}
	return out
}

func (c *client) errors(t *testing.T) []router.ErrorPayload {
	t.Helper()
	var out []router.ErrorPayload
	for _, f := range c.received(t) {
		if f.Event != router.ErrorEvent {
			continue
		}
		var p router.ErrorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, p)
	}
	return out
}

func setup(t *testing.T, steps map[string]pipeline.Step) (*router.EventRouter, *statemanager.InMemoryManager) {
	t.Helper()
	m := statemanager.NewInMemoryManager(logging.Discard())
	d := dispatch.New(m, logging.Discard())
	return router.NewEventRouter(logging.Discard(), m, d, steps), m
}

func connect(t *testing.T, m state.Manager, userID string) *client {
	t.Helper()
	c := &client{id: uuid.New()}
	_, err := m.RegisterConnection(c, "127.0.0.1")
	require.NoError(t, err)
	_, err = m.AssociateUser(c.id, state.Identity{UserID: userID, Role: state.RoleCustomer})
	require.NoError(t, err)
	return c
}

func TestHandleMessage_RunsPipelineWithPayload(t *testing.T) {
	var got *pipeline.Cargo
	r, m := setup(t, map[string]pipeline.Step{
		"echo": {Action: func(c *pipeline.Cargo) error { got = c; return nil }},
	})
	alice := connect(t, m, "alice")

	r.HandleMessage(context.Background(), alice.id, []byte(`{"event":"echo","payload":{"roomId":"c1"}}`))

	require.NotNil(t, got)
	assert.Equal(t, "echo", got.EventName)
	assert.Equal(t, "alice", got.Identity.UserID)
	assert.JSONEq(t, `{"roomId":"c1"}`, string(got.Payload))
	assert.Empty(t, alice.received(t))

	r.HandleMessage(context.Background(), alice.id, []byte(`{"event":"echo"}`))
	assert.JSONEq(t, `{}`, string(got.Payload), "missing payload defaults to an empty object")
}

func TestHandleMessage_ScopedErrors(t *testing.T) {
	r, m := setup(t, map[string]pipeline.Step{
		"deny": {Action: func(*pipeline.Cargo) error {
			return engine.NewCommandError(engine.CodeForbidden, "nope")
		}},
		"boom":  {Action: func(*pipeline.Cargo) error { return errors.New("secret db detail") }},
		"panic": {Action: func(*pipeline.Cargo) error { panic("kaboom") }},
	})
	alice := connect(t, m, "alice")
	bob := connect(t, m, "bob")

	cases := []struct {
		msg   string
		event string
		code  string
	}{
		{`not json`, "", engine.CodeInvalidPayload},
		{`{"payload":{}}`, "", engine.CodeInvalidPayload},
		{`{"event":"fly"}`, "fly", engine.CodeUnknownEvent},
		{`{"event":"deny"}`, "deny", engine.CodeForbidden},
		{`{"event":"boom"}`, "boom", engine.CodeInternal},
		{`{"event":"panic"}`, "panic", engine.CodeInternal},
	}
	for i, tc := range cases {
		r.HandleMessage(context.Background(), alice.id, []byte(tc.msg))
		errs := alice.errors(t)
		require.Len(t, errs, i+1, "exactly one error per failed command: %s", tc.msg)
		assert.Equal(t, tc.event, errs[i].Event, tc.msg)
		assert.Equal(t, tc.code, errs[i].Code, tc.msg)
	}
	assert.Equal(t, "internal error", alice.errors(t)[4].Message)
	assert.Empty(t, bob.received(t), "errors never cross connections")
}

func TestHandleMessage_UnknownConnectionIsDropped(t *testing.T) {
	called := false
	r, m := setup(t, map[string]pipeline.Step{
		"echo": {Action: func(*pipeline.Cargo) error { called = true; return nil }},
	})

	anon := &client{id: uuid.New()}
	_, err := m.RegisterConnection(anon, "127.0.0.1")
	require.NoError(t, err)

	r.HandleMessage(context.Background(), anon.id, []byte(`{"event":"echo"}`))
	r.HandleMessage(context.Background(), uuid.New(), []byte(`{"event":"echo"}`))
	assert.False(t, called)
	assert.Empty(t, anon.received(t))
}
