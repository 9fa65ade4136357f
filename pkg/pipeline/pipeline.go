package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of command actions and
 * modifiers from the router that decodes frames and runs them.
 */

type Cargo struct {
	Logger       *slog.Logger
	Ctx          context.Context
	Connection   *state.Connection
	Identity     *state.Identity
	StateManager state.Manager
	EventName    string
	Payload      json.RawMessage
}

// ActionFunc performs one inbound command.
type ActionFunc func(c *Cargo) error

// ModifierFunc runs before an action; a non-nil error stops the pipeline.
type ModifierFunc func(c *Cargo) error

// ModifierFactory validates configured params once and returns the modifier.
type ModifierFactory func(params ...string) (ModifierFunc, error)

type BoundModifier struct {
	Name     string
	Function ModifierFunc
}

// represents the compiled pipeline of one command
type Step struct {
	Modifiers []BoundModifier
	Action    ActionFunc
}

func (s Step) Run(c *Cargo) error {
	for _, mod := range s.Modifiers {
		if err := mod.Function(c); err != nil {
			return err
		}
	}
	return s.Action(c)
}
