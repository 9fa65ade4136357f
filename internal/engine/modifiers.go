package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

type rateLimitState struct {
	Requests int
}

// parseRate parses "N/s", "N/m" or "N/h".
func parseRate(rate string) (int, time.Duration, error) {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", rate)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return limit, window, nil
}

// rate_limit allows N commands per user and event within a fixed window that
// starts at the first command. The window state removes itself on expiry.
func newRateLimitModifier(logger *slog.Logger) pipeline.ModifierFactory {
	const modifierName = "rate_limit"
	return func(params ...string) (pipeline.ModifierFunc, error) {
		if len(params) != 1 {
			return nil, errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, window, err := parseRate(params[0])
		if err != nil {
			return nil, err
		}

		return func(c *pipeline.Cargo) error {
			userID := c.Identity.UserID
			eventName := c.EventName
			sm := c.StateManager

			st, _ := sm.GetOrCreateModifierState(modifierName, userID, eventName, func() *state.ModifierState {
				newState := &state.ModifierState{Value: &rateLimitState{}}
				newState.Timer = time.AfterFunc(window, func() {
					logger.Debug("Auto-cleaning expired rate_limit state", slog.String("user", userID), slog.String("event", eventName))
					sm.DeleteModifierState(modifierName, userID, eventName)
				})
				return newState
			})

			st.Lock()
			defer st.Unlock()
			current := st.Value.(*rateLimitState)
			if current.Requests < limit {
				current.Requests++
				return nil
			}
			return &CommandError{
				Code:    CodeRateLimited,
				Message: fmt.Sprintf("rate limit for event '%s' exceeded", eventName),
			}
		}, nil
	}
}

// require_permission rejects commands from identities missing any of the
// named permissions.
func newRequirePermissionModifier(perms PermissionLookup) pipeline.ModifierFactory {
	return func(params ...string) (pipeline.ModifierFunc, error) {
		if len(params) == 0 {
			return nil, errors.New("'require_permission' modifier requires at least one permission name")
		}
		var required state.Permission
		for _, name := range params {
			p, ok := perms.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("permission '%s' not found", name)
			}
			required |= p
		}

		return func(c *pipeline.Cargo) error {
			if c.Identity.Permissions.Has(required) {
				return nil
			}
			c.Logger.Debug("Permission check failed", slog.String("event", c.EventName), slog.Any("required", params))
			return NewCommandError(CodeForbidden, "missing permission for "+c.EventName)
		}, nil
	}
}
