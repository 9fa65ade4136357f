package engine

import (
	"errors"
	"fmt"

	"github.com/abubuhammad/georgy-realtime/internal/store"
)

const (
	CodeInvalidPayload     = "invalid_payload"
	CodeNotFound           = "not_found"
	CodeNotParticipant     = "not_participant"
	CodeForbidden          = "forbidden"
	CodePersistenceFailure = "persistence_failure"
	CodeRateLimited        = "rate_limited"
	CodeUnknownEvent       = "unknown_event"
	CodeInternal           = "internal"
)

// CommandError is reported to the originating connection as a scoped error.
type CommandError struct {
	Code    string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *CommandError) Unwrap() error { return e.Err }

func NewCommandError(code, message string) *CommandError {
	return &CommandError{Code: code, Message: message}
}

func invalidPayload(format string, args ...any) error {
	return &CommandError{Code: CodeInvalidPayload, Message: fmt.Sprintf(format, args...)}
}

// storeError classifies a persistence error.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &CommandError{Code: CodeNotFound, Message: what + " not found", Err: err}
	case errors.Is(err, store.ErrNotParticipant):
		return &CommandError{Code: CodeNotParticipant, Message: "not a participant of this chat", Err: err}
	default:
		return &CommandError{Code: CodePersistenceFailure, Message: "failed to persist " + what, Err: err}
	}
}

// AsCommandError returns err as a CommandError; anything unclassified is
// reported as internal without leaking its text.
func AsCommandError(err error) *CommandError {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	return &CommandError{Code: CodeInternal, Message: "internal error", Err: err}
}
