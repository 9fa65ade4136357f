package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/abubuhammad/georgy-realtime/internal/dispatch"
	"github.com/abubuhammad/georgy-realtime/internal/engine"
	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const ErrorEvent = "error"

type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	dispatcher   *dispatch.Dispatcher
	pipelines    map[string]pipeline.Step
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, dispatcher *dispatch.Dispatcher, pipelines map[string]pipeline.Step) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		dispatcher:   dispatcher,
		pipelines:    pipelines,
	}
}

// HandleMessage decodes one inbound frame and runs the command pipeline for
// it. Every failure produces exactly one scoped error event.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok || conn.Identity == nil {
		r.logger.Warn("Dropping message from unknown or unauthenticated connection", slog.String("connID", connID.String()))
		return
	}

	if !gjson.ValidBytes(msg) {
		r.replyError(connID, "", engine.NewCommandError(engine.CodeInvalidPayload, "message is not valid JSON"))
		return
	}
	frame := gjson.ParseBytes(msg)
	eventName := frame.Get("event")
	if eventName.Type != gjson.String || eventName.Str == "" {
		r.replyError(connID, "", engine.NewCommandError(engine.CodeInvalidPayload, "event is required"))
		return
	}

	step, ok := r.pipelines[eventName.Str]
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", eventName.Str), slog.String("connID", connID.String()))
		r.replyError(connID, eventName.Str, engine.NewCommandError(engine.CodeUnknownEvent, "unknown event '"+eventName.Str+"'"))
		return
	}

	payload := json.RawMessage(`{}`)
	if p := frame.Get("payload"); p.Exists() {
		payload = json.RawMessage(p.Raw)
	}

	logger := r.logger.With(
		slog.String("connID", connID.String()),
		slog.String("userID", conn.Identity.UserID),
		slog.String("event", eventName.Str),
	)
	cargo := &pipeline.Cargo{
		Logger:       logger,
		Ctx:          ctx,
		Connection:   conn,
		Identity:     conn.Identity,
		StateManager: r.stateManager,
		EventName:    eventName.Str,
		Payload:      payload,
	}

	logger.Debug("Executing command pipeline")
	if err := r.run(step, cargo); err != nil {
		cmdErr := engine.AsCommandError(err)
		if cmdErr.Code == engine.CodeInternal || cmdErr.Code == engine.CodePersistenceFailure {
			logger.Error("Command failed", slog.Any("error", err))
		} else {
			logger.Debug("Command rejected", slog.Any("error", err))
		}
		r.replyError(connID, eventName.Str, cmdErr)
	}
}

// run converts a panicking command into an internal error.
func (r *EventRouter) run(step pipeline.Step, cargo *pipeline.Cargo) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command panicked: %v", rec)
		}
	}()
	return step.Run(cargo)
}

func (r *EventRouter) replyError(connID uuid.UUID, eventName string, cmdErr *engine.CommandError) {
	_, err := r.dispatcher.ToConnection(connID, ErrorEvent, ErrorPayload{
		Event:   eventName,
		Code:    cmdErr.Code,
		Message: cmdErr.Message,
	})
	if err != nil {
		r.logger.Error("Failed to send scoped error", slog.Any("error", err))
	}
}
