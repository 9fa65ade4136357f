package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/abubuhammad/georgy-realtime/internal/auth"
	"github.com/abubuhammad/georgy-realtime/internal/dispatch"
	"github.com/abubuhammad/georgy-realtime/internal/engine"
	"github.com/abubuhammad/georgy-realtime/internal/router"
	"github.com/abubuhammad/georgy-realtime/internal/server/middleware"
	"github.com/abubuhammad/georgy-realtime/internal/sweeper"
	"github.com/abubuhammad/georgy-realtime/pkg/config"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/abubuhammad/georgy-realtime/pkg/state/statemanager"
	"github.com/abubuhammad/georgy-realtime/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is everything the app needs from persistence. *store.Store
// implements it.
type Store interface {
	auth.UserLoader
	engine.ChatStore
	engine.NotificationStore
	engine.DeliveryStore
}

var errShutdown = websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "server shutting down"}

type App struct {
	logger       *slog.Logger
	config       *config.Config
	stateManager state.Manager
	dispatcher   *dispatch.Dispatcher
	eventRouter  *router.EventRouter
	sweeper      *sweeper.Sweeper
	http         *http.Server
	wg           sync.WaitGroup

	listener net.Listener
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewApp(logger *slog.Logger, cfg *config.Config, db Store, offline engine.OfflineNotifier) (*App, error) {
	perms, err := config.NewPermissionRegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Permission registry loaded", slog.Int("total_permissions", len(perms.All())))
	roles, err := perms.CompileRoles(cfg.Roles)
	if err != nil {
		return nil, err
	}

	stateManager := statemanager.NewInMemoryManager(logger,
		statemanager.WithTypingTTL(cfg.Presence.TypingTTL),
		statemanager.WithLocationTTL(cfg.Presence.LocationTTL),
		statemanager.WithMembershipTTL(cfg.Presence.MembershipTTL),
	)
	dispatcher := dispatch.New(stateManager, logger)

	registry := engine.New(logger)
	registry.RegisterCore(&engine.RegisterCoreOptions{
		Dispatcher:    dispatcher,
		Chats:         db,
		Notifications: db,
		Deliveries:    db,
		Offline:       offline,
		Permissions:   perms,
	})
	pipelines, err := config.CompilePipelines(cfg.Commands, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to compile command pipelines: %w", err)
	}

	app := &App{
		logger:       logger,
		config:       cfg,
		stateManager: stateManager,
		dispatcher:   dispatcher,
		eventRouter:  router.NewEventRouter(logger, stateManager, dispatcher, pipelines),
		sweeper:      sweeper.New(stateManager, cfg.Presence.SweepInterval, logger),
	}
	stateManager.SetPresenceHook(app.broadcastPresence)

	authenticator := auth.NewAuthenticator(cfg.Server.Auth.JWTSecret, db, roles)
	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, authenticator, cfg.Server.Auth.CookieName),
			middleware.NewConnectionLimiter(logger, stateManager, cfg.Server.ConnectionLimit),
		),
	)
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/stats", app.statsHandler)

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// Start binds the listener and runs the HTTP server and the sweeper in the
// background until Shutdown.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.http.Addr, err)
	}
	a.listener = ln
	a.ctx, a.cancel = context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(a.ctx)
	a.group = g
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	return nil
}

// Addr is the bound listener address, available after Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return a.http.Addr
	}
	return a.listener.Addr().String()
}

func (a *App) StateManager() state.Manager { return a.stateManager }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

func (a *App) broadcastPresence(userID string, online bool, at time.Time) {
	payload := map[string]any{"userId": userID, "online": online}
	if !online {
		payload["lastSeen"] = at.UTC().Format(time.RFC3339Nano)
	}
	if _, err := a.dispatcher.ToAll("presence_changed", payload); err != nil {
		a.logger.Error("Failed to broadcast presence change", slog.Any("error", err))
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	identity := *reqMeta.Identity
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", identity.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			PingInterval: a.config.Transport.PingInterval,
			WriteTimeout: a.config.Transport.WriteTimeout,
			SendBuffer:   a.config.Transport.SendBuffer,
		},
		connLogger,
	)
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	})
	if _, err := a.stateManager.AssociateUser(conn.ID(), identity); err != nil {
		connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	for _, room := range autoRooms(identity) {
		if _, err := a.stateManager.Join(identity.UserID, room); err != nil {
			connLogger.Error("Failed to auto-join room", slog.String("roomID", room), slog.Any("error", err))
		}
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)

	_, _ = a.dispatcher.ToConnection(conn.ID(), "connected", map[string]any{
		"connectionId": conn.ID().String(),
		"userId":       identity.UserID,
		"role":         identity.Role,
		"rooms":        a.stateManager.RoomsOf(identity.UserID),
	})

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// autoRooms are joined by the server on every connection.
func autoRooms(id state.Identity) []string {
	rooms := []string{state.PersonalRoom(id.UserID), state.RoleRoom(id.Role)}
	if id.Permissions.Has(state.PermMonitor) {
		rooms = append(rooms, state.AdminMonitoringRoom)
	}
	return rooms
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]int{
		"connections": a.stateManager.Count(),
		"onlineUsers": a.stateManager.OnlineUserCount(),
		"rooms":       a.stateManager.RoomCount(),
		"locations":   len(a.stateManager.AllLocations()),
	})
}

// Shutdown stops accepting connections, closes the live ones, waits for their
// pumps to exit and stops the sweeper.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down server...")
	if err := a.http.Shutdown(ctx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...", slog.Int("count", a.stateManager.Count()))
	for _, conn := range a.stateManager.AllConnections() {
		go conn.Transport.Close(errShutdown)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for connections to close: %w", ctx.Err())
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			return err
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
