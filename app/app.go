package roomchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/cors"

	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/pkg/router"
)

type App struct {
	config  *Config
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	directory   *core.UserDirectory
	wsManager   *core.ConnManager
	coordinator *core.Coordinator

	userStore    core.UserStore
	roomStore    core.RoomStore
	messageStore core.MessageStore

	userHandler *UserHandler
	chatHandler *ChatHandler
	wsHandler   *WSHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// New builds the app from a validated config. ctx bounds the lifetime of the
// app: when it is done the app shuts down.
func New(ctx context.Context, config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{
		config:  config,
		context: ctx,
		logger:  newLogger(config.Mode),
	}

	users := core.NewMemoryUserStore()
	app.userStore = users
	if config.Directory.File != "" {
		if err := app.loadDirectory(users); err != nil {
			app.cleanup(context.Background())
			return nil, err
		}
	}
	app.roomStore = core.NewMemoryRoomStore(nil)
	app.messageStore = core.NewMemoryMessageStore()

	app.wsManager = core.NewConnManager(app.context, app.logger,
		core.WithCheckOrigin(newOriginChecker(config.AllowedOrigins, app.logger).CheckOrigin),
		core.WithMaxMessageSize(config.WS.MaxMessageSize),
		core.WithSendBuffer(config.WS.SendBuffer),
	)
	app.coordinator = core.NewCoordinator(app.userStore, app.roomStore, app.messageStore,
		app.wsManager, app.logger, config.CoordinatorConfig())

	app.userHandler = NewUserHandler(app.userStore, app.messageStore)
	app.chatHandler = NewChatHandler(app.roomStore, app.messageStore)
	app.wsHandler = NewWSHandler(app.coordinator, app.wsManager, app.logger)

	app.routes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.Handler(),
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if app.config.tlsEnabled() {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}
	return app, nil
}

func newLogger(mode Mode) *slog.Logger {
	if mode == ProdMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

func (app *App) loadDirectory(users core.UserStore) error {
	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	dir, err := core.OpenUserDirectory(app.config.Directory.File, app.config.Directory.Migrations, sqliteOptions)
	if err != nil {
		return err
	}
	app.directory = dir
	app.AddCleanupFunc(func(ctx context.Context) {
		app.directory.Close()
	})
	if err := dir.Migrate(); err != nil {
		return err
	}
	n, err := dir.LoadInto(app.context, users)
	if err != nil {
		return fmt.Errorf("loading user directory: %w", err)
	}
	app.logger.Info(fmt.Sprintf("loaded %d users from %s", n, app.config.Directory.File))
	return nil
}

func (app *App) routes() {
	app.router = router.New(router.WithLogger(app.logger))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	secret := []byte(app.config.Auth.Secret)

	// the handshake reports a missing identity itself
	app.router.With(core.JWTMiddleware(secret, false)).Get("/ws", app.wsHandler.ConnectHandler)

	app.router.Route("/api", func(api *router.Router) {
		api.Use(core.JWTMiddleware(secret, true))
		api.Use(core.HandshakeMiddleware(app.coordinator))

		api.Route("/rooms", func(r *router.Router) {
			r.Get("/", app.chatHandler.GetRoomsHandler)
			r.Post("/", app.chatHandler.CreateRoomHandler)
			r.Get("/{roomID}", app.chatHandler.GetRoomByIDHandler)
			r.Get("/{roomID}/messages", app.chatHandler.GetRoomMessagesHandler)
		})

		api.Route("/users", func(r *router.Router) {
			r.Get("/", app.userHandler.GetUsersHandler)
			r.Get("/online", app.userHandler.GetOnlineUsersHandler)
			r.Get("/{userID}", app.userHandler.GetUserByIDHandler)
			r.Get("/{userID}/messages", app.userHandler.GetUserMessagesHandler)
		})
	})
}

func registerErrorMappers(r *router.Router) {
	status := func(code int) router.ErrorMapper {
		return func(err error) router.JsonError {
			return router.NewJsonError(code, err.Error())
		}
	}
	r.RegisterErrorMapper(core.ErrUserNotFound, status(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrRoomNotFound, status(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrMessageNotFound, status(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrForbidden, status(http.StatusForbidden))
	r.RegisterErrorMapper(core.ErrDuplicateRoom, status(http.StatusConflict))
	r.RegisterErrorMapper(core.ErrInvalidName, status(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrInvalidPayload, status(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrAuthRequired, status(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrInvalidIdentity, status(http.StatusUnauthorized))
}

// Handler returns the HTTP handler serving the REST API and the websocket endpoint.
func (app *App) Handler() http.Handler {
	return app.router.Router
}

// Start serves until the app context is done, then runs the cleanup functions.
// It returns an error if the server failed or the shutdown timed out.
func (app *App) Start() error {
	runCtx, stop := context.WithCancel(app.context)
	defer stop()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.coordinator.Run(runCtx)
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.wsManager.Close()
	})

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
			app.config.Mode, app.config.Hostname, app.config.Port))
		var err error
		if app.config.tlsEnabled() {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("server error: %w", err)
		}
	case <-app.context.Done():
	}

	stop()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if !app.cleanup(closeCtx) {
		return errors.Join(err, errors.New("app shutdown timed out"))
	}
	app.wg.Wait()
	app.logger.Info("app shutdown gracefully")
	return err
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// cleanup runs the cleanup functions concurrently and reports whether they
// finished before ctx was done.
func (app *App) cleanup(ctx context.Context) bool {
	var wg sync.WaitGroup
	for _, f := range app.cleanupFuncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
