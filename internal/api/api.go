// Package api serves the console UI: pause commands, state snapshots,
// notification settings and the live stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/logging"
	"github.com/nkkko/agentdesk/internal/notifier"
	"github.com/nkkko/agentdesk/internal/pause"
	"github.com/nkkko/agentdesk/internal/telemetry"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Origins allowed to call the API from a browser
	AllowedOrigins []string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// PauseController is the pause lifecycle the API drives
type PauseController interface {
	SelectReason(ctx context.Context, reasonID string) error
	ConfirmStart(ctx context.Context) error
	CancelWaiting(ctx context.Context) error
	EndPause(ctx context.Context) error
	Snapshot() pause.Snapshot
}

// Notifications is the part of the dispatcher the UI configures
type Notifications interface {
	MarkViewed(ctx context.Context, messageID string) error
	UpdateSettings(s notifier.Settings)
	Settings() notifier.Settings
}

// Stream is the live UI channel and the presence it aggregates
type Stream interface {
	http.Handler
	SetVisibility(source string, visible, focused bool)
	SetPermission(source string, granted bool)
}

// HealthChecker is a dependency reported on /healthz
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the components behind the API
type Dependencies struct {
	Agent         proto.AgentRef
	Pause         PauseController
	Catalog       domain.ReasonCatalog
	History       domain.HistoryStore
	Notifications Notifications
	Stream        Stream
	Checks        map[string]HealthChecker
}

// API handles HTTP endpoints using the chi router
type API struct {
	config  Config
	deps    Dependencies
	handler http.Handler
	mu      sync.Mutex
	server  *http.Server
	logger  zerolog.Logger
}

// New creates a new API instance
func New(config Config, deps Dependencies) (*API, error) {
	if deps.Pause == nil || deps.Catalog == nil || deps.Notifications == nil || deps.Stream == nil {
		return nil, errors.New("api requires pause, catalog, notifications and stream")
	}

	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	a := &API{
		config: config,
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
	a.handler = a.routes()
	return a, nil
}

// Handler returns the root HTTP handler
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("agentdesk-api"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// The stream outlives any request timeout
	r.Get("/stream", a.deps.Stream.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Get("/state", a.handleState)
		r.Get("/reasons", a.handleListReasons)
		r.Get("/history", a.handleHistory)

		r.Route("/pause", func(r chi.Router) {
			r.Post("/select", a.handleSelectReason)
			r.Post("/confirm", a.command("confirm", a.deps.Pause.ConfirmStart))
			r.Post("/cancel", a.command("cancel", a.deps.Pause.CancelWaiting))
			r.Post("/end", a.command("end", a.deps.Pause.EndPause))
		})

		r.Post("/visibility", a.handleVisibility)
		r.Post("/permission", a.handlePermission)
		r.Post("/messages/{id}/viewed", a.handleMarkViewed)

		r.Get("/settings/notifications", a.handleGetSettings)
		r.Put("/settings/notifications", a.handlePutSettings)
	})

	return r
}

// Start runs the API server until ctx is done
func (a *API) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, listener)
}

// Serve runs the API server on listener until ctx is done
func (a *API) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	a.logger.Info().Str("addr", listener.Addr().String()).Msg("API server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}
