package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/nkkko/agentdesk/internal/api"
	"github.com/nkkko/agentdesk/internal/backend"
	"github.com/nkkko/agentdesk/internal/config"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/notifier"
	"github.com/nkkko/agentdesk/internal/pause"
	"github.com/nkkko/agentdesk/internal/router"
	"github.com/nkkko/agentdesk/internal/storage"
	"github.com/nkkko/agentdesk/internal/storage/badger"
	"github.com/nkkko/agentdesk/internal/telemetry"
	"github.com/nkkko/agentdesk/pkg/client"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all console components
type Engine struct {
	config     *config.Config
	agent      proto.AgentRef
	storage    *badger.Storage
	backend    *backend.Redis
	catalog    *storage.CachedCatalog
	router     *router.Router
	hub        *notifier.Hub
	dispatcher *notifier.Dispatcher
	controller *pause.Controller
	api        *api.API

	mu           sync.Mutex
	detach       []func()
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error

	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// New opens local storage, connects the backend and assembles every
// component. Nothing runs until Start.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config: cfg,
		agent:  cfg.AgentRef(),
		logger: log.With().Str("component", "engine").Logger(),
	}

	store, err := storage.NewStorage(cfg.ToStorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	e.storage = store

	redis, err := backend.New(cfg.ToRedisConfig())
	if err != nil {
		store.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to connect backend: %w", err)
	}
	e.backend = redis

	if err := e.assemble(); err != nil {
		e.closeStores()
		return nil, err
	}
	return e, nil
}

func (e *Engine) assemble() error {
	cfg := e.config
	storageCfg := cfg.ToStorageConfig()

	catalog, err := storage.NewCachedCatalog(
		backend.NewReasonCatalog(e.backend, e.agent.AccountId),
		e.storage,
		storageCfg.CatalogCacheSize,
		storageCfg.CatalogCacheExpiration,
	)
	if err != nil {
		return fmt.Errorf("failed to create reason catalog: %w", err)
	}
	e.catalog = catalog

	e.router = router.NewRouter(cfg.ToRouterConfig())
	e.hub = notifier.NewHub(cfg.ToStreamConfig())

	e.dispatcher, err = notifier.NewDispatcher(cfg.ToDispatcherConfig(), notifier.Outputs{
		Visibility: e.hub,
		Sound:      e.hub,
		Push:       e.hub.Push(),
		InApp:      e.hub,
		Viewed:     e.storage,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	sessions := client.New(cfg.SessionAPI.URL, cfg.ToClientOptions()...)

	e.controller, err = pause.NewController(cfg.ToPauseConfig(), pause.Dependencies{
		Agent:       e.agent,
		Catalog:     catalog,
		Requests:    backend.NewRequestStore(e.backend, e.agent.AgentId),
		Sessions:    sessions,
		History:     e.storage,
		Checkpoints: e.storage,
		Topics:      e.router,
		Backend:     e.backend,
		Notifier:    e.dispatcher,
	})
	if err != nil {
		return fmt.Errorf("failed to create pause controller: %w", err)
	}

	e.api, err = api.New(cfg.ToAPIConfig(), api.Dependencies{
		Agent:         e.agent,
		Pause:         e.controller,
		Catalog:       catalog,
		History:       e.storage,
		Notifications: e.dispatcher,
		Stream:        e.hub,
		Checks: map[string]api.HealthChecker{
			"redis": e.backend,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}
	return nil
}

// Handler exposes the HTTP surface, mostly for tests
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Start listens on the configured address and runs until ctx is done
func (e *Engine) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		e.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", e.config.Server.Addr, err)
	}
	return e.Serve(ctx, listener)
}

// Serve runs every component on listener until ctx is done or one of them
// fails, then shuts the engine down
func (e *Engine) Serve(ctx context.Context, listener net.Listener) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		listener.Close()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info().
		Str("account_id", e.agent.AccountId).
		Str("agent_id", e.agent.AgentId).
		Str("addr", listener.Addr().String()).
		Msg("Starting agentdesk engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if err := e.seedReasons(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to seed reason catalog")
	}

	cancelWatch := e.controller.Watch(func(snap pause.Snapshot) {
		e.hub.PublishSnapshot(snap)
	})
	// a console coming back to front gets fresh session figures
	cancelVisibility := e.hub.OnChange(func(visible, _ bool) {
		if visible {
			e.hub.PublishSnapshot(e.controller.Snapshot())
		}
	})
	if err := e.controller.Resume(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to resume pause state")
	}
	e.hub.PublishSnapshot(e.controller.Snapshot())
	e.attachFeeds()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.storage.Start(gctx)
	})
	g.Go(func() error {
		return e.hub.Start(gctx)
	})
	g.Go(func() error {
		return e.api.Serve(gctx, listener)
	})

	runErr := g.Wait()
	cancelVisibility()
	cancelWatch()

	shutdownErr := e.Shutdown(context.Background())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("error running engine: %w", runErr)
	}
	return shutdownErr
}

// seedReasons fills an empty backend catalog with the configured reasons
func (e *Engine) seedReasons(ctx context.Context) error {
	if len(e.config.Agent.Reasons) == 0 {
		return nil
	}
	source := backend.NewReasonCatalog(e.backend, e.agent.AccountId)
	existing, err := source.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if err := source.Set(ctx, e.config.Agent.Reasons); err != nil {
		return err
	}
	e.catalog.Invalidate()
	e.logger.Info().Int("reasons", len(e.config.Agent.Reasons)).Msg("Seeded reason catalog")
	return nil
}

// attachFeeds subscribes the dispatcher to the chat threads and the
// account's system alerts
func (e *Engine) attachFeeds() {
	attach := func(topic string, onData func(any)) {
		detach := e.router.Attach(topic, e.factory(topic), onData, func(err error) {
			e.logger.Warn().Err(err).Str("topic", topic).Msg("Feed subscription failed")
		})
		e.mu.Lock()
		e.detach = append(e.detach, detach)
		e.mu.Unlock()
	}

	for _, thread := range e.config.Agent.ChatThreads {
		attach(domain.ChatTopic(thread), func(data any) {
			if msg, ok := data.(*proto.ChatMessage); ok {
				e.dispatcher.NotifyMessage(context.Background(), msg)
			}
		})
	}
	attach(domain.SystemAlertTopic(e.agent.AccountId), func(data any) {
		if alert, ok := data.(*proto.SystemAlert); ok {
			e.dispatcher.NotifyAlert(context.Background(), alert)
		}
	})
}

func (e *Engine) factory(topic string) router.Factory {
	return func(sink domain.Sink) func() {
		return e.backend.Subscribe(topic, sink)
	}
}

// Shutdown stops the engine. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.mu.Lock()
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()

	e.logger.Info().Msg("Shutting down agentdesk engine")

	for _, fn := range detach {
		fn()
	}

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	// The checkpoint stays so the next run can resume
	if err := e.controller.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close pause controller")
	}

	if err := e.router.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close router")
	}

	if err := e.hub.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down stream hub")
	}

	err := e.closeStores()

	if e.telemetryFn != nil {
		if terr := e.telemetryFn(ctx); terr != nil {
			e.logger.Error().Err(terr).Msg("Failed to shut down telemetry")
		}
		e.telemetryFn = nil
	}
	return err
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.backend != nil {
		if err := e.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
		e.backend = nil
	}
	if e.storage != nil {
		if err := e.storage.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
		e.storage = nil
	}
	return errors.Join(errs...)
}
