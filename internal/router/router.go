package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/agentdesk/internal/clock"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounceWindow is the coalescing window for non-immediate publishes
const DefaultDebounceWindow = 50 * time.Millisecond

// Factory opens the backend subscription for a topic. It is called once per
// activation and returns the function that closes the subscription.
type Factory func(sink domain.Sink) (unsubscribe func())

// PublishOptions controls how a published value reaches consumers
type PublishOptions struct {
	// Immediate skips the debounce window, used for authoritative replaces
	Immediate bool
}

// Config contains router configuration
type Config struct {
	// Window in which rapid publishes collapse into one fan-out
	DebounceWindow time.Duration

	// Clock drives debounce timers; nil means the wall clock
	Clock clock.Clock
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		DebounceWindow: DefaultDebounceWindow,
		Clock:          clock.Real(),
	}
}

// Router shares one backend subscription per topic key among any number of
// consumers and coalesces bursts of updates.
type Router struct {
	config   Config
	clock    clock.Clock
	registry *registry.Registry
	closed   bool
	mu       sync.Mutex
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a new subscription router
func NewRouter(config ...Config) *Router {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	logger := log.With().Str("component", "router").Logger()

	return &Router{
		config:   cfg,
		clock:    cfg.Clock,
		registry: registry.New(cfg.Clock.Now),
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
}

// Attach registers a consumer on topicKey. The first consumer of an
// activation triggers factory; later ones share its subscription and, if a
// value is cached, receive it through onData before Attach returns.
//
// The returned detach removes only this consumer and may be called any
// number of times. Must not be called while holding a lock that onData
// also takes.
func (r *Router) Attach(topicKey string, factory Factory, onData func(any), onError func(error)) (detach func()) {
	consumer := &registry.Consumer{
		ID:      generateID(),
		OnData:  onData,
		OnError: onError,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("topic", topicKey).Msg("Attach on closed router")
		return func() {}
	}
	entry, created := r.registry.Create(topicKey)
	entry.Consumers[consumer.ID] = consumer
	generation := entry.Generation
	cached, hasValue, version := entry.LastValue, entry.HasValue, entry.Version
	r.updateGaugesLocked()
	r.mu.Unlock()

	if created {
		r.logger.Debug().Str("topic", topicKey).Uint64("generation", generation).Msg("Opening backend subscription")
		r.metrics.RouterBackendSubscriptions.Inc()
		unsubscribe := factory(&sink{router: r, key: topicKey, generation: generation})
		r.adoptUnsubscribe(topicKey, generation, unsubscribe)
	}

	// a publish that raced past the replay already delivered a newer version
	if hasValue && consumer.Deliver(version, cached) {
		r.metrics.RouterFanoutsTotal.WithLabelValues("replay").Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.detach(topicKey, generation, consumer) })
	}
}

// adoptUnsubscribe hands the factory's unsubscribe to the entry, or calls it
// right away when every consumer already left while the factory ran
func (r *Router) adoptUnsubscribe(key string, generation uint64, unsubscribe func()) {
	r.mu.Lock()
	entry := r.registry.Get(key)
	if entry != nil && entry.Generation == generation {
		entry.Unsubscribe = unsubscribe
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Router) detach(key string, generation uint64, consumer *registry.Consumer) {
	consumer.Detach()

	r.mu.Lock()
	entry := r.registry.Get(key)
	if entry == nil || entry.Generation != generation {
		r.mu.Unlock()
		return
	}
	delete(entry.Consumers, consumer.ID)
	if len(entry.Consumers) > 0 {
		r.updateGaugesLocked()
		r.mu.Unlock()
		return
	}

	entry.StopPending()
	r.registry.Remove(key)
	unsubscribe := entry.Unsubscribe
	entry.Unsubscribe = nil
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Debug().Str("topic", key).Uint64("generation", generation).Msg("Last consumer left, closing backend subscription")
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Publish caches data for topicKey and fans it out, immediately or after
// the debounce window. Within one window only the last value is delivered.
func (r *Router) Publish(topicKey string, data any, opts PublishOptions) {
	r.mu.Lock()
	entry := r.registry.Get(topicKey)
	if entry == nil {
		r.mu.Unlock()
		return
	}
	r.publishLocked(entry, data, opts)
}

// publishLocked is entered with r.mu held and releases it
func (r *Router) publishLocked(entry *registry.Entry, data any, opts PublishOptions) {
	entry.LastValue = data
	entry.HasValue = true
	entry.Version++

	if opts.Immediate {
		entry.StopPending()
		consumers := entry.Snapshot()
		version := entry.Version
		r.mu.Unlock()
		r.metrics.RouterFanoutsTotal.WithLabelValues("immediate").Inc()
		fanOut(consumers, version, data)
		return
	}

	if entry.Pending != nil {
		r.mu.Unlock()
		r.metrics.RouterCoalescedTotal.Inc()
		return
	}

	key, generation := entry.Key, entry.Generation
	entry.Pending = r.clock.AfterFunc(r.config.DebounceWindow, func() {
		r.flush(key, generation)
	})
	r.mu.Unlock()
}

// flush delivers the cached value once the debounce window closes
func (r *Router) flush(key string, generation uint64) {
	r.mu.Lock()
	entry := r.registry.Get(key)
	if entry == nil || entry.Generation != generation || entry.Pending == nil {
		r.mu.Unlock()
		return
	}
	entry.Pending = nil
	data, version := entry.LastValue, entry.Version
	consumers := entry.Snapshot()
	r.mu.Unlock()

	// consumers that attached during the window already got this version
	r.metrics.RouterFanoutsTotal.WithLabelValues("debounced").Inc()
	fanOut(consumers, version, data)
}

// PublishError forwards err to every consumer of topicKey without touching
// the cached value or a pending fan-out
func (r *Router) PublishError(topicKey string, err error) {
	r.mu.Lock()
	entry := r.registry.Get(topicKey)
	if entry == nil {
		r.mu.Unlock()
		return
	}
	consumers := entry.Snapshot()
	r.mu.Unlock()

	r.logger.Warn().Err(err).Str("topic", topicKey).Int("consumers", len(consumers)).Msg("Forwarding backend error")
	r.metrics.RouterErrorsTotal.Inc()
	for _, c := range consumers {
		if c.Detached() || c.OnError == nil {
			continue
		}
		c.OnError(err)
	}
}

func fanOut(consumers []*registry.Consumer, version uint64, data any) {
	for _, c := range consumers {
		c.Deliver(version, data)
	}
}

// Topics returns the keys of all live topics
func (r *Router) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Keys()
}

// ConsumerCount returns how many consumers are attached to topicKey
func (r *Router) ConsumerCount(topicKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry := r.registry.Get(topicKey); entry != nil {
		return len(entry.Consumers)
	}
	return 0
}

// Close tears down every topic and rejects further attaches
func (r *Router) Close() error {
	r.logger.Info().Msg("Shutting down subscription router")

	r.mu.Lock()
	r.closed = true
	var unsubscribes []func()
	for _, key := range r.registry.Keys() {
		entry := r.registry.Remove(key)
		entry.StopPending()
		for _, c := range entry.Consumers {
			c.Detach()
		}
		if entry.Unsubscribe != nil {
			unsubscribes = append(unsubscribes, entry.Unsubscribe)
			entry.Unsubscribe = nil
		}
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	return nil
}

func (r *Router) updateGaugesLocked() {
	consumers := 0
	for _, key := range r.registry.Keys() {
		consumers += len(r.registry.Get(key).Consumers)
	}
	r.metrics.RouterTopicsActive.Set(float64(r.registry.Len()))
	r.metrics.RouterConsumersActive.Set(float64(consumers))
}

// sink routes a backend callback into the activation that created it.
// Calls arriving after that activation was torn down are dropped.
type sink struct {
	router     *Router
	key        string
	generation uint64
}

var _ domain.Sink = (*sink)(nil)

func (s *sink) Next(data any) {
	s.publish(data, PublishOptions{})
}

func (s *sink) Replace(data any) {
	s.publish(data, PublishOptions{Immediate: true})
}

func (s *sink) publish(data any, opts PublishOptions) {
	r := s.router
	r.mu.Lock()
	entry := r.registry.Get(s.key)
	if entry == nil || entry.Generation != s.generation {
		r.mu.Unlock()
		return
	}
	r.publishLocked(entry, data, opts)
}

func (s *sink) Fail(err error) {
	r := s.router
	r.mu.Lock()
	entry := r.registry.Get(s.key)
	current := entry != nil && entry.Generation == s.generation
	r.mu.Unlock()
	if !current {
		return
	}
	r.PublishError(s.key, err)
}

// Variable for generating unique consumer IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
