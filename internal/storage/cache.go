package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure CachedCatalog implements domain.ReasonCatalog
var _ domain.ReasonCatalog = (*CachedCatalog)(nil)

// listKey holds the full list; reason ids never start with a NUL byte
const listKey = "\x00list"

// CachedCatalog is a caching layer in front of a reason catalog. When the
// source fails it serves the last list persisted in the fallback store.
type CachedCatalog struct {
	source     domain.ReasonCatalog
	fallback   ReasonStore
	cache      *lru.TwoQueueCache
	mutex      sync.Mutex
	expiration time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      interface{}
	expiration time.Time
}

// NewCachedCatalog wraps source. fallback may be nil.
func NewCachedCatalog(source domain.ReasonCatalog, fallback ReasonStore, capacity int, expiration time.Duration) (*CachedCatalog, error) {
	if capacity <= 0 {
		capacity = DefaultConfig().CatalogCacheSize
	}
	if expiration <= 0 {
		expiration = DefaultConfig().CatalogCacheExpiration
	}
	cache, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &CachedCatalog{
		source:     source,
		fallback:   fallback,
		cache:      cache,
		expiration: expiration,
		now:        time.Now,
		metrics:    metrics.GetMetrics(),
		logger:     log.With().Str("component", "reason-catalog").Logger(),
	}, nil
}

// lookup returns an unexpired cached value
func (c *CachedCatalog) lookup(key string) (interface{}, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	value, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	item := value.(cacheItem)
	if c.now().After(item.expiration) {
		c.cache.Remove(key)
		c.metrics.CatalogCacheResults.WithLabelValues("expired").Inc()
		return nil, false
	}
	return item.value, true
}

func (c *CachedCatalog) store(reasons []*proto.PauseReason) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	expiration := c.now().Add(c.expiration)
	c.cache.Add(listKey, cacheItem{value: reasons, expiration: expiration})
	for _, r := range reasons {
		c.cache.Add(r.Id, cacheItem{value: r, expiration: expiration})
	}
}

// List returns every reason the agent may pick
func (c *CachedCatalog) List(ctx context.Context) ([]*proto.PauseReason, error) {
	if value, ok := c.lookup(listKey); ok {
		c.metrics.CatalogCacheResults.WithLabelValues("hit").Inc()
		return value.([]*proto.PauseReason), nil
	}
	c.metrics.CatalogCacheResults.WithLabelValues("miss").Inc()

	reasons, err := c.source.List(ctx)
	if err == nil {
		c.store(reasons)
		if c.fallback != nil {
			if saveErr := c.fallback.SaveReasons(ctx, reasons); saveErr != nil {
				c.logger.Warn().Err(saveErr).Msg("Failed to persist reason list")
			}
		}
		return reasons, nil
	}

	if c.fallback == nil {
		return nil, fmt.Errorf("failed to list reasons: %w", err)
	}
	persisted, loadErr := c.fallback.LoadReasons(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("failed to list reasons: %w", err)
	}
	c.metrics.CatalogCacheResults.WithLabelValues("fallback").Inc()
	c.logger.Warn().Err(err).Int("reasons", len(persisted)).Msg("Reason source unavailable, serving persisted list")
	return persisted, nil
}

// Get returns one reason, or domain.ErrNotFound
func (c *CachedCatalog) Get(ctx context.Context, id string) (*proto.PauseReason, error) {
	if value, ok := c.lookup(id); ok {
		c.metrics.CatalogCacheResults.WithLabelValues("hit").Inc()
		return value.(*proto.PauseReason), nil
	}

	reasons, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range reasons {
		if r.Id == id {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Invalidate drops every cached entry
func (c *CachedCatalog) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache.Purge()
}
