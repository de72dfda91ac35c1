package storage

import (
	"context"
	"time"

	"github.com/nkkko/agentdesk/internal/storage/badger"
	"github.com/nkkko/agentdesk/pkg/proto"
)

// ReasonStore keeps the last reason list fetched from the backend
type ReasonStore interface {
	SaveReasons(ctx context.Context, reasons []*proto.PauseReason) error
	LoadReasons(ctx context.Context) ([]*proto.PauseReason, error)
}

// Config contains local storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory
	InMemory bool

	// Number of most recent viewed message ids kept
	ViewedLimit int

	SyncWrites bool

	// Value log garbage collection interval, 0 keeps the default
	GCInterval time.Duration

	// Reason catalog cache settings
	CatalogCacheSize       int
	CatalogCacheExpiration time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:                "./data",
		ViewedLimit:            500,
		SyncWrites:             true,
		CatalogCacheSize:       128,
		CatalogCacheExpiration: 5 * time.Minute,
	}
}

// NewStorage opens the local Badger store
func NewStorage(config Config) (*badger.Storage, error) {
	badgerConfig := badger.DefaultConfig()
	badgerConfig.DataDir = config.DataDir
	badgerConfig.InMemory = config.InMemory
	badgerConfig.SyncWrites = config.SyncWrites
	if config.ViewedLimit > 0 {
		badgerConfig.ViewedLimit = config.ViewedLimit
	}
	if config.GCInterval > 0 {
		badgerConfig.GCInterval = config.GCInterval
	}
	return badger.NewStorage(badgerConfig)
}
