package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Storage implements the local store interfaces
var (
	_ domain.HistoryStore    = (*Storage)(nil)
	_ domain.CheckpointStore = (*Storage)(nil)
	_ domain.ViewedLedger    = (*Storage)(nil)
)

const (
	// Prefix keys for different record types
	prefixHistory    = "hist:"
	prefixCheckpoint = "cp:"
	prefixViewedSeq  = "viewed:seq:"
	prefixViewedID   = "viewed:id:"
	keyReasons       = "reasons"
)

// Config contains local storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// InMemory keeps everything in memory, used by tests
	InMemory bool

	// Number of most recent viewed message ids kept
	ViewedLimit int

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64

	// How often database size is reported
	MetricsInterval time.Duration

	SyncWrites bool
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		ViewedLimit:     500,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
		MetricsInterval: 15 * time.Second,
		SyncWrites:      true,
	}
}

// Storage persists pause history, the pause checkpoint, the viewed
// message ledger and the last known reason list
type Storage struct {
	config Config
	db     *badger.DB
	logger zerolog.Logger

	// viewed ledger bookkeeping, guarded by viewedMu
	viewedMu    sync.Mutex
	viewedSeq   uint64
	viewedCount int
	viewedFront *lru.Cache
}

// NewStorage opens the Badger database
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	defaults := DefaultConfig()
	if config.ViewedLimit <= 0 {
		config.ViewedLimit = defaults.ViewedLimit
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = defaults.GCDiscardRatio
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath).WithSyncWrites(config.SyncWrites)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	front, err := lru.New(config.ViewedLimit)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize viewed cache: %w", err)
	}

	s := &Storage{
		config:      config,
		db:          db,
		logger:      logger,
		viewedFront: front,
	}
	if err := s.loadViewedState(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Int("viewed_entries", s.viewedCount).
		Msg("Local storage opened")
	return s, nil
}

// Start runs background maintenance until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	gcTicker := time.NewTicker(s.config.GCInterval)
	defer gcTicker.Stop()
	metricsTicker := time.NewTicker(s.config.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-gcTicker.C:
			s.runGC()
		case <-metricsTicker.C:
			s.collectMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Storage) runGC() {
	if s.config.InMemory {
		return
	}
	err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
	switch {
	case err == nil:
		s.logger.Info().Msg("Garbage collection completed")
	case errors.Is(err, badger.ErrNoRewrite):
		s.logger.Debug().Msg("No garbage collection needed")
	default:
		s.logger.Error().Err(err).Msg("Error during garbage collection")
	}
}

func (s *Storage) collectMetrics() {
	m := metrics.GetMetrics()
	lsm, vlog := s.db.Size()
	m.DBSize.Set(float64(lsm + vlog))

	s.viewedMu.Lock()
	m.ViewedLedgerSize.Set(float64(s.viewedCount))
	s.viewedMu.Unlock()
}

// Shutdown closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing Badger database")
		return err
	}
	return nil
}

// prefixKey adds the appropriate type prefix to a key
func prefixKey(prefix string, key []byte) []byte {
	prefixedKey := make([]byte, len(prefix)+len(key))
	copy(prefixedKey, prefix)
	copy(prefixedKey[len(prefix):], key)
	return prefixedKey
}

func agentKey(agent proto.AgentRef) string {
	return agent.AccountId + ":" + agent.AgentId + ":"
}

// makeHistoryKey orders history records by time within an agent
// Format: hist:{account}:{agent}:{timestamp}{requestID}
func makeHistoryKey(agent proto.AgentRef, ts time.Time, requestID string) []byte {
	prefix := prefixHistory + agentKey(agent)
	key := make([]byte, len(prefix)+8+len(requestID))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts.UnixNano()))
	copy(key[len(prefix)+8:], requestID)
	return key
}

// observe records the outcome and duration of a storage operation
func observe(operation string, started time.Time, err error) {
	m := metrics.GetMetrics()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	m.StorageOperations.WithLabelValues(operation, fmt.Sprintf("%t", err == nil)).Inc()
}

// Append stores a history record
func (s *Storage) Append(ctx context.Context, record *proto.HistoryRecord) (err error) {
	start := time.Now()
	defer func() { observe("append_history", start, err) }()

	if record == nil || record.Ts == nil {
		return errors.New("history record requires a timestamp")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	agent := proto.AgentRef{AccountId: record.AccountId, AgentId: record.AgentId}
	key := makeHistoryKey(agent, record.Ts.AsTime(), record.RequestId)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("failed to store history record: %w", err)
	}
	return nil
}

// List returns up to limit history records of an agent, most recent first
func (s *Storage) List(ctx context.Context, agent proto.AgentRef, limit int) ([]*proto.HistoryRecord, error) {
	timer := prometheus.NewTimer(metrics.GetMetrics().StorageOperationDuration.WithLabelValues("list_history"))
	defer timer.ObserveDuration()

	if limit <= 0 {
		limit = 50
	}
	records := make([]*proto.HistoryRecord, 0, limit)
	prefix := []byte(prefixHistory + agentKey(agent))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// seek just past the prefix range to start from the newest key
		seekKey := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xFF}, 9)...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			var record proto.HistoryRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				s.logger.Error().Err(err).Msg("Failed to decode history record")
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return records, nil
}

// Load returns the saved pause checkpoint of an agent
func (s *Storage) Load(ctx context.Context, agent proto.AgentRef) (*proto.Checkpoint, error) {
	var cp proto.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCheckpoint + agentKey(agent)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

// Save replaces the pause checkpoint of an agent
func (s *Storage) Save(ctx context.Context, agent proto.AgentRef, cp *proto.Checkpoint) (err error) {
	start := time.Now()
	defer func() { observe("save_checkpoint", start, err) }()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixCheckpoint+agentKey(agent)), data)
	})
}

// Clear removes the pause checkpoint of an agent
func (s *Storage) Clear(ctx context.Context, agent proto.AgentRef) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixCheckpoint + agentKey(agent)))
	})
}

// SaveReasons persists the last reason list fetched from the backend
func (s *Storage) SaveReasons(ctx context.Context, reasons []*proto.PauseReason) error {
	data, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyReasons), data)
	})
}

// LoadReasons returns the persisted reason list
func (s *Storage) LoadReasons(ctx context.Context) ([]*proto.PauseReason, error) {
	var reasons []*proto.PauseReason
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyReasons))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &reasons)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reasons: %w", err)
	}
	return reasons, nil
}
