package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// The viewed ledger keeps the ViewedLimit most recent message ids. Each
// entry is stored twice: viewed:seq:{n} -> id for eviction order and
// viewed:id:{id} -> n for lookup.

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return prefixKey(prefixViewedSeq, buf)
}

func idKey(id string) []byte {
	return prefixKey(prefixViewedID, []byte(id))
}

// loadViewedState restores the sequence counter and warms the front cache
func (s *Storage) loadViewedState() error {
	prefix := []byte(prefixViewedSeq)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			seq := binary.BigEndian.Uint64(key[len(prefix):])
			if seq > s.viewedSeq {
				s.viewedSeq = seq
			}
			if err := it.Item().Value(func(val []byte) error {
				s.viewedFront.Add(string(val), struct{}{})
				return nil
			}); err != nil {
				return fmt.Errorf("failed to load viewed ledger: %w", err)
			}
			s.viewedCount++
		}
		return nil
	})
}

// IsViewed reports whether the message was marked viewed
func (s *Storage) IsViewed(ctx context.Context, id string) (bool, error) {
	if s.viewedFront.Contains(id) {
		return true, nil
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(idKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read viewed ledger: %w", err)
	}
	s.viewedFront.Add(id, struct{}{})
	return true, nil
}

// MarkViewed records the message as viewed, evicting the oldest entries
// beyond the ledger bound
func (s *Storage) MarkViewed(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { observe("mark_viewed", start, err) }()

	s.viewedMu.Lock()
	defer s.viewedMu.Unlock()

	seq := s.viewedSeq + 1
	evicted := make([]string, 0, 1)
	inserted := false

	err = s.db.Update(func(txn *badger.Txn) error {
		evicted = evicted[:0]
		inserted = false

		if _, err := txn.Get(idKey(id)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, seq)
		if err := txn.Set(seqKey(seq), []byte(id)); err != nil {
			return err
		}
		if err := txn.Set(idKey(id), seqBytes); err != nil {
			return err
		}
		inserted = true

		overflow := s.viewedCount + 1 - s.config.ViewedLimit
		if overflow <= 0 {
			return nil
		}

		prefix := []byte(prefixViewedSeq)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(stale) < overflow; it.Next() {
			key := it.Item().KeyCopy(nil)
			oldID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			stale = append(stale, key)
			evicted = append(evicted, string(oldID))
		}
		for i, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(idKey(evicted[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark message viewed: %w", err)
	}

	if inserted {
		s.viewedSeq = seq
		s.viewedCount += 1 - len(evicted)
		s.viewedFront.Add(id, struct{}{})
	}
	for _, old := range evicted {
		s.viewedFront.Remove(old)
	}
	return nil
}
