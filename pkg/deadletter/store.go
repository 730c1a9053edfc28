// Package deadletter parks items whose retries were exhausted so they can be
// inspected and replayed instead of being lost.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var keyPrefix = []byte("dl:")

// Store persists dead letters in arrival order.
type Store interface {
	// Put parks an item. An ID is assigned if missing.
	Put(ctx context.Context, dl *models.DeadLetter) error
	// List returns up to limit items, oldest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	// Delete removes an item after a successful replay.
	Delete(ctx context.Context, id uuid.UUID) error
	// Count returns the number of parked items.
	Count(ctx context.Context) (int, error)
	Close() error
}

type badgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ Store = (*badgerStore)(nil)

// Open opens the dead-letter store at cfg.Dir, or in memory when cfg.InMemory is set.
func Open(cfg *config.DeadLetterConfig, logger *zap.Logger) (Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(nil).
		WithSyncWrites(true)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithLogger(nil).WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	return &badgerStore{db: db, logger: logger.Named("deadletter")}, nil
}

func key(id uuid.UUID) []byte {
	return append(append([]byte{}, keyPrefix...), id[:]...)
}

func (s *badgerStore) Put(_ context.Context, dl *models.DeadLetter) error {
	if dl.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to allocate dead-letter id: %w", err)
		}
		dl.ID = id
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(dl.ID), data)
	}); err != nil {
		return fmt.Errorf("failed to park dead letter: %w", err)
	}

	s.logger.Warn("Parked dead letter",
		zap.String("id", dl.ID.String()),
		zap.String("source_id", dl.SourceID),
		zap.Int("attempts", dl.Attempts),
		zap.String("error", dl.Error))
	return nil
}

func (s *badgerStore) List(_ context.Context, limit int) ([]*models.DeadLetter, error) {
	var out []*models.DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var dl models.DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return fmt.Errorf("failed to decode dead letter: %w", err)
			}
			out = append(out, &dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *badgerStore) Delete(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperrors.ErrNotFound
			}
			return err
		}
		return txn.Delete(key(id))
	})
}

func (s *badgerStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
