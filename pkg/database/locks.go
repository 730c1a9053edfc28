package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// KeyLocker serializes work on string keys. Keys are always acquired in
// sorted order so callers locking overlapping sets cannot deadlock.
type KeyLocker interface {
	WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// AdvisoryLocker takes transaction-scoped Postgres advisory locks. fn runs
// inside the transaction, so the locks are released exactly when its
// writes commit or roll back.
type AdvisoryLocker struct{}

var _ KeyLocker = AdvisoryLocker{}

func (AdvisoryLocker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ordered := SortedUniqueKeys(keys)
	return InTx(ctx, func(ctx context.Context) error {
		scope, _ := GetScope(ctx)
		for _, key := range ordered {
			if _, err := scope.Conn.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
				return fmt.Errorf("failed to acquire advisory lock %q: %w", key, err)
			}
		}
		return fn(ctx)
	})
}

// SortedUniqueKeys returns keys sorted with duplicates removed.
func SortedUniqueKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// LocalLocker serializes keys within one process. It backs in-memory
// stores and single-node tools where no advisory lock is available.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ KeyLocker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ordered := SortedUniqueKeys(keys)
	held := make([]string, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}()

	for _, key := range ordered {
		if err := l.acquire(ctx, key); err != nil {
			return fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}
		held = append(held, key)
	}
	return fn(ctx)
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[key]
	<-kl.ch
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
