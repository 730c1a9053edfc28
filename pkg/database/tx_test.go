package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTx_CommitsOnSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO kb_sources").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := SetScope(context.Background(), NewScope(mock))
	err = InTx(ctx, func(ctx context.Context) error {
		scope, ok := GetScope(ctx)
		require.True(t, ok)
		_, err := scope.Conn.Exec(ctx, "INSERT INTO kb_sources (id) VALUES ($1)", "nvd")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	ctx := SetScope(context.Background(), NewScope(mock))
	err = InTx(ctx, func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RequiresScope(t *testing.T) {
	err := InTx(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestAdvisoryLocker_LocksSortedUniqueKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("a").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("b").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	ctx := SetScope(context.Background(), NewScope(mock))
	ran := false
	err = AdvisoryLocker{}.WithLock(ctx, []string{"b", "a", "b"}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgxTxRunner_InSnapshotSetsIsolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ").WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectCommit()

	ctx := SetScope(context.Background(), NewScope(mock))
	err = PgxTxRunner{}.InSnapshot(ctx, func(ctx context.Context) error { return nil })

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSortedUniqueKeys(t *testing.T) {
	in := []string{"c", "a", "c", "b"}
	assert.Equal(t, []string{"a", "b", "c"}, SortedUniqueKeys(in))
	assert.Equal(t, []string{"c", "a", "c", "b"}, in, "input must not be modified")
}

func TestStaticScopeProvider_KeepsExistingScope(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	existing := NewScope(mock)
	ctx := SetScope(context.Background(), existing)

	provider := &StaticScopeProvider{Conn: mock}
	got, cleanup, err := provider.WithScope(ctx)
	require.NoError(t, err)
	defer cleanup()

	scope, ok := GetScope(got)
	require.True(t, ok)
	assert.Same(t, existing, scope)
}

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var active, maxActive int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), []string{"entity-name:other:loader"}, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, locker.locks)
}

func TestLocalLocker_HonorsCancellation(t *testing.T) {
	locker := NewLocalLocker()
	hold := make(chan struct{})
	acquired := make(chan struct{})

	go func() {
		_ = locker.WithLock(context.Background(), []string{"k"}, func(ctx context.Context) error {
			close(acquired)
			<-hold
			return nil
		})
	}()
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := locker.WithLock(ctx, []string{"k"}, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(hold)
}
