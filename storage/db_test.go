package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gaohao-creator/turbocore/errors"
)

func openTestDB(t *testing.T, options ...Option) *DB {
	options = append([]Option{WithLogger(zaptest.NewLogger(t))}, options...)
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestKeyValueActions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Read(ctx, ActionGet, "missing")
	assert.ErrorIs(t, err, errors.ErrorKeyNotFound)

	_, err = db.WriteSynchronous(ctx, ActionSet, "session:a", "1")
	require.NoError(t, err)
	_, err = db.WriteSynchronous(ctx, ActionSet, "session:b", "2")
	require.NoError(t, err)
	_, err = db.WriteSynchronous(ctx, ActionSet, "other", "3")
	require.NoError(t, err)
	_, err = db.WriteSynchronous(ctx, ActionSet, "session:a", "updated")
	require.NoError(t, err)

	v, err := db.Read(ctx, ActionGet, "session:a")
	require.NoError(t, err)
	assert.Equal(t, "updated", v)

	keys, err := db.Read(ctx, ActionKeys, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:a", "session:b"}, keys)

	existed, err := db.WriteSynchronous(ctx, ActionDelete, "session:a")
	require.NoError(t, err)
	assert.Equal(t, true, existed)
	existed, err = db.WriteSynchronous(ctx, ActionDelete, "session:a")
	require.NoError(t, err)
	assert.Equal(t, false, existed)

	require.NoError(t, db.Maintain(ctx))
}

func TestAsyncWritesKeepOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, db.Write(ctx, ActionSet, "k", v))
	}
	v, err := db.Read(ctx, ActionGet, "k")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestFailingAsyncWriteIsReported(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	db := openTestDB(t, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	require.NoError(t, db.Write(context.Background(), ActionSet, 42))
	_, err := db.Read(context.Background(), ActionKeys, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "want string")
}

func TestCustomActions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	db.RegisterWrite("count_keys_then_panic", func(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
		panic("boom")
	})
	db.RegisterRead("count", func(ctx context.Context, tx *sql.Tx, args ...any) (any, error) {
		var n int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&n)
		return n, err
	})

	_, err := db.WriteSynchronous(ctx, "count_keys_then_panic")
	assert.ErrorIs(t, err, errors.ErrorPanic)

	n, err := db.Read(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = db.Read(ctx, "nope")
	assert.ErrorIs(t, err, errors.ErrorUnknownAction)
	_, err = db.Read(ctx, ActionSet, "k", "v")
	assert.ErrorIs(t, err, errors.ErrorUnknownAction, "write actions are not readable")
}

func TestClosedDatabase(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Write(context.Background(), ActionSet, "k", "v"))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Read(context.Background(), ActionGet, "k")
	assert.ErrorIs(t, err, errors.ErrorDatabaseClosed)
	assert.ErrorIs(t, db.Write(context.Background(), ActionSet, "k", "v"), errors.ErrorDatabaseClosed)
}

func TestRetryableErrors(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errors.New("database is locked")))
	assert.False(t, isRetryableError(errors.New("no such table")))
}
