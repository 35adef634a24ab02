package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func TestStoreGetReturnsValue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewWithPool(mock, "", fakeClock{now: now})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM scanner_kv").
		WithArgs("pool-index", now).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("7")))

	got, ok, err := store.Get(context.Background(), "pool-index")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7", string(got))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetMissingIsAbsent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "kv", fakeClock{now: time.Unix(1, 0)})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM kv").
		WithArgs("missing", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSetWritesExpiry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewWithPool(mock, "", fakeClock{now: now})
	require.NoError(t, err)

	expires := now.Add(time.Minute)
	mock.ExpectExec("INSERT INTO scanner_kv").
		WithArgs("lock", []byte("1"), &expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Set(context.Background(), "lock", []byte("1"), time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeleteAndPrune(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", fakeClock{now: time.Unix(5, 0)})
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM scanner_kv WHERE key").
		WithArgs("lock").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM scanner_kv WHERE expires_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	require.NoError(t, store.Delete(context.Background(), "lock"))
	removed, err := store.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO scanner_kv").
		WillReturnError(errors.New("boom"))

	err = store.Set(context.Background(), "k", []byte("v"), 0)
	require.ErrorContains(t, err, "upsert kv")
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "kv; drop table x", nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, "kv", nil)
	require.Error(t, err)
}
