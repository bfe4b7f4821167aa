package kv

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_store WHERE key = $1")).
		WithArgs("allowances").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`[]`)))

	v, err := store.Get(ctx, "allowances")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(v))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_store WHERE key = $1")).
		WithArgs("nothing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = store.Get(ctx, "nothing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Set(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_store")).
		WithArgs("permissions", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Set(context.Background(), "permissions", []byte(`[]`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("allowances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_store WHERE key = $1 FOR UPDATE")).
		WithArgs("allowances").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`[1]`)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_store")).
		WithArgs("allowances", []byte(`[1,2]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.Update(context.Background(), "allowances", func(cur []byte, exists bool) ([]byte, error) {
		assert.True(t, exists)
		assert.Equal(t, `[1]`, string(cur))
		return []byte(`[1,2]`), nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAbsentKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("permissions").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_store")).
		WithArgs("permissions", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.Update(context.Background(), "permissions", func(cur []byte, exists bool) ([]byte, error) {
		assert.False(t, exists)
		return []byte(`[]`), nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAbortRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`x`)))
	mock.ExpectRollback()

	err = store.Update(context.Background(), "k", func([]byte, bool) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv_store")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresStore(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
