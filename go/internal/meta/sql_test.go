package meta

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonArg matches a driver value holding the given JSON document.
type jsonArg string

func (j jsonArg) Match(v driver.Value) bool {
	var raw []byte
	switch b := v.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return false
	}
	var want, got any
	if json.Unmarshal([]byte(j), &want) != nil || json.Unmarshal(raw, &got) != nil {
		return false
	}
	return assert.ObjectsAreEqual(want, got)
}

func newMockStore(t *testing.T, driverName string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, driverName)), mock
}

func TestSQLStore_GetMissing(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM widget_meta WHERE key = $1`)).
		WithArgs("window").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	doc, err := s.Get(context.Background(), "window")
	require.NoError(t, err)
	assert.Nil(t, doc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNullPlaceholder(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM widget_meta WHERE key = $1`)).
		WithArgs("window").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(nil))

	doc, err := s.Get(context.Background(), "window")
	require.NoError(t, err)
	assert.Nil(t, doc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransactionLocksRowPostgres(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO widget_meta (key, value) VALUES ($1, NULL) ON CONFLICT (key) DO NOTHING`)).
		WithArgs("visits/2024-03-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM widget_meta WHERE key = $1 FOR UPDATE`)).
		WithArgs("visits/2024-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"count":1,"credited":{"a":true}}`)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO widget_meta (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)`)).
		WithArgs("visits/2024-03-01", jsonArg(`{"count":2,"credited":{"a":true,"b":true}}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunTransaction(ctx, func(tx Tx) error {
		doc, err := tx.Get(ctx, "visits/2024-03-01")
		if err != nil {
			return err
		}
		assert.JSONEq(t, `1`, string(doc["count"]))
		return tx.Set(ctx, "visits/2024-03-01", Doc{
			"count":    json.RawMessage(`2`),
			"credited": json.RawMessage(`{"a":true,"b":true}`),
		}, false)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransactionSQLiteHasNoRowLock(t *testing.T) {
	s, mock := newMockStore(t, "sqlite")
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO widget_meta (key, value) VALUES (?, NULL)`)).
		WithArgs("payout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM widget_meta WHERE key = \?$`).
		WithArgs("payout").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(nil))
	mock.ExpectCommit()

	err := s.RunTransaction(ctx, func(tx Tx) error {
		doc, err := tx.Get(ctx, "payout")
		assert.Nil(t, doc)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransactionRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.RunTransaction(context.Background(), func(tx Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SetMergeReadsInsideTransaction(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO widget_meta (key, value) VALUES ($1, NULL)`)).
		WithArgs("payout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("payout").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"index":3,"window_key":"2024-03-01"}`)))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (key) DO UPDATE`)).
		WithArgs("payout", jsonArg(`{"index":4,"window_key":"2024-03-01"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Set(context.Background(), "payout", Doc{"index": json.RawMessage(`4`)}, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MigrateUsesDialectType(t *testing.T) {
	s, mock := newMockStore(t, "sqlite")
	mock.ExpectExec(`value BLOB`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))

	pg, pgMock := newMockStore(t, "postgres")
	pgMock.ExpectExec(`value JSONB`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, pg.Migrate(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, pgMock.ExpectationsWereMet())
}
