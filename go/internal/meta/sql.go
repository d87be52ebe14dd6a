package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
	_ "modernc.org/sqlite"

	"github.com/mcdev12/lastclick/go/internal/sqlutil"
)

const (
	insertPlaceholderSQL = `INSERT INTO widget_meta (key, value) VALUES (?, NULL) ON CONFLICT (key) DO NOTHING`
	selectValueSQL       = `SELECT value FROM widget_meta WHERE key = ?`
	upsertValueSQL       = `INSERT INTO widget_meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
)

// SQLStore persists documents in the widget_meta table of Postgres or
// SQLite. Transactional reads lock the row, creating it first when absent,
// so concurrent read-modify-write cycles on the same key serialize.
type SQLStore struct {
	db *sqlx.DB
}

// OpenPostgres connects to Postgres through lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite file. Transactions begin IMMEDIATE so the
// write lock is taken before the first read, and a single connection
// serializes writers within this process.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLStore wraps an open database. The driver name picks the dialect.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) isPostgres() bool {
	return s.db.DriverName() == "postgres" || s.db.DriverName() == "pgx"
}

// Migrate creates the widget_meta table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	valueType := "BLOB"
	if s.isPostgres() {
		valueType = "JSONB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS widget_meta (
	key TEXT PRIMARY KEY,
	value %s,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, valueType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create widget_meta: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (Doc, error) {
	return getDoc(ctx, s.db, key, "")
}

func (s *SQLStore) Set(ctx context.Context, key string, doc Doc, merge bool) error {
	if !merge {
		return putDoc(ctx, s.db, key, doc)
	}
	return s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Set(ctx, key, doc, true)
	})
}

func (s *SQLStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return sqlutil.Run(ctx, s.db, nil,
		func(tx *sqlx.Tx) *sqlTx { return &sqlTx{tx: tx, postgres: s.isPostgres()} },
		func(q *sqlTx) error { return fn(q) },
	)
}

type sqlTx struct {
	tx       *sqlx.Tx
	postgres bool
	locked   map[string]bool
}

// Get locks the row for key until the transaction ends.
func (t *sqlTx) Get(ctx context.Context, key string) (Doc, error) {
	if !t.locked[key] {
		if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(insertPlaceholderSQL), key); err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if t.locked == nil {
			t.locked = make(map[string]bool)
		}
		t.locked[key] = true
	}
	suffix := ""
	if t.postgres {
		suffix = " FOR UPDATE"
	}
	return getDoc(ctx, t.tx, key, suffix)
}

func (t *sqlTx) Set(ctx context.Context, key string, doc Doc, merge bool) error {
	if merge {
		existing, err := t.Get(ctx, key)
		if err != nil {
			return err
		}
		doc = mergeDocs(existing, doc)
	}
	return putDoc(ctx, t.tx, key, doc)
}

func getDoc(ctx context.Context, q sqlx.ExtContext, key, suffix string) (Doc, error) {
	var value pqtype.NullRawMessage
	err := sqlx.GetContext(ctx, q, &value, q.Rebind(selectValueSQL+suffix), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	raw := sqlutil.FromNullRawMessage(value)
	if raw == nil {
		return nil, nil
	}
	doc, err := decodeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

func putDoc(ctx context.Context, e sqlx.ExtContext, key string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := e.ExecContext(ctx, e.Rebind(upsertValueSQL), key, sqlutil.ToNullRawMessage(raw)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
