package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/models"
)

// assignLockKey serializes id assignment across instances.
const assignLockKey int64 = 0x6c636c6b

// PostgresStore keeps visitors in the widget_visitors table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	limit int64
}

func NewPostgresStore(pool *pgxpool.Pool, limit int64) *PostgresStore {
	return &PostgresStore{pool: pool, limit: limit}
}

// Migrate creates widget_visitors when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS widget_visitors (
		  id BIGINT PRIMARY KEY,
		  token TEXT NOT NULL UNIQUE,
		  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create widget_visitors: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookup(ctx context.Context, q querier, token string) (models.Visitor, error) {
	v := models.Visitor{Token: token}
	err := q.QueryRow(ctx,
		`SELECT id, created_at FROM widget_visitors WHERE token = $1`, token,
	).Scan(&v.ID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Visitor{}, ErrUnknownVisitor
	}
	if err != nil {
		return models.Visitor{}, fmt.Errorf("lookup visitor: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, token string) (models.Visitor, error) {
	return lookup(ctx, s.pool, token)
}

// Assign takes a transaction-scoped advisory lock so ids stay dense and
// the cap check holds with many writers.
func (s *PostgresStore) Assign(ctx context.Context, token string) (models.Visitor, error) {
	if v, err := lookup(ctx, s.pool, token); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrUnknownVisitor) {
		return models.Visitor{}, err
	}

	var v models.Visitor
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, assignLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		existing, err := lookup(ctx, tx, token)
		if err == nil {
			v = existing
			return nil
		}
		if !errors.Is(err, ErrUnknownVisitor) {
			return err
		}

		var next int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM widget_visitors`).Scan(&next); err != nil {
			return fmt.Errorf("next id: %w", err)
		}
		if s.limit > 0 && next > s.limit {
			return ErrCapReached
		}

		v = models.Visitor{ID: next, Token: token}
		return tx.QueryRow(ctx,
			`INSERT INTO widget_visitors (id, token) VALUES ($1, $2) RETURNING created_at`,
			next, token,
		).Scan(&v.CreatedAt)
	})
	if err != nil {
		if !errors.Is(err, ErrCapReached) {
			log.Error().Err(err).Msg("failed to assign visitor id")
		}
		return models.Visitor{}, err
	}
	return v, nil
}
