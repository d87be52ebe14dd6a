package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/config"
	"github.com/mcdev12/lastclick/go/internal/dbconfig"
	"github.com/mcdev12/lastclick/go/internal/identity"
	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/visits"
)

// Stores holds the persistence backends selected by the config.
type Stores struct {
	Meta     meta.Store
	Ledger   visits.Ledger
	Identity identity.Store

	db    *sqlx.DB
	pool  *pgxpool.Pool
	redis goredis.UniversalClient
}

func setupStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}
	clock := clockwork.NewRealClock()
	dbCfg := dbconfig.NewConfigFromEnv()

	switch cfg.Meta.Backend {
	case config.BackendMemory:
		s.Meta = meta.NewMemoryStore()
	case config.BackendSQLite, config.BackendPostgres:
		var err error
		if cfg.Meta.Backend == config.BackendSQLite {
			s.db, err = meta.OpenSQLite(ctx, cfg.Meta.SQLitePath)
		} else {
			s.db, err = meta.OpenPostgres(ctx, dbCfg.DSN())
		}
		if err != nil {
			return nil, err
		}
		store := meta.NewSQLStore(s.db)
		if err := store.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.Meta = store
	}
	log.Info().Str("backend", cfg.Meta.Backend).Msg("meta store ready")

	switch cfg.Visits.Backend {
	case config.BackendMeta:
		s.Ledger = visits.NewMetaLedger(s.Meta)
	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.Visits.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.redis = goredis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.Ledger = visits.NewRedisLedger(s.redis, cfg.Visits.Retention)
	}

	switch cfg.Identity.Backend {
	case config.BackendMemory:
		s.Identity = identity.NewMemoryStore(clock, cfg.Identity.Cap)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, dbCfg.DSN())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		s.pool = pool
		store := identity.NewPostgresStore(pool, cfg.Identity.Cap)
		if err := store.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.Identity = store
		log.Info().
			Str("dsn", dbCfg.String()).
			Msg("identity store connected")
	}
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}
