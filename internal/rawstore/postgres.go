package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

// PostgresConfig controls the connection pool used for raw records.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore writes raw records into Postgres, for crawls whose output
// should land next to other research datasets instead of local files.
type PostgresStore struct {
	pool pgxQuerier
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS raw_instances (
	host       TEXT NOT NULL,
	software   TEXT NOT NULL,
	status     TEXT NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS raw_observations (
	source      TEXT NOT NULL,
	target      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	weight      BIGINT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for the postgres backend")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxQuerier) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// AppendInstance inserts one instance row.
func (s *PostgresStore) AppendInstance(ctx context.Context, inst fedi.Instance) error {
	attrs, err := json.Marshal(inst.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", inst.Host, err)
	}
	if attrs == nil || string(attrs) == "null" {
		attrs = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO raw_instances (host, software, status, attributes) VALUES ($1, $2, $3, $4)",
		inst.Host, string(inst.Software), string(inst.Status), attrs,
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.Host, err)
	}
	return nil
}

// AppendObservation inserts one observation row.
func (s *PostgresStore) AppendObservation(ctx context.Context, obs fedi.Observation) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO raw_observations (source, target, kind, weight, observed_at) VALUES ($1, $2, $3, $4, $5)",
		obs.Source, obs.Target, string(obs.Kind), obs.Weight, obs.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert observation %s->%s: %w", obs.Source, obs.Target, err)
	}
	return nil
}

// Instances reads back every instance row.
func (s *PostgresStore) Instances(ctx context.Context) ([]fedi.Instance, error) {
	rows, err := s.pool.Query(ctx, "SELECT host, software, status, attributes FROM raw_instances")
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []fedi.Instance
	for rows.Next() {
		var inst fedi.Instance
		var software, status string
		var attrs []byte
		if err := rows.Scan(&inst.Host, &software, &status, &attrs); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.Software = fedi.Software(software)
		inst.Status = fedi.Status(status)
		if len(attrs) > 0 && string(attrs) != "null" {
			if err := json.Unmarshal(attrs, &inst.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", inst.Host, err)
			}
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// Observations reads back every observation row.
func (s *PostgresStore) Observations(ctx context.Context) ([]fedi.Observation, error) {
	rows, err := s.pool.Query(ctx, "SELECT source, target, kind, weight, observed_at FROM raw_observations")
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []fedi.Observation
	for rows.Next() {
		var obs fedi.Observation
		var kind string
		if err := rows.Scan(&obs.Source, &obs.Target, &kind, &obs.Weight, &obs.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Kind = fedi.EdgeKind(kind)
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
