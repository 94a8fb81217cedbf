package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fedigraph/fedigraph/internal/fedi"
)

// SQLiteStore persists raw records in a single database file per run.
// WAL mode keeps concurrent readers cheap; SQLite supports one writer, so
// the connection pool is pinned to a single connection.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
	host       TEXT NOT NULL,
	software   TEXT NOT NULL,
	status     TEXT NOT NULL,
	attributes TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS observations (
	source      TEXT NOT NULL,
	target      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	weight      INTEGER NOT NULL,
	observed_at TEXT NOT NULL
);
`

// OpenSQLite opens or creates the raw store database under dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create raw store dir %s: %w", dir, err)
	}
	dbPath := filepath.Join(dir, "rawstore.db")
	db, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendInstance inserts one instance row.
func (s *SQLiteStore) AppendInstance(ctx context.Context, inst fedi.Instance) error {
	attrs, err := json.Marshal(inst.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", inst.Host, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO instances (host, software, status, attributes) VALUES (?, ?, ?, ?)",
		inst.Host, string(inst.Software), string(inst.Status), string(attrs),
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.Host, err)
	}
	return nil
}

// AppendObservation inserts one observation row.
func (s *SQLiteStore) AppendObservation(ctx context.Context, obs fedi.Observation) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO observations (source, target, kind, weight, observed_at) VALUES (?, ?, ?, ?, ?)",
		obs.Source, obs.Target, string(obs.Kind), obs.Weight, obs.ObservedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert observation %s->%s: %w", obs.Source, obs.Target, err)
	}
	return nil
}

// Instances reads back every instance row.
func (s *SQLiteStore) Instances(ctx context.Context) ([]fedi.Instance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT host, software, status, attributes FROM instances")
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []fedi.Instance
	for rows.Next() {
		var inst fedi.Instance
		var software, status, attrs string
		if err := rows.Scan(&inst.Host, &software, &status, &attrs); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.Software = fedi.Software(software)
		inst.Status = fedi.Status(status)
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &inst.Attributes); err != nil {
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
func (s *SQLiteStore) Observations(ctx context.Context) ([]fedi.Observation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source, target, kind, weight, observed_at FROM observations")
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []fedi.Observation
	for rows.Next() {
		var obs fedi.Observation
		var kind, observedAt string
		if err := rows.Scan(&obs.Source, &obs.Target, &kind, &obs.Weight, &observedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Kind = fedi.EdgeKind(kind)
		ts, err := time.Parse(time.RFC3339, observedAt)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", observedAt, err)
		}
		obs.ObservedAt = ts
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite store: %w", err)
	}
	return nil
}
