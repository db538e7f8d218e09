// Package postgres stores anchors, tags, rounds and readings in Postgres for
// deployments that share one database between several coordinators.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

const driverName = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schema = `
CREATE TABLE IF NOT EXISTS anchors (
    id          BIGSERIAL PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    max_range   DOUBLE PRECISION NOT NULL DEFAULT 20.0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tags (
    id          BIGSERIAL PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rounds (
    id          BIGSERIAL PRIMARY KEY,
    tag_id      BIGINT NOT NULL REFERENCES tags(id),
    start_ms    BIGINT NOT NULL,
    end_ms      BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rounds_tag_end ON rounds (tag_id, end_ms);
CREATE TABLE IF NOT EXISTS readings (
    id              BIGSERIAL PRIMARY KEY,
    round_id        BIGINT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
    anchor_id       BIGINT NOT NULL REFERENCES anchors(id),
    distance        DOUBLE PRECISION NOT NULL,
    executed_at_ms  BIGINT NOT NULL,
    channel         INTEGER NOT NULL,
    data_type       TEXT NOT NULL DEFAULT 'ToA'
);
CREATE INDEX IF NOT EXISTS idx_readings_round ON readings (round_id);
`

// Store implements the registry persister and the output store on Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OverrideSQLOpen swaps the connection constructor, for tests. Call the
// returned func to restore it.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection pool for integration tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SaveAnchor(ctx context.Context, code string) (int64, error) {
	return s.upsert(ctx, "anchors", code)
}

func (s *Store) SaveTag(ctx context.Context, code string) (int64, error) {
	return s.upsert(ctx, "tags", code)
}

func (s *Store) LookupAnchorID(ctx context.Context, code string) (int64, bool, error) {
	return s.lookup(ctx, "anchors", code)
}

func (s *Store) LookupTagID(ctx context.Context, code string) (int64, bool, error) {
	return s.lookup(ctx, "tags", code)
}

func (s *Store) upsert(ctx context.Context, table, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (code) VALUES ($1)
		 ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		 RETURNING id`, code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save %s %s: %w", table, code, err)
	}
	return id, nil
}

func (s *Store) lookup(ctx context.Context, table, code string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s %s: %w", table, code, err)
	}
	return id, true, nil
}

func (s *Store) SaveRound(ctx context.Context, tagID int64, r measurement.RoundSnapshot) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rounds (tag_id, start_ms, end_ms) VALUES ($1, $2, $3) RETURNING id`,
		tagID, timeutil.EpochMillis(r.Start), timeutil.EpochMillis(r.End)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save round for tag %d: %w", tagID, err)
	}
	return id, nil
}

func (s *Store) SaveReadings(ctx context.Context, roundID int64, readings []measurement.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rd := range readings {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO readings (round_id, anchor_id, distance, executed_at_ms, channel, data_type)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			roundID, rd.AnchorStorageID, rd.Distance, timeutil.EpochMillis(rd.ExecutedAt), rd.Channel, measurement.DataType)
		if err != nil {
			return fmt.Errorf("save reading for round %d: %w", roundID, err)
		}
	}
	return tx.Commit()
}

// CountReadings returns the number of readings stored for roundID.
func (s *Store) CountReadings(ctx context.Context, roundID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE round_id = $1`, roundID).Scan(&n)
	return n, err
}
