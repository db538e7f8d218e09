// Package db persists anchors, tags, rounds and readings in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

type DB struct {
	*sql.DB
	path string
}

// Connection PRAGMAs, applied by the driver to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// OpenDB opens the database without touching the schema. The migrate
// command uses it directly.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and brings the schema to the latest migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database ready", "path", path)
	return db, nil
}

// Path is the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) SaveAnchor(ctx context.Context, code string) (int64, error) {
	return db.upsertDevice(ctx, "anchors", code)
}

func (db *DB) SaveTag(ctx context.Context, code string) (int64, error) {
	return db.upsertDevice(ctx, "tags", code)
}

func (db *DB) LookupAnchorID(ctx context.Context, code string) (int64, bool, error) {
	return db.lookupDevice(ctx, "anchors", code)
}

func (db *DB) LookupTagID(ctx context.Context, code string) (int64, bool, error) {
	return db.lookupDevice(ctx, "tags", code)
}

// table is one of the fixed table names above, never request input.
func (db *DB) upsertDevice(ctx context.Context, table, code string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (code) VALUES (?)
		 ON CONFLICT(code) DO UPDATE SET code = excluded.code
		 RETURNING id`, code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save %s %s: %w", table, code, err)
	}
	return id, nil
}

func (db *DB) lookupDevice(ctx context.Context, table, code string) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE code = ?`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s %s: %w", table, code, err)
	}
	return id, true, nil
}

// SaveRound inserts the round row and returns its id.
func (db *DB) SaveRound(ctx context.Context, tagID int64, r measurement.RoundSnapshot) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO rounds (tag_id, start_ms, end_ms) VALUES (?, ?, ?) RETURNING id`,
		tagID, timeutil.EpochMillis(r.Start), timeutil.EpochMillis(r.End)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save round for tag %d: %w", tagID, err)
	}
	return id, nil
}

// SaveReadings inserts all readings of a round in one transaction.
func (db *DB) SaveReadings(ctx context.Context, roundID int64, readings []measurement.Reading) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (round_id, anchor_id, distance, executed_at_ms, channel, data_type)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rd := range readings {
		if _, err := stmt.ExecContext(ctx, roundID, rd.AnchorStorageID, rd.Distance,
			timeutil.EpochMillis(rd.ExecutedAt), rd.Channel, measurement.DataType); err != nil {
			return fmt.Errorf("save reading for round %d: %w", roundID, err)
		}
	}
	return tx.Commit()
}

// DeviceRow is a persisted anchor or tag.
type DeviceRow struct {
	ID        int64
	Code      string
	CreatedAt time.Time
}

// Anchors lists persisted anchors by id.
func (db *DB) Anchors(ctx context.Context) ([]DeviceRow, error) {
	return db.listDevices(ctx, "anchors")
}

// Tags lists persisted tags by id.
func (db *DB) Tags(ctx context.Context) ([]DeviceRow, error) {
	return db.listDevices(ctx, "tags")
}

func (db *DB) listDevices(ctx context.Context, table string) ([]DeviceRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, code, created_at FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var (
			row     DeviceRow
			created int64
		)
		if err := rows.Scan(&row.ID, &row.Code, &created); err != nil {
			return nil, err
		}
		row.CreatedAt = timeutil.FromEpochMillis(created)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RoundRow is a persisted round with its reading count.
type RoundRow struct {
	ID       int64
	TagCode  string
	Start    time.Time
	End      time.Time
	Readings int
}

// RecentRounds returns up to limit rounds, newest first.
func (db *DB) RecentRounds(ctx context.Context, limit int) ([]RoundRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, t.code, r.start_ms, r.end_ms, COUNT(rd.id)
		FROM rounds r
		JOIN tags t ON t.id = r.tag_id
		LEFT JOIN readings rd ON rd.round_id = r.id
		GROUP BY r.id
		ORDER BY r.end_ms DESC, r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRow
	for rows.Next() {
		var (
			row        RoundRow
			start, end int64
		)
		if err := rows.Scan(&row.ID, &row.TagCode, &start, &end, &row.Readings); err != nil {
			return nil, err
		}
		row.Start = timeutil.FromEpochMillis(start)
		row.End = timeutil.FromEpochMillis(end)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReadingsForRound returns the stored readings of one round.
func (db *DB) ReadingsForRound(ctx context.Context, roundID int64) ([]measurement.Reading, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.code, rd.anchor_id, rd.distance, rd.executed_at_ms, rd.channel
		FROM readings rd
		JOIN anchors a ON a.id = rd.anchor_id
		WHERE rd.round_id = ?
		ORDER BY rd.id`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []measurement.Reading
	for rows.Next() {
		var (
			rd       measurement.Reading
			executed int64
		)
		if err := rows.Scan(&rd.AnchorCode, &rd.AnchorStorageID, &rd.Distance, &executed, &rd.Channel); err != nil {
			return nil, err
		}
		rd.ExecutedAt = timeutil.FromEpochMillis(executed)
		out = append(out, rd)
	}
	return out, rows.Err()
}
