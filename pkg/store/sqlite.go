// Package store persists records in SQLite.
//
// Every write is a versioned compare-and-swap on the natural key, so two
// writers racing on the same record can never both succeed a transition.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Sternrassler/tickertrail/pkg/record"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
		natural_key TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		identifiers TEXT NOT NULL DEFAULT '[]',
		direction TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		failed_at INTEGER,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_subject_created ON records(subject, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_records_subject_state ON records(subject, state)`,
}

const recordColumns = `natural_key, subject, created_at, payload, state, identifiers,
	direction, confidence, error, failed_at, version, updated_at`

// SQLiteStore is a record.Store backed by a SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		clock: func() time.Time { return time.Now().UTC() },
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert implements record.Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec record.Record) (record.Record, bool, error) {
	if err := record.Validate(rec); err != nil {
		return record.Record{}, false, err
	}

	state := rec.State
	if state == "" {
		state = record.StateUnprocessed
	}
	identifiers, err := encodeIdentifiers(rec.Result.Identifiers)
	if err != nil {
		return record.Record{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO records (natural_key, subject, created_at, payload, state, identifiers,
			direction, confidence, error, failed_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(natural_key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			version = records.version + 1,
			updated_at = excluded.updated_at
		RETURNING `+recordColumns,
		rec.NaturalKey, rec.Subject, rec.CreatedAt.UnixNano(), rec.Payload, string(state), identifiers,
		string(rec.Result.Direction), rec.Result.Confidence, rec.Result.Error, nanos(rec.Result.FailedAt),
		s.clock().UnixNano(),
	)

	stored, err := scanRecord(row)
	if err != nil {
		return record.Record{}, false, fmt.Errorf("upsert %s: %w", rec.NaturalKey, err)
	}
	return stored, stored.Version == 1, nil
}

// Transition implements record.Store.
func (s *SQLiteStore) Transition(ctx context.Context, key string, from, to record.State, result record.Result) (record.Record, error) {
	if !to.IsValid() {
		return record.Record{}, fmt.Errorf("%w: unknown state %q", record.ErrValidation, to)
	}
	identifiers, err := encodeIdentifiers(result.Identifiers)
	if err != nil {
		return record.Record{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE records SET
			state = ?, identifiers = ?, direction = ?, confidence = ?, error = ?, failed_at = ?,
			version = version + 1, updated_at = ?
		WHERE natural_key = ? AND state = ?
		RETURNING `+recordColumns,
		string(to), identifiers, string(result.Direction), result.Confidence, result.Error, nanos(result.FailedAt),
		s.clock().UnixNano(), key, string(from),
	)

	stored, err := scanRecord(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("transition %s: %w", key, err)
	}

	current, getErr := s.Get(ctx, key)
	if getErr != nil {
		return record.Record{}, getErr
	}
	return record.Record{}, fmt.Errorf("%w: %s is %s, expected %s", record.ErrStateConflict, key, current.State, from)
}

// Get implements record.Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (record.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE natural_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%w: %s", record.ErrNotFound, key)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

// List implements record.Store.
func (s *SQLiteStore) List(ctx context.Context, subject string) ([]record.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM records
		WHERE subject = ? ORDER BY created_at DESC, natural_key ASC`, subject)
}

// ListByState implements record.Store.
func (s *SQLiteStore) ListByState(ctx context.Context, subject string, state record.State) ([]record.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM records
		WHERE subject = ? AND state = ? ORDER BY created_at DESC, natural_key ASC`, subject, string(state))
}

// Count implements record.Store.
func (s *SQLiteStore) Count(ctx context.Context, subject string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE subject = ?`, subject).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", subject, err)
	}
	return n, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var (
		rec         record.Record
		createdAt   int64
		updatedAt   int64
		state       string
		identifiers string
		direction   string
		failedAt    sql.NullInt64
	)

	err := row.Scan(&rec.NaturalKey, &rec.Subject, &createdAt, &rec.Payload, &state, &identifiers,
		&direction, &rec.Result.Confidence, &rec.Result.Error, &failedAt, &rec.Version, &updatedAt)
	if err != nil {
		return record.Record{}, err
	}

	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.State = record.State(state)
	rec.Result.Direction = record.Direction(direction)
	if failedAt.Valid {
		t := time.Unix(0, failedAt.Int64).UTC()
		rec.Result.FailedAt = &t
	}
	if err := json.Unmarshal([]byte(identifiers), &rec.Result.Identifiers); err != nil {
		return record.Record{}, fmt.Errorf("decode identifiers: %w", err)
	}
	if len(rec.Result.Identifiers) == 0 {
		rec.Result.Identifiers = nil
	}
	return rec, nil
}

func encodeIdentifiers(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode identifiers: %w", err)
	}
	return string(data), nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
