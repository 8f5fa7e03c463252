package events

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore records lifecycle events in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the event database at path. ":memory:" is
// accepted for tests.
func NewSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS service_events(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		service TEXT NOT NULL,
		pid INTEGER NOT NULL,
		event TEXT NOT NULL,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_events(occurred_at, service, pid, event, detail) VALUES(?,?,?,?,?)`,
		rec.OccurredAt.UTC(), rec.Service, rec.PID, rec.Event, rec.Detail)
	return err
}

func (s *SQLiteStore) Recent(ctx context.Context, service string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if service == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT occurred_at, service, pid, event, COALESCE(detail,'')
			 FROM service_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT occurred_at, service, pid, event, COALESCE(detail,'')
			 FROM service_events WHERE service = ? ORDER BY occurred_at DESC LIMIT ?`, service, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.OccurredAt, &rec.Service, &rec.PID, &rec.Event, &rec.Detail); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
