package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// SQLStore persists cases, findings and run events in a SQLite database.
// All methods are safe for concurrent use through the database handle.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	case_id    TEXT PRIMARY KEY,
	scan_path  TEXT NOT NULL,
	state      TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS findings (
	case_id    TEXT PRIMARY KEY REFERENCES cases(case_id),
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	case_id TEXT NOT NULL,
	state   TEXT NOT NULL,
	stage   TEXT NOT NULL,
	detail  TEXT NOT NULL,
	at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_case ON run_events(case_id, at);
`

// OpenSQL opens (creating if needed) the SQLite database at path and ensures
// the schema exists.
func OpenSQL(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent pipeline and CLI access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) RegisterCase(ctx context.Context, caseID, scanPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (case_id, scan_path, state, stage, error, updated_at)
		VALUES (?, ?, ?, '', '', ?)
		ON CONFLICT(case_id) DO UPDATE SET
			scan_path = excluded.scan_path,
			state = excluded.state,
			stage = '',
			error = '',
			updated_at = excluded.updated_at`,
		caseID, scanPath, string(models.StatePending), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register case %s: %w", caseID, err)
	}
	return nil
}

func (s *SQLStore) ScanLocation(ctx context.Context, caseID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT scan_path FROM cases WHERE case_id = ?`, caseID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query scan location for %s: %w", caseID, err)
	}
	return path, nil
}

func (s *SQLStore) GetStatus(ctx context.Context, caseID string) (CaseRecord, error) {
	var rec CaseRecord
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, scan_path, state, stage, error, updated_at
		FROM cases WHERE case_id = ?`, caseID).
		Scan(&rec.CaseID, &rec.ScanPath, &state, &rec.Stage, &rec.Error, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return CaseRecord{}, ErrNotFound
	}
	if err != nil {
		return CaseRecord{}, fmt.Errorf("query status for %s: %w", caseID, err)
	}
	rec.State = models.RunState(state)
	return rec, nil
}

func (s *SQLStore) UpsertStatus(ctx context.Context, caseID string, state models.RunState, stage, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET state = ?, stage = ?, error = ?, updated_at = ?
		WHERE case_id = ?`,
		string(state), stage, errMsg, time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", caseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status for %s: %w", caseID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SaveFindings(ctx context.Context, caseID string, f *models.Findings) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal findings for %s: %w", caseID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (case_id, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at`,
		caseID, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save findings for %s: %w", caseID, err)
	}
	return nil
}

func (s *SQLStore) GetFindings(ctx context.Context, caseID string) (*models.Findings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM findings WHERE case_id = ?`, caseID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query findings for %s: %w", caseID, err)
	}
	var f models.Findings
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("decode findings for %s: %w", caseID, err)
	}
	return &f, nil
}

func (s *SQLStore) RecordRunEvent(ctx context.Context, ev RunEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, case_id, state, stage, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.CaseID, string(ev.State), ev.Stage, ev.Detail, at)
	if err != nil {
		return fmt.Errorf("record run event for %s: %w", ev.CaseID, err)
	}
	return nil
}

func (s *SQLStore) PendingCases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id FROM cases WHERE state = ? ORDER BY updated_at ASC`,
		string(models.StatePending))
	if err != nil {
		return nil, fmt.Errorf("query pending cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending case: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
