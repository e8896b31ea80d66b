// Package store persists case registrations, run state, findings artifacts
// and the run audit trail. The pipeline depends only on the Store interface;
// the SQLite implementation backs production use and the in-memory one backs
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// ErrNotFound is returned when a case has not been registered.
var ErrNotFound = errors.New("store: case not found")

// CaseRecord is the current processing state of one registered case.
type CaseRecord struct {
	CaseID   string
	ScanPath string
	State    models.RunState

	// Stage names the pipeline stage the run last entered, for diagnosing
	// where a failed run stopped.
	Stage string

	// Error holds the failure message for a failed run, empty otherwise.
	Error string

	UpdatedAt time.Time
}

// RunEvent is one entry of the append-only run audit trail.
type RunEvent struct {
	RunID  string
	CaseID string
	State  models.RunState
	Stage  string
	Detail string
	At     time.Time
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	// RegisterCase records a case and its scan location in pending state.
	// Re-registering an existing case updates the scan location and resets
	// the state to pending.
	RegisterCase(ctx context.Context, caseID, scanPath string) error

	// ScanLocation returns the registered scan path for a case.
	ScanLocation(ctx context.Context, caseID string) (string, error)

	// GetStatus returns the case's current record, or ErrNotFound.
	GetStatus(ctx context.Context, caseID string) (CaseRecord, error)

	// UpsertStatus transitions the case's run state, recording the stage
	// reached and, for failures, the error message.
	UpsertStatus(ctx context.Context, caseID string, state models.RunState, stage, errMsg string) error

	// SaveFindings persists the finalized findings artifact for a case,
	// replacing any previous artifact.
	SaveFindings(ctx context.Context, caseID string, f *models.Findings) error

	// GetFindings returns the persisted findings for a case, or ErrNotFound.
	GetFindings(ctx context.Context, caseID string) (*models.Findings, error)

	// RecordRunEvent appends one audit-trail entry.
	RecordRunEvent(ctx context.Context, ev RunEvent) error

	// PendingCases lists case IDs currently in pending state, oldest first.
	PendingCases(ctx context.Context) ([]string, error)

	Close() error
}
