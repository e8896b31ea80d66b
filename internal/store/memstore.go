package store

import (
	"context"
	"sync"
	"time"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// MemStore is an in-memory Store used in tests and single-shot CLI runs that
// have no database configured.
type MemStore struct {
	mu       sync.Mutex
	cases    map[string]CaseRecord
	findings map[string]*models.Findings
	events   []RunEvent
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		cases:    make(map[string]CaseRecord),
		findings: make(map[string]*models.Findings),
	}
}

func (s *MemStore) RegisterCase(_ context.Context, caseID, scanPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[caseID] = CaseRecord{
		CaseID:    caseID,
		ScanPath:  scanPath,
		State:     models.StatePending,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemStore) ScanLocation(_ context.Context, caseID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[caseID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.ScanPath, nil
}

func (s *MemStore) GetStatus(_ context.Context, caseID string) (CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[caseID]
	if !ok {
		return CaseRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) UpsertStatus(_ context.Context, caseID string, state models.RunState, stage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	rec.State = state
	rec.Stage = stage
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	s.cases[caseID] = rec
	return nil
}

func (s *MemStore) SaveFindings(_ context.Context, caseID string, f *models.Findings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.findings[caseID] = &cp
	return nil
}

func (s *MemStore) GetFindings(_ context.Context, caseID string) (*models.Findings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemStore) RecordRunEvent(_ context.Context, ev RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemStore) PendingCases(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type pending struct {
		id string
		at time.Time
	}
	var ps []pending
	for id, rec := range s.cases {
		if rec.State == models.StatePending {
			ps = append(ps, pending{id, rec.UpdatedAt})
		}
	}
	// Oldest first, then by ID for a stable order within one timestamp.
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0; j-- {
			a, b := ps[j-1], ps[j]
			if b.at.Before(a.at) || (b.at.Equal(a.at) && b.id < a.id) {
				ps[j-1], ps[j] = b, a
			} else {
				break
			}
		}
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.id
	}
	return ids, nil
}

// Events returns a copy of the recorded audit trail.
func (s *MemStore) Events() []RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemStore) Close() error { return nil }
