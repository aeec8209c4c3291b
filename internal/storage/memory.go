package storage

import (
	"context"
	"sync"

	"clinical-risk-service/internal/models"
)

// MemoryStore is a Store backed by process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]models.TranscriptRecord
	flags       map[string]map[string]storedFlag
	jobs        map[string]models.BatchJob
	lastSaved   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string]models.TranscriptRecord),
		flags:       make(map[string]map[string]storedFlag),
		jobs:        make(map[string]models.BatchJob),
	}
}

func (s *MemoryStore) SaveTranscript(_ context.Context, rec *models.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Fragments = append([]models.TranscriptFragment(nil), rec.Fragments...)
	s.transcripts[rec.SessionID] = cp
	return nil
}

func (s *MemoryStore) GetTranscript(_ context.Context, sessionID string) (*models.TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transcripts[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Fragments = append([]models.TranscriptFragment(nil), rec.Fragments...)
	return &rec, nil
}

func (s *MemoryStore) SaveFlag(ctx context.Context, sessionID string, flag models.RiskFlag) error {
	return s.SaveFlags(ctx, sessionID, []models.RiskFlag{flag})
}

func (s *MemoryStore) SaveFlags(_ context.Context, sessionID string, flags []models.RiskFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.flags[sessionID]
	if !ok {
		set = make(map[string]storedFlag)
		s.flags[sessionID] = set
	}
	for _, f := range flags {
		set[f.ID] = storedFlag{Flag: f, SavedAt: savedAt(&s.lastSaved)}
	}
	return nil
}

func (s *MemoryStore) ReplaceFlags(_ context.Context, sessionID string, flags []models.RiskFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]storedFlag, len(flags))
	for _, f := range flags {
		set[f.ID] = storedFlag{Flag: f, SavedAt: savedAt(&s.lastSaved)}
	}
	s.flags[sessionID] = set
	return nil
}

func (s *MemoryStore) ListFlags(_ context.Context, sessionID string) ([]models.RiskFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.flags[sessionID]
	stored := make([]storedFlag, 0, len(set))
	for _, f := range set {
		stored = append(stored, f)
	}
	return sortStoredFlags(stored), nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := statusFilter(statuses)
	var out []*models.BatchJob
	for _, job := range s.jobs {
		if match(job.Status) {
			j := job
			out = append(out, &j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
