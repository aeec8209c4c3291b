// Package storage persists session transcripts, risk flags and batch jobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"clinical-risk-service/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence port used by the session controller, the
// batch queue and the reprocessing handler.
type Store interface {
	SaveTranscript(ctx context.Context, rec *models.TranscriptRecord) error
	GetTranscript(ctx context.Context, sessionID string) (*models.TranscriptRecord, error)

	// SaveFlag persists one flag keyed by (sessionID, flag.ID). It must be
	// durable when it returns.
	SaveFlag(ctx context.Context, sessionID string, flag models.RiskFlag) error
	SaveFlags(ctx context.Context, sessionID string, flags []models.RiskFlag) error
	// ReplaceFlags atomically swaps the session's flag set.
	ReplaceFlags(ctx context.Context, sessionID string, flags []models.RiskFlag) error
	ListFlags(ctx context.Context, sessionID string) ([]models.RiskFlag, error)

	SaveJob(ctx context.Context, job *models.BatchJob) error
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	// ListJobs returns jobs with any of the given statuses, or all jobs
	// when none are given, oldest first.
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error)

	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Backend string // badger, memory
	Path    string
}

// Open creates the configured store.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "badger":
		return NewBadgerStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type storedFlag struct {
	Flag    models.RiskFlag `json:"flag"`
	SavedAt int64           `json:"savedAt"`
}

func sortStoredFlags(flags []storedFlag) []models.RiskFlag {
	sort.SliceStable(flags, func(i, j int) bool {
		if flags[i].SavedAt != flags[j].SavedAt {
			return flags[i].SavedAt < flags[j].SavedAt
		}
		return flags[i].Flag.ID < flags[j].Flag.ID
	})
	out := make([]models.RiskFlag, len(flags))
	for i, f := range flags {
		out[i] = f.Flag
	}
	return out
}

func sortJobs(jobs []*models.BatchJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func statusFilter(statuses []models.JobStatus) func(models.JobStatus) bool {
	if len(statuses) == 0 {
		return func(models.JobStatus) bool { return true }
	}
	set := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return func(s models.JobStatus) bool { return set[s] }
}

// savedAt returns a monotonically increasing timestamp for flag ordering.
func savedAt(prev *int64) int64 {
	now := time.Now().UnixNano()
	if now <= *prev {
		now = *prev + 1
	}
	*prev = now
	return now
}
