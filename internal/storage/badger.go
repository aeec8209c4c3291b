package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"clinical-risk-service/internal/models"
)

const (
	transcriptPrefix = "transcript/"
	flagPrefix       = "flag/"
	jobPrefix        = "job/"
)

// BadgerStore is a Store backed by an embedded Badger database. Values
// are JSON encoded.
type BadgerStore struct {
	db *badger.DB

	mu        sync.Mutex
	lastSaved int64
}

// NewBadgerStore opens (or creates) a Badger database under path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func transcriptKey(sessionID string) []byte { return []byte(transcriptPrefix + sessionID) }
func flagSessionPrefix(sessionID string) []byte {
	return []byte(flagPrefix + sessionID + "/")
}
func flagKey(sessionID, flagID string) []byte {
	return []byte(flagPrefix + sessionID + "/" + flagID)
}
func jobKey(id string) []byte { return []byte(jobPrefix + id) }

func (s *BadgerStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) nextSavedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savedAt(&s.lastSaved)
}

func (s *BadgerStore) SaveTranscript(_ context.Context, rec *models.TranscriptRecord) error {
	return s.put(transcriptKey(rec.SessionID), rec)
}

func (s *BadgerStore) GetTranscript(_ context.Context, sessionID string) (*models.TranscriptRecord, error) {
	var rec models.TranscriptRecord
	if err := s.get(transcriptKey(sessionID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) SaveFlag(ctx context.Context, sessionID string, flag models.RiskFlag) error {
	return s.SaveFlags(ctx, sessionID, []models.RiskFlag{flag})
}

func (s *BadgerStore) SaveFlags(_ context.Context, sessionID string, flags []models.RiskFlag) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setFlags(txn, sessionID, flags)
	})
}

func (s *BadgerStore) setFlags(txn *badger.Txn, sessionID string, flags []models.RiskFlag) error {
	for _, f := range flags {
		data, err := json.Marshal(storedFlag{Flag: f, SavedAt: s.nextSavedAt()})
		if err != nil {
			return fmt.Errorf("failed to marshal flag %s: %w", f.ID, err)
		}
		if err := txn.Set(flagKey(sessionID, f.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) ReplaceFlags(_ context.Context, sessionID string, flags []models.RiskFlag) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := flagSessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		var stale [][]byte
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return s.setFlags(txn, sessionID, flags)
	})
}

func (s *BadgerStore) ListFlags(_ context.Context, sessionID string) ([]models.RiskFlag, error) {
	var stored []storedFlag
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := flagSessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var f storedFlag
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return err
			}
			stored = append(stored, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	return sortStoredFlags(stored), nil
}

func (s *BadgerStore) SaveJob(_ context.Context, job *models.BatchJob) error {
	return s.put(jobKey(job.ID), job)
}

func (s *BadgerStore) GetJob(_ context.Context, id string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := s.get(jobKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BadgerStore) ListJobs(_ context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error) {
	match := statusFilter(statuses)
	var out []*models.BatchJob
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(jobPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job models.BatchJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if match(job.Status) {
				out = append(out, &job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sortJobs(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
