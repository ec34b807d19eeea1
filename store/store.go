// Package store persists the final snapshots of finished jobs so they stay
// visible after the in-memory job table has evicted them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
)

var (
	// ErrJobNotFound is returned when no record exists for an id.
	ErrJobNotFound = errors.New("job not found in history")
)

var (
	jobsBucket = []byte("jobs")
)

// Store records terminal job snapshots.
type Store interface {
	SaveJob(snap jobs.Snapshot) error
	GetJob(id string) (*jobs.Snapshot, error)
	ListJobs(limit int) ([]jobs.Snapshot, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db  *bbolt.DB
	log *zap.Logger
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string, log *zap.Logger) (*BoltStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs bucket: %w", err)
	}

	return &BoltStore{db: db, log: log.Named("store")}, nil
}

// SaveJob writes snap, replacing any earlier record with the same id.
// Non-terminal snapshots are rejected.
func (s *BoltStore) SaveJob(snap jobs.Snapshot) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("job %s is %s, only finished jobs are recorded", snap.ID, snap.State)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := b.Put([]byte(snap.ID), data); err != nil {
			return fmt.Errorf("failed to put job: %w", err)
		}
		return nil
	})
}

// Record is a jobs.Manager finish hook. Failures are logged, never
// propagated to the job.
func (s *BoltStore) Record(snap jobs.Snapshot) {
	if err := s.SaveJob(snap); err != nil {
		s.log.Warn("failed to record job", zap.String("job_id", snap.ID), zap.Error(err))
	}
}

// GetJob retrieves one recorded job.
func (s *BoltStore) GetJob(id string) (*jobs.Snapshot, error) {
	var snap jobs.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &snap, nil
}

// ListJobs returns up to limit records, most recently finished first.
// limit <= 0 means all.
func (s *BoltStore) ListJobs(limit int) ([]jobs.Snapshot, error) {
	var out []jobs.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var snap jobs.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool { return finishedAt(out[a]).After(finishedAt(out[b])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func finishedAt(s jobs.Snapshot) time.Time {
	if s.FinishedAt != nil {
		return *s.FinishedAt
	}
	return s.CreatedAt
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
