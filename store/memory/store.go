// Package memory provides an in-memory coordination store for tests
// and single-process development. It implements job.Store,
// workflow.Store, and lock.Locker with the same semantics as the redis
// backend, TTLs included.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/lock"
	"github.com/conveyorhq/conveyor/workflow"
)

type lockRecord struct {
	token     string
	expiresAt time.Time
}

type checkpoint struct {
	data      json.RawMessage
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory coordination store.
type Store struct {
	mu          sync.RWMutex
	jobs        map[string]*job.Job
	locks       map[string]lockRecord
	checkpoints map[string]map[string]checkpoint // jobID -> step -> checkpoint
	closed      bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		locks:       make(map[string]lockRecord),
		checkpoints: make(map[string]map[string]checkpoint),
	}
}

// Ping implements conveyor.Storer.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conveyor.ErrStoreClosed
	}
	return nil
}

// Close implements conveyor.Storer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return conveyor.ErrStoreClosed
	}
	return nil
}

// ---------------------------------------------------------------------------
// job.Store
// ---------------------------------------------------------------------------

// Create implements job.Store.
func (s *Store) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := j.ID.String()
	if _, exists := s.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	s.jobs[key] = j.Clone()
	return nil
}

// Get implements job.Store.
func (s *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return j.Clone(), nil
}

// Update implements job.Store.
func (s *Store) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := j.ID.String()
	if _, ok := s.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	s.jobs[key] = j.Clone()
	return nil
}

// SetCancelRequested implements job.Store.
func (s *Store) SetCancelRequested(_ context.Context, jobID id.JobID, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	j.CancelRequested = v
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements job.Store.
func (s *Store) Delete(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	delete(s.jobs, jobID.String())
	return nil
}

// List implements job.Store.
func (s *Store) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*job.Job
	for _, j := range s.jobs {
		if !matches(j, f) {
			continue
		}
		out = append(out, j.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(j *job.Job, f job.Filter) bool {
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if j.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.FinishedBefore.IsZero() {
		if j.FinishedAt == nil || !j.FinishedAt.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}

// Counts implements job.Store.
func (s *Store) Counts(_ context.Context) (map[job.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	counts := make(map[job.State]int)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// lock.Locker
// ---------------------------------------------------------------------------

// Acquire implements lock.Locker.
func (s *Store) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	now := time.Now()
	if rec, held := s.locks[key]; held && rec.expiresAt.After(now) {
		return "", conveyor.ErrLockBusy
	}

	token := lock.NewToken()
	s.locks[key] = lockRecord{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// Release implements lock.Locker. Compare-and-delete: a stale holder
// cannot evict the current one.
func (s *Store) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec, held := s.locks[key]
	if !held || rec.token != token || !rec.expiresAt.After(time.Now()) {
		return conveyor.ErrLockLost
	}
	delete(s.locks, key)
	return nil
}

// Refresh implements lock.Locker. Compare-and-expire.
func (s *Store) Refresh(_ context.Context, key, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec, held := s.locks[key]
	if !held || rec.token != token || !rec.expiresAt.After(time.Now()) {
		return conveyor.ErrLockLost
	}
	rec.expiresAt = time.Now().Add(ttl)
	s.locks[key] = rec
	return nil
}

// ---------------------------------------------------------------------------
// workflow.Store
// ---------------------------------------------------------------------------

// SaveCheckpoint implements workflow.Store.
func (s *Store) SaveCheckpoint(_ context.Context, jobID id.JobID, step string, output json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := jobID.String()
	if s.checkpoints[key] == nil {
		s.checkpoints[key] = make(map[string]checkpoint)
	}

	cp := checkpoint{data: append(json.RawMessage(nil), output...)}
	if ttl > 0 {
		cp.expiresAt = time.Now().Add(ttl)
	}
	s.checkpoints[key][step] = cp
	return nil
}

// GetCheckpoint implements workflow.Store.
func (s *Store) GetCheckpoint(_ context.Context, jobID id.JobID, step string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cp, ok := s.checkpoints[jobID.String()][step]
	if !ok {
		return nil, workflow.ErrCheckpointNotFound
	}
	if !cp.expiresAt.IsZero() && !cp.expiresAt.After(time.Now()) {
		return nil, workflow.ErrCheckpointNotFound
	}
	return append(json.RawMessage(nil), cp.data...), nil
}

// DeleteCheckpoints implements workflow.Store.
func (s *Store) DeleteCheckpoints(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	delete(s.checkpoints, jobID.String())
	return nil
}
