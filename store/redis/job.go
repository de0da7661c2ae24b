package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// allStates enumerates every index set for Counts and unfiltered List.
var allStates = []job.State{
	job.StatePending, job.StateRunning, job.StateStopped,
	job.StateSucceeded, job.StateFailed, job.StateCancelled,
}

// jobToMap flattens a job record into hash fields.
func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":          j.ID.String(),
		"type":        j.Type,
		"priority":    int(j.Priority),
		"state":       string(j.State),
		"progress":    j.Progress,
		"message":     j.Message,
		"error":       j.Error,
		"retry_count": j.RetryCount,
		"owner":       j.OwnerInstance,
		"cancel":      strconv.FormatBool(j.CancelRequested),
		"resume_from": j.ResumeFrom,
		"timeout_ms":  j.Timeout.Milliseconds(),
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(j.Payload) > 0 {
		m["payload"] = string(j.Payload)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

// mapToJob rebuilds a job record from hash fields.
func mapToJob(m map[string]string) (*job.Job, error) {
	jobID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("redis: corrupt job record: %w", err)
	}

	j := &job.Job{
		ID:            jobID,
		Type:          m["type"],
		State:         job.State(m["state"]),
		Message:       m["message"],
		Error:         m["error"],
		OwnerInstance: m["owner"],
		ResumeFrom:    m["resume_from"],
	}

	if v, ok := m["payload"]; ok && v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v, ok := m["priority"]; ok {
		p, _ := strconv.Atoi(v)
		j.Priority = job.Priority(p)
	}
	if v, ok := m["progress"]; ok {
		j.Progress, _ = strconv.Atoi(v)
	}
	if v, ok := m["retry_count"]; ok {
		j.RetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := m["cancel"]; ok {
		j.CancelRequested, _ = strconv.ParseBool(v)
	}
	if v, ok := m["timeout_ms"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		j.Timeout = time.Duration(ms) * time.Millisecond
	}

	parse := func(field string) (*time.Time, error) {
		v, ok := m[field]
		if !ok || v == "" {
			return nil, nil //nolint:nilnil // absent timestamp
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis: corrupt %s: %w", field, err)
		}
		return &t, nil
	}

	if t, err := parse("created_at"); err != nil {
		return nil, err
	} else if t != nil {
		j.CreatedAt = *t
	}
	if t, err := parse("updated_at"); err != nil {
		return nil, err
	} else if t != nil {
		j.UpdatedAt = *t
	}
	if j.StartedAt, err = parse("started_at"); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parse("finished_at"); err != nil {
		return nil, err
	}
	return j, nil
}

// Create implements job.Store.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	key := s.keys.job(j.ID)

	set, err := s.client.HSetNX(ctx, key, "id", j.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("redis: create job: %w", err)
	}
	if !set {
		return conveyor.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, s.keys.stateSet(j.State), j.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: create job: %w", err)
	}
	return nil
}

// Get implements job.Store.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m, err := s.client.HGetAll(ctx, s.keys.job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get job: %w", err)
	}
	if len(m) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(m)
}

// Update implements job.Store. The record moves between state index
// sets in one transaction; terminal records pick up the retention TTL.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	key := s.keys.job(j.ID)

	prev, err := s.client.HGet(ctx, key, "state").Result()
	if errors.Is(err, redis.Nil) {
		return conveyor.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: update job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	if prev != string(j.State) {
		pipe.SRem(ctx, s.keys.stateSet(job.State(prev)), j.ID.String())
		pipe.SAdd(ctx, s.keys.stateSet(j.State), j.ID.String())
	}
	if j.State.Terminal() && s.jobTTL > 0 {
		pipe.Expire(ctx, key, s.jobTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: update job: %w", err)
	}
	return nil
}

// SetCancelRequested implements job.Store with a single-field HSet so
// a concurrent whole-record Update from the executing worker cannot be
// reverted.
func (s *Store) SetCancelRequested(ctx context.Context, jobID id.JobID, v bool) error {
	key := s.keys.job(jobID)

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis: set cancel flag: %w", err)
	}
	if n == 0 {
		return conveyor.ErrJobNotFound
	}

	err = s.client.HSet(ctx, key,
		"cancel", strconv.FormatBool(v),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set cancel flag: %w", err)
	}
	return nil
}

// Delete implements job.Store.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.job(jobID))
	for _, st := range allStates {
		pipe.SRem(ctx, s.keys.stateSet(st), jobID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete job: %w", err)
	}
	return nil
}

// List implements job.Store. States narrow the index sets consulted;
// the remaining filters apply client-side.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	states := f.States
	if len(states) == 0 {
		states = allStates
	}

	var ids []string
	for _, st := range states {
		members, err := s.client.SMembers(ctx, s.keys.stateSet(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: list jobs: %w", err)
		}
		ids = append(ids, members...)
	}

	var out []*job.Job
	for _, raw := range ids {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			continue
		}
		j, err := s.Get(ctx, jobID)
		if errors.Is(err, conveyor.ErrJobNotFound) {
			// Record expired under us; drop the stale index entry.
			continue
		}
		if err != nil {
			return nil, err
		}

		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if !f.FinishedBefore.IsZero() {
			if j.FinishedAt == nil || !j.FinishedAt.Before(f.FinishedBefore) {
				continue
			}
		}

		out = append(out, j)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Counts implements job.Store.
func (s *Store) Counts(ctx context.Context) (map[job.State]int, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[job.State]*redis.IntCmd, len(allStates))
	for _, st := range allStates {
		cmds[st] = pipe.SCard(ctx, s.keys.stateSet(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: counts: %w", err)
	}

	counts := make(map[job.State]int, len(allStates))
	for st, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[st] = int(n)
		}
	}
	return counts, nil
}
