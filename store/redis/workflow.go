package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/workflow"
)

// SaveCheckpoint implements workflow.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID id.JobID, step string, output json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.checkpointTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.checkpoint(jobID, step), []byte(output), ttl)
	pipe.SAdd(ctx, s.keys.checkpointIndex(jobID), step)
	// The index outlives the longest checkpoint by a margin; stale
	// entries are tolerated on delete.
	pipe.Expire(ctx, s.keys.checkpointIndex(jobID), ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save checkpoint %s/%s: %w", jobID, step, err)
	}
	return nil
}

// GetCheckpoint implements workflow.Store.
func (s *Store) GetCheckpoint(ctx context.Context, jobID id.JobID, step string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.keys.checkpoint(jobID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get checkpoint %s/%s: %w", jobID, step, err)
	}
	return json.RawMessage(data), nil
}

// DeleteCheckpoints implements workflow.Store.
func (s *Store) DeleteCheckpoints(ctx context.Context, jobID id.JobID) error {
	indexKey := s.keys.checkpointIndex(jobID)

	steps, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("redis: delete checkpoints %s: %w", jobID, err)
	}

	pipe := s.client.TxPipeline()
	for _, step := range steps {
		pipe.Del(ctx, s.keys.checkpoint(jobID, step))
	}
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete checkpoints %s: %w", jobID, err)
	}
	return nil
}
