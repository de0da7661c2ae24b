// Package redis implements the coordination store on Redis: job
// records as hashes with per-state index sets, workflow checkpoints as
// TTL'd string keys, and locks as SET NX keys with Lua-scripted
// conditional release.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the namespace prepended to every key. Defaults to
// "conveyor".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys.prefix = prefix }
}

// WithJobTTL sets the retention applied to terminal job records. Zero
// disables store-side expiry (the engine's janitor still sweeps).
func WithJobTTL(d time.Duration) Option {
	return func(s *Store) { s.jobTTL = d }
}

// WithCheckpointTTL sets the default checkpoint expiry used when a
// step does not configure its own cache TTL.
func WithCheckpointTTL(d time.Duration) Option {
	return func(s *Store) { s.checkpointTTL = d }
}

// Store is a Redis-backed coordination store. It implements job.Store,
// workflow.Store, and lock.Locker.
type Store struct {
	client        redis.UniversalClient
	keys          keys
	jobTTL        time.Duration
	checkpointTTL time.Duration
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle except for Close, which closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:        client,
		keys:          keys{prefix: "conveyor"},
		jobTTL:        72 * time.Hour,
		checkpointTTL: 2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping implements conveyor.Storer.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements conveyor.Storer.
func (s *Store) Close() error {
	return s.client.Close()
}
