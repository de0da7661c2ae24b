package conveyor

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// Storer is the minimal store interface held by the Coordinator.
// It covers lifecycle operations only. The subsystem interfaces
// (job.Store, workflow.Store, lock.Locker) are type-asserted from it
// by the engine layer; backends implement all of them.
type Storer interface {
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Coordinator is the per-process root of a conveyor instance. It holds
// the configuration, the structured logger, and the coordination store
// client — injected once at startup and torn down once at shutdown,
// never re-created mid-run.
//
// Create one with New() and functional options, then wire the
// subsystems with engine.Build.
type Coordinator struct {
	config Config
	logger *slog.Logger
	store  Storer
	pool   poolRunner

	started bool
}

// New creates a Coordinator with the given options.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }

// Store returns the coordinator's store.
func (c *Coordinator) Store() Storer { return c.store }

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() Config { return c.config }

// SetPool sets the worker pool (called by the engine layer).
func (c *Coordinator) SetPool(p poolRunner) { c.pool = p }

// Start begins job processing.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.pool == nil {
		return ErrNoStore
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.pool != nil && c.started {
		if err := c.pool.Stop(ctx); err != nil {
			c.logger.Error("pool stop error", "error", err)
		}
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithKeyPrefix namespaces the coordination keys. Instances sharing a
// store must agree on it.
func WithKeyPrefix(prefix string) Option {
	return func(c *Coordinator) error {
		c.config.KeyPrefix = prefix
		return nil
	}
}

// WithConcurrency sets the number of concurrent worker slots.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithQueueCapacity bounds the in-memory priority queue.
func WithQueueCapacity(n int) Option {
	return func(c *Coordinator) error {
		c.config.QueueCapacity = n
		return nil
	}
}

// WithLockTTL sets the expiry applied to per-job locks.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.config.LockTTL = d
		return nil
	}
}

// WithJobRetention sets how long terminal job records stay queryable.
func WithJobRetention(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.config.JobRetention = d
		return nil
	}
}

// WithLogger sets the structured logger for the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the coordination store backend. The store must
// implement Storer at minimum; typically it also implements job.Store,
// workflow.Store, and lock.Locker.
func WithStore(s Storer) Option {
	return func(c *Coordinator) error {
		c.store = s
		return nil
	}
}
