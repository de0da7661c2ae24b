package conveyor

import "time"

// Config holds configuration for a Coordinator instance.
type Config struct {
	// KeyPrefix namespaces every coordination key this instance writes.
	KeyPrefix string

	// Concurrency is the number of worker slots pulling from the queue.
	Concurrency int

	// QueueCapacity bounds the in-memory priority queue. Submissions
	// beyond capacity fail with ErrQueueFull.
	QueueCapacity int

	// LockTTL is the expiry applied to per-job locks. A holder that dies
	// without releasing leaves the job acquirable after this window.
	LockTTL time.Duration

	// JobRetention is how long terminal job records stay queryable in
	// the coordination store before the janitor expires them.
	JobRetention time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight jobs to
	// reach a step boundary during graceful shutdown.
	ShutdownTimeout time.Duration

	// JanitorInterval is how often the retention janitor sweeps terminal
	// jobs. Zero disables the janitor.
	JanitorInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "conveyor",
		Concurrency:     8,
		QueueCapacity:   1024,
		LockTTL:         30 * time.Second,
		JobRetention:    72 * time.Hour,
		ShutdownTimeout: 30 * time.Second,
		JanitorInterval: 10 * time.Minute,
	}
}
