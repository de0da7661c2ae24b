// Package lock defines the distributed mutual-exclusion contract used to
// guarantee single-executor semantics per job.
//
// A lock is an atomic set-if-absent record with a TTL and an opaque
// fencing token. Release and Refresh are conditional on the token, so a
// holder whose lock expired and was re-acquired elsewhere cannot release
// or extend the new holder's lock.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
)

// Locker is the store-side lock primitive. Backends implement it with
// whatever atomic set-if-absent operation they have.
type Locker interface {
	// Acquire attempts to take the lock for key with the given TTL.
	// On success it returns the fencing token the caller must present to
	// Release or Refresh. Returns conveyor.ErrLockBusy if another holder
	// owns an unexpired lock on key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)

	// Release deletes the lock only if token still matches the stored
	// value. Returns conveyor.ErrLockLost when the lock expired or was
	// taken over by another holder.
	Release(ctx context.Context, key, token string) error

	// Refresh extends the TTL only if token still matches. Returns
	// conveyor.ErrLockLost when ownership was lost.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
}

// NewToken returns a fresh fencing token. Backends that generate tokens
// server-side may ignore this; the memory and redis stores use it.
func NewToken() string {
	return uuid.NewString()
}

// Guard is a held lock. It remembers the key and token so callers do not
// thread them through manually.
type Guard struct {
	locker Locker
	key    string
	token  string
}

// Acquire takes the lock for key and wraps it in a Guard.
func Acquire(ctx context.Context, l Locker, key string, ttl time.Duration) (*Guard, error) {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return &Guard{locker: l, key: key, token: token}, nil
}

// Key returns the locked key.
func (g *Guard) Key() string { return g.key }

// Token returns the fencing token for this hold.
func (g *Guard) Token() string { return g.token }

// Release gives up the lock. Safe to call with an already-expired hold;
// the conveyor.ErrLockLost result tells the caller ownership had lapsed.
func (g *Guard) Release(ctx context.Context) error {
	return g.locker.Release(ctx, g.key, g.token)
}

// Refresh extends the hold by ttl.
func (g *Guard) Refresh(ctx context.Context, ttl time.Duration) error {
	return g.locker.Refresh(ctx, g.key, g.token, ttl)
}

// AcquireWithRetry keeps attempting Acquire until it succeeds, ctx is
// done, or maxAttempts is exhausted. Delay between attempts comes from
// the backoff strategy. maxAttempts <= 0 means retry until ctx is done.
func AcquireWithRetry(ctx context.Context, l Locker, key string, ttl time.Duration, strategy backoff.Strategy, maxAttempts int) (*Guard, error) {
	if strategy == nil {
		strategy = backoff.Default()
	}

	attempt := 0
	for {
		attempt++

		guard, err := Acquire(ctx, l, key, ttl)
		if err == nil {
			return guard, nil
		}
		if !errors.Is(err, conveyor.ErrLockBusy) {
			return nil, err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, err
		}

		timer := time.NewTimer(strategy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// With acquires the lock, runs fn, and releases the lock afterwards.
// The release error is surfaced only when fn itself succeeded.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	guard, err := Acquire(ctx, l, key, ttl)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)

	if relErr := guard.Release(ctx); relErr != nil && fnErr == nil {
		return relErr
	}
	return fnErr
}
