// Package source defines the source platform collaborator: timeline and
// single-post fetches, plus the retry policy for its flaky scraping-based
// transports.
//
// Concrete clients live outside the sync engine; the crawler and resolver
// only see this interface.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/kagamibot/kagami/internal/types"
)

// Client fetches posts from the source platform.
type Client interface {
	// Timeline returns posts with ids greater than sinceID, oldest first.
	Timeline(ctx context.Context, screenName string, sinceID int64) ([]*types.SourcePost, error)
	// Post fetches a single post by id. Returns ErrNotFound for deleted or
	// protected posts.
	Post(ctx context.Context, id int64) (*types.SourcePost, error)
}

// Sentinel errors implementations wrap so the retry policy can classify
// failures.
var (
	ErrNotFound = errors.New("post not found")
	// ErrRateLimited means back off long before the next attempt.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthExpired is fatal for the account loop: the operator must
	// re-login. Never retried.
	ErrAuthExpired = errors.New("source authentication expired")
	// ErrAccountLocked is fatal: the source account is locked or suspended.
	ErrAccountLocked = errors.New("source account locked or suspended")
)

// Fatal reports whether an error must be surfaced to the operator instead
// of retried.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAccountLocked)
}

// Retryer retries source calls with exponential backoff and rate-limit
// aware waits.
type Retryer struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Log         zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer returns the default retry policy.
func NewRetryer(log zerolog.Logger) *Retryer {
	return &Retryer{
		MaxAttempts: 5,
		Base:        5 * time.Second,
		Max:         2 * time.Minute,
		Log:         log,
	}
}

// Do runs fn until it succeeds, a fatal error occurs, the context is
// cancelled or the attempts are exhausted. ErrNotFound is returned
// immediately: absence is an answer, not a failure.
func (r *Retryer) Do(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if Fatal(err) {
			r.Log.Error().Err(err).Str("call", label).Msg("fatal source error")
			return err
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}

		wait := r.backoff(attempt, err)
		r.Log.Warn().Err(err).Str("call", label).
			Int("attempt", attempt).Int("max", r.MaxAttempts).
			Dur("wait", wait).Msg("source call failed")
		lastErr = err

		if attempt == r.MaxAttempts {
			break
		}
		if err := r.doSleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (r *Retryer) backoff(attempt int, err error) time.Duration {
	if errors.Is(err, ErrRateLimited) {
		wait := time.Duration(attempt) * time.Minute
		if wait > 5*time.Minute {
			wait = 5 * time.Minute
		}
		return wait
	}
	wait := r.Base
	for i := 1; i < attempt; i++ {
		wait *= 2
	}
	if wait > r.Max {
		wait = r.Max
	}
	return wait
}

func (r *Retryer) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
