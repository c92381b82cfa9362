// Package retrysql wraps transient infrastructure failures (lost
// connections, deadlocks, serialization failures) in a short bounded
// retry, distinct from the per-command BackoffSchedule a Worker applies
// to a handler's own TransientError. It exists so that "local recovery
// vs surface" has one place to live instead of being re-implemented at every call site that talks to
// Postgres or the queue extension.
package retrysql

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config parameterizes Do's bounded exponential retry.
type Config struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
}

// Permanent marks err as not worth retrying, mirroring
// backoff.Permanent: Do unwraps it and returns the inner error
// immediately instead of retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do retries op with exponential backoff bounded by cfg.MaxElapsedTime,
// stopping early if ctx is canceled or op returns an error wrapped with
// Permanent. A zero Config applies library defaults (roughly 500ms
// initial interval, 15 minutes elapsed) which is almost always too
// generous for in-dispatch use; callers should supply MaxElapsedTime
// explicitly.
func Do(ctx context.Context, cfg Config, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		expo.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxElapsedTime > 0 {
		expo.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}
