// internal/perception/retry.go
package perception

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retry runs op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, or maxElapsed passes. A zero maxElapsed disables retries.
func retry(ctx context.Context, logger *zap.Logger, maxElapsed time.Duration, op func() error) error {
	if maxElapsed <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	notify := func(err error, wait time.Duration) {
		logger.Warn("Model request failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// canceled reports whether err came from the caller's context ending.
// Provider error values are not always comparable, so callers branch on
// this instead of comparing errors.
func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
