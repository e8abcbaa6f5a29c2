package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/repo"
)

const retryInitialInterval = 50 * time.Millisecond

// withRetry runs fn until it succeeds, returns a non-transient error or the
// attempt budget is spent. Sentinel repository errors and typed app errors
// are final on the first attempt.
func withRetry(ctx context.Context, retries uint64, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func transient(err error) bool {
	switch {
	case errors.Is(err, repo.ErrConflict),
		errors.Is(err, repo.ErrDuplicate),
		errors.Is(err, repo.ErrAlreadyGranted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case apperr.As(err) != nil:
		return false
	}
	return true
}

// dependencyError wraps a store failure that survived retries.
func dependencyError(err error, message string) error {
	if ae := apperr.As(err); ae != nil {
		return ae
	}
	return apperr.Wrap(apperr.CodeDependency, err, message)
}
