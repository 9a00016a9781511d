package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"identity-service/internal/locking"
	"identity-service/internal/repository"
)

// Engine errors. Every failure returned by the services wraps exactly one of
// these; callers branch with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrExpired         = errors.New("expired")
	ErrRateLimited     = errors.New("rate limited")
)

// errUnchanged lets an update callback skip the write without failing.
var errUnchanged = errors.New("unchanged")

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// translate maps storage errors onto the engine taxonomy. Anything it does
// not recognise is returned unchanged as an internal failure.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrAlreadyExists):
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	case errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%w: %s was modified concurrently", ErrConflict, what)
	case errors.Is(err, locking.ErrLockTimeout):
		return fmt.Errorf("%w: %s is busy", ErrConflict, what)
	}
	return err
}

// retryOnConflict runs op until it succeeds, fails with anything other than
// a version conflict, or has been retried maxRetries times.
func retryOnConflict(ctx context.Context, maxRetries int, op func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
}

// lockKey acquires key on locker, waiting at most wait.
func lockKey(ctx context.Context, locker locking.Locker, key string, wait time.Duration) (func(), error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return nil, translate(err, key)
	}
	return unlock, nil
}
