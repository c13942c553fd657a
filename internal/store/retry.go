// retry.go -- transient-error classification and single-retry helper for Postgres calls.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// retryDelay is the pause before the single retry of a transient failure.
const retryDelay = 50 * time.Millisecond

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isTransient reports whether err is worth one more attempt: serialization or
// deadlock aborts, or a connection failure pgconn knows happened before any
// data reached the server.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}
	return pgconn.SafeToRetry(err)
}

// retryOnce runs fn, and if it fails with a transient error, waits retryDelay
// and runs it once more. Non-transient errors and ctx cancellation return immediately.
func retryOnce[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil || !isTransient(err) {
		return result, err
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-time.After(retryDelay):
	}
	return fn()
}
