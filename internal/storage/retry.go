package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const maxTxRetries = 3

// retryableTxError reports whether the error is a deadlock (40P01), a
// serialization failure (40001), or a lost race on the single-open-position
// index. All are safe to retry once the aborted transaction has been rolled
// back; the retry of a position conflict lands on the winner's row.
func retryableTxError(err error) bool {
	if errors.Is(err, ErrPositionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}
	return false
}

// isUniqueViolation matches 23505, raised when an insert loses the race on
// uq_positions_open.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// withTxRetry runs fn up to maxTxRetries times, backing off exponentially
// between attempts that failed with a retryable conflict.
func withTxRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryableTxError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
