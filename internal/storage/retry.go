package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryBaseDelay is the first backoff step for transactional writes.
const retryBaseDelay = 20 * time.Millisecond

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// isRetriable reports whether err is a transient conflict between
// concurrent transactions, the kind a fresh attempt resolves.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// withRetry runs fn and re-runs it while it fails with a serialization or
// deadlock error, up to maxRetries extra attempts with jittered exponential
// backoff from baseDelay.
//
// Every transactional write goes through it via inTx: trace creation with
// its root instance, child expansion under share-locked ancestors, the
// report upsert keyed by (trace_id, task_id), and bulk signal updates over
// a subtree. Those are the writes where concurrent workers and control
// calls contend on the same rows, so fn must be safe to repeat from the
// start of its transaction.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt >= maxRetries {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
