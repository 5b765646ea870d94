package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	writeRetries   = 3
	writeBaseDelay = 20 * time.Millisecond
)

// SQLSTATEs worth another attempt: serialization_failure and deadlock_detected.
var retriableCodes = []string{"40001", "40P01"}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && slices.Contains(retriableCodes, pgErr.Code)
}

// WithRetry runs fn and retries it up to maxRetries more times while it fails
// with a transient Postgres conflict. The wait before attempt n is
// baseDelay*2^n plus up to the same again in jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < maxRetries && isRetriable(err); attempt++ {
		delay := baseDelay << attempt
		delay += time.Duration(rand.Int64N(int64(delay) + 1)) //nolint:gosec // jitter only
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}
