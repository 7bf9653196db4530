package storage

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gaohao-creator/turbocore/errors"
)

const (
	maxRetries = 100
	baseDelay  = 10 * time.Millisecond
	maxDelay   = 25 * time.Millisecond
)

// isRetryableError checks if the error is a lock conflict worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

// retry runs f until it succeeds, fails for a reason other than locking, or
// ctx is done.
func retry(ctx context.Context, logger *zap.Logger, action string, f func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = f()
		if !isRetryableError(err) {
			return err
		}

		// backoff with up to 50% jitter
		delay := time.Duration(attempt+1) * baseDelay
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(rand.Int64N(int64(delay) / 2))
		logger.Warn("sqlite retry", zap.String("action", action), zap.Int("attempt", attempt+1), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
