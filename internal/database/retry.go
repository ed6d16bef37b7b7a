package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "docrelay/internal/errors"
	"docrelay/internal/retry"
)

// withRetry runs op under the default retry policy, retrying only lock
// contention and transient I/O errors.
func withRetry(ctx context.Context, name string, op func() error) error {
	attempts := 0
	err := retry.Do(ctx, retry.DefaultPolicy(), func(context.Context) error {
		attempts++
		return op()
	}, retry.If(isRetryableDBError))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case !isRetryableDBError(err):
		return apperrors.NewDatabaseError(name, fmt.Errorf("%s failed (non-retryable): %w", name, err))
	default:
		return apperrors.NewDatabaseError(name, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)).
			WithContext("attempts", attempts)
	}
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "disk I/O error")
}
