package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/eunmann/s3-inv-query/pkg/logging"
)

var (
	// ErrSourceUnavailable marks a transient failure that persisted
	// through every retry attempt.
	ErrSourceUnavailable = errors.New("s3 source unavailable")

	// ErrKeyNotFound marks a missing object. Never retried.
	ErrKeyNotFound = errors.New("s3 key not found")
)

// RetryPolicy bounds how transient S3 failures are retried: MaxAttempts
// total calls with BaseDelay backoff doubling between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts starting at
// 500ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, fails terminally, or exhausts the retry
// budget. Exhaustion wraps ErrSourceUnavailable around the last error so
// callers can classify with errors.Is.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if terminal := classifyTerminal(lastErr); terminal != nil {
			return terminal
		}
		if attempt == attempts {
			break
		}

		logging.L().Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(lastErr).
			Msg("retrying s3 call")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrSourceUnavailable, attempts, lastErr)
}

// classifyTerminal returns a non-nil error when retrying cannot help:
// the object or bucket does not exist, or access is denied. Returns nil
// for anything transient (throttles, timeouts, 5xx).
func classifyTerminal(err error) error {
	if err == nil {
		return nil
	}

	// Context errors are terminal for the caller but keep their own
	// identity so cancellation is distinguishable upstream.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("bucket does not exist: %w", err)
	}

	// Operations like HeadObject report plain API error codes instead of
	// modeled types; match on the code as well.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("bucket does not exist: %w", err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("access denied: %w", err)
		}
	}

	return nil
}
