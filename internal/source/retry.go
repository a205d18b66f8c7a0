package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// retrying decorates a Connector with exponential backoff. After the budget
// is exhausted the fetch fails with domain.FetchFailed; there is no partial
// success.
type retrying struct {
	inner     Connector
	logger    *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
}

// WithRetry wraps a connector in the standard retry policy: 3 attempts,
// base delay 2s doubling per attempt, capped at 30s.
func WithRetry(inner Connector, logger *slog.Logger) Connector {
	return &retrying{
		inner:     inner,
		logger:    logger,
		baseDelay: retryBaseDelay,
		maxDelay:  retryMaxDelay,
	}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Fetch(ctx context.Context, since *time.Time) (Batch, error) {
	delay := r.baseDelay
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		batch, err := r.inner.Fetch(ctx, since)
		attempts = attempt
		if err == nil {
			return batch, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt == retryAttempts {
			break
		}

		r.logger.Warn("fetch attempt failed, retrying",
			"source", r.inner.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !sleepWithContext(ctx, delay) {
			break
		}
		delay = nextBackoff(delay, r.maxDelay)
	}

	return Batch{}, &domain.FetchFailed{
		Source:   r.inner.Name(),
		Attempts: attempts,
		Err:      lastErr,
	}
}

func nextBackoff(current, maxDelay time.Duration) time.Duration {
	next := current * 2
	if next > maxDelay {
		return maxDelay
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
