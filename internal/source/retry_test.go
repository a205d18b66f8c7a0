package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluwatch/flutracker/internal/domain"
)

type scriptedConnector struct {
	name     string
	failures int
	calls    int
	batch    Batch
}

func (s *scriptedConnector) Name() string { return s.name }

func (s *scriptedConnector) Fetch(_ context.Context, _ *time.Time) (Batch, error) {
	s.calls++
	if s.calls <= s.failures {
		return Batch{}, errors.New("upstream unavailable")
	}
	return s.batch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &scriptedConnector{
		name:     "test_feed",
		failures: 2,
		batch:    Batch{Observations: []domain.Observation{{CountryCode: "US"}}},
	}
	c := &retrying{inner: inner, logger: discardLogger(), baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	batch, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.Len(t, batch.Observations, 1)
}

func TestRetryExhaustsBudget(t *testing.T) {
	inner := &scriptedConnector{name: "test_feed", failures: 10}
	c := &retrying{inner: inner, logger: discardLogger(), baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	_, err := c.Fetch(context.Background(), nil)
	require.Error(t, err)

	var ff *domain.FetchFailed
	require.ErrorAs(t, err, &ff)
	assert.Equal(t, "test_feed", ff.Source)
	assert.Equal(t, retryAttempts, ff.Attempts)
	assert.Equal(t, retryAttempts, inner.calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	inner := &scriptedConnector{name: "test_feed", failures: 10}
	c := &retrying{inner: inner, logger: discardLogger(), baseDelay: time.Hour, maxDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls, "no retries after cancellation")
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second, 30*time.Second))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(16*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(30*time.Second, 30*time.Second))
}
