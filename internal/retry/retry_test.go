package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docexpert/internal/domain"
)

func fastPolicy(retries int) Policy {
	return Policy{Retries: retries, Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var waits []time.Duration
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("ollama: %w", domain.ErrEmbeddingUnavailable)
		}
		return nil
	}, func(_ error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDo_GivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return domain.ErrUnavailable
	}, nil)

	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 4, calls, "first attempt plus 3 retries")
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return &domain.RejectedError{Index: 0, Reason: "input too long"}
	}, nil)

	require.ErrorIs(t, err, domain.ErrEmbeddingRejected)
	var rejected *domain.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 1, calls)
}

func TestDoValue_ReturnsValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(1), func(context.Context) ([]float32, error) {
		return []float32{1, 2}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}

func TestDo_CallTimeoutIsRetried(t *testing.T) {
	p := fastPolicy(1)
	p.CallTimeout = 5 * time.Millisecond

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestDo_StopsWhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(5), func(context.Context) error {
		calls++
		cancel()
		return domain.ErrUnavailable
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
