package embedding

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func tightRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  1.0,
	}
}

func TestService_NoProviderIsUnavailable(t *testing.T) {
	s := NewService(ServiceConfig{Logger: testLogger()})

	assert.False(t, s.Available())
	assert.Equal(t, "none", s.ProviderName())

	_, err := s.EmbedOne(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestService_EmptyBatchIsNoop(t *testing.T) {
	provider := NewMockProvider(8)
	s := NewService(ServiceConfig{Provider: provider, StoredDims: 8, Logger: testLogger()})

	vecs, err := s.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, provider.Calls())
}

func TestService_TruncatesToStoredDims(t *testing.T) {
	// Provider produces 16-dim vectors, store keeps 8.
	provider := NewMockProvider(16)
	s := NewService(ServiceConfig{Provider: provider, StoredDims: 8, Logger: testLogger()})

	vec, err := s.EmbedOne(context.Background(), "truncate me")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 8, s.Dimensions())
}

func TestService_SplitsOversizedBatches(t *testing.T) {
	provider := NewMockProvider(4)
	s := NewService(ServiceConfig{
		Provider:     provider,
		StoredDims:   4,
		MaxBatchSize: 2,
		Logger:       testLogger(),
	})

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := s.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	assert.Len(t, vecs, 5)
	// 5 texts at max 2 per call = 3 sub-batches.
	assert.Equal(t, 3, provider.Calls())
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	provider := NewMockProvider(4)
	provider.FailFirst(2, errors.New("transient"))

	s := NewService(ServiceConfig{
		Provider:   provider,
		StoredDims: 4,
		Retry:      tightRetry(3),
		Logger:     testLogger(),
	})

	vec, err := s.EmbedOne(context.Background(), "eventually works")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, 3, provider.Calls())
}

func TestService_ExhaustedRetriesReportUnavailable(t *testing.T) {
	provider := NewMockProvider(4)
	provider.FailFirst(10, errors.New("down"))

	s := NewService(ServiceConfig{
		Provider:   provider,
		StoredDims: 4,
		Retry:      tightRetry(3),
		Logger:     testLogger(),
	})

	_, err := s.EmbedOne(context.Background(), "never works")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, provider.Calls())
}

func TestBackoff_Schedule(t *testing.T) {
	bo := newBackoff(RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
	})

	d1, ok := bo.Next()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d1)

	d2, ok := bo.Next()
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, d2)

	d3, ok := bo.Next()
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, d3)

	_, ok = bo.Next()
	assert.False(t, ok)
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 100,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  1.0,
		Jitter:      0.5,
	}
	bo := newBackoff(policy)

	for {
		d, ok := bo.Next()
		if !ok {
			break
		}
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestTruncate(t *testing.T) {
	vec := []float32{1, 2, 3, 4}
	assert.Len(t, Truncate(vec, 2), 2)
	assert.Len(t, Truncate(vec, 4), 4)
	assert.Len(t, Truncate(vec, 8), 4)
	assert.Len(t, Truncate(vec, 0), 4)
}
