package embedding

import (
	"context"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// Service wraps a Provider with the process-wide embedding policy:
// truncation to the stored dimension, sub-batch splitting, retry with
// backoff, and a bounded worker pool so slow provider calls cannot stall
// unrelated tool invocations. Cloud and local providers get separate
// Service instances, each with its own pool.
type Service struct {
	provider Provider
	dims     int
	maxBatch int
	retry    RetryPolicy
	sem      chan struct{}
	logger   zerolog.Logger
}

// ServiceConfig holds embedding service configuration
type ServiceConfig struct {
	Provider     Provider // nil means embeddings are unavailable
	StoredDims   int
	MaxBatchSize int
	Workers      int
	Retry        RetryPolicy
	Logger       zerolog.Logger
}

// NewService creates an embedding service
func NewService(cfg ServiceConfig) *Service {
	observability.EnsureRegistered()

	if cfg.StoredDims <= 0 {
		cfg.StoredDims = 768
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &Service{
		provider: cfg.Provider,
		dims:     cfg.StoredDims,
		maxBatch: cfg.MaxBatchSize,
		retry:    cfg.Retry,
		sem:      make(chan struct{}, cfg.Workers),
		logger:   cfg.Logger,
	}
}

// Available reports whether a provider is configured.
func (s *Service) Available() bool {
	return s != nil && s.provider != nil
}

// Dimensions returns the process-wide stored vector length.
func (s *Service) Dimensions() int {
	return s.dims
}

// ProviderName returns the active provider name, or "none".
func (s *Service) ProviderName() string {
	if !s.Available() {
		return "none"
	}
	return s.provider.Name()
}

// EmbedOne embeds a single text; returns ErrUnavailable when no provider
// is configured or the provider keeps failing.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, splitting oversized batches
// transparently. Every returned vector is truncated to the stored
// dimension.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if !s.Available() {
		return nil, ErrUnavailable
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := s.embedSubBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}

	return out, nil
}

// embedSubBatch runs one provider call with the retry state machine.
func (s *Service) embedSubBatch(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	bo := newBackoff(s.retry)
	for {
		vecs, err := s.provider.EmbedBatch(ctx, texts)
		if err == nil {
			observability.RecordEmbeddingRequest("ok")
			for i := range vecs {
				vecs[i] = Truncate(vecs[i], s.dims)
			}
			return vecs, nil
		}

		delay, retryable := bo.Next()
		if !retryable || ctx.Err() != nil {
			observability.RecordEmbeddingRequest("failed")
			s.logger.Warn().
				Err(err).
				Str("provider", s.provider.Name()).
				Int("attempts", bo.Attempt()).
				Msg("Embedding batch failed, treating as unavailable")
			return nil, ErrUnavailable
		}

		observability.RecordEmbeddingRequest("retry")
		s.logger.Debug().
			Err(err).
			Dur("delay", delay).
			Int("attempt", bo.Attempt()).
			Msg("Embedding batch failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			observability.RecordEmbeddingRequest("failed")
			return nil, ctx.Err()
		}
	}
}
