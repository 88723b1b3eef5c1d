// Package embedding provides vector embedding providers and the batching,
// retry, and truncation policy the memory store relies on.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable signals that no embedding could be produced. Callers treat
// it as degraded functionality, never as a failed write.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider generates vector embeddings from text
type Provider interface {
	// EmbedBatch embeds texts in order. An empty input is a no-op
	// returning an empty slice.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the native vector length this provider produces.
	Dimensions() int

	// Name identifies the provider variant for logging.
	Name() string
}

// Truncate shortens vec to dims entries. Providers may produce longer
// vectors than the process-wide stored dimension; the stored length never
// changes across provider switches.
func Truncate(vec []float32, dims int) []float32 {
	if dims <= 0 || len(vec) <= dims {
		return vec
	}
	return vec[:dims]
}
