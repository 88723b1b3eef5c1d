package embedding

import (
	"context"
	"sync"
)

// MockProvider generates deterministic embeddings for tests. Overrides let
// a test pin specific texts to specific vectors so nearest-neighbor
// behavior can be scripted; FailFirst injects transient failures for
// retry-path tests.
type MockProvider struct {
	dimension int

	mu        sync.Mutex
	overrides map[string][]float32
	failFirst int
	calls     int
	failErr   error
}

// NewMockProvider creates a mock provider with the given dimension
func NewMockProvider(dimension int) *MockProvider {
	return &MockProvider{
		dimension: dimension,
		overrides: make(map[string][]float32),
	}
}

// Override pins a text to a fixed vector.
func (p *MockProvider) Override(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[text] = vec
}

// FailFirst makes the next n EmbedBatch calls return err.
func (p *MockProvider) FailFirst(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFirst = n
	p.failErr = err
}

// Calls returns how many EmbedBatch calls were made.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Name returns the provider name
func (p *MockProvider) Name() string {
	return "mock"
}

// Dimensions returns the configured dimension
func (p *MockProvider) Dimensions() int {
	return p.dimension
}

// EmbedBatch generates deterministic embeddings based on a text hash
func (p *MockProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failFirst > 0 {
		p.failFirst--
		return nil, p.failErr
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := p.overrides[text]; ok {
			embeddings[i] = vec
			continue
		}

		hash := 0
		for _, c := range text {
			hash = hash*31 + int(c)
		}

		vec := make([]float32, p.dimension)
		for j := 0; j < p.dimension; j++ {
			vec[j] = float32((hash+j)%100) / 100.0
		}
		embeddings[i] = vec
	}

	return embeddings, nil
}
