package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/mnemo/pkg/embedding"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a store in a temp directory. A nil provider yields a
// lexical-only store.
func newTestStore(t *testing.T, provider embedding.Provider) *Store {
	t.Helper()

	var svc *embedding.Service
	if provider != nil {
		svc = embedding.NewService(embedding.ServiceConfig{
			Provider:   provider,
			StoredDims: provider.Dimensions(),
			Retry: embedding.RetryPolicy{
				MaxAttempts: 2,
				BaseDelay:   time.Millisecond,
				Multiplier:  2,
			},
			Logger: zerolog.Nop(),
		})
	}

	s, err := New(Config{
		DBPath:   filepath.Join(t.TempDir(), "memories.db"),
		Embedder: svc,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	mem, embedded, err := s.Add(ctx, "Polars is faster than Pandas for large joins", "engineering", []string{"polars", "pandas"}, "chat")
	require.NoError(t, err)
	assert.False(t, embedded, "no provider configured")
	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, "engineering", mem.Category)

	got, err := s.Get(ctx, mem.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mem.Content, got.Content)
	assert.Equal(t, []string{"polars", "pandas"}, got.Tags)
	assert.Equal(t, "chat", got.Source)
	assert.True(t, mem.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, int64(0), got.AccessCount)
}

func TestAddDefaults(t *testing.T) {
	s := newTestStore(t, nil)

	mem, _, err := s.Add(context.Background(), "remember this", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultCategory, mem.Category)
	assert.Equal(t, []string{}, mem.Tags)
}

func TestAddEmptyContent(t *testing.T) {
	s := newTestStore(t, nil)

	_, _, err := s.Add(context.Background(), "   ", "", nil, "")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestGetUnknownID(t *testing.T) {
	s := newTestStore(t, nil)

	got, err := s.Get(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdatePartialFields(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	mem, _, err := s.Add(ctx, "original content", "notes", []string{"a"}, "")
	require.NoError(t, err)

	category := "projects"
	ok, err := s.Update(ctx, mem.ID, UpdateParams{Category: &category})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, "original content", got.Content, "content untouched")
	assert.Equal(t, "projects", got.Category)
	assert.Equal(t, []string{"a"}, got.Tags, "tags untouched")
	assert.True(t, got.UpdatedAt.After(mem.UpdatedAt) || got.UpdatedAt.Equal(mem.UpdatedAt))
}

func TestUpdateUnknownID(t *testing.T) {
	s := newTestStore(t, nil)

	content := "new"
	ok, err := s.Update(context.Background(), "missing", UpdateParams{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateNoFields(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Update(context.Background(), "some-id", UpdateParams{})
	assert.Error(t, err)
}

func TestUpdateContentReflectedInSearch(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	mem, _, err := s.Add(ctx, "we deploy with kubernetes", "", nil, "")
	require.NoError(t, err)

	content := "we deploy with nomad now"
	ok, err := s.Update(ctx, mem.ID, UpdateParams{Content: &content})
	require.NoError(t, err)
	require.True(t, ok)

	results, err := s.Search(ctx, SearchQuery{Query: "nomad", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mem.ID, results[0].ID)

	results, err = s.Search(ctx, SearchQuery{Query: "kubernetes", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results, "old content must leave the lexical index")
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	mem, _, err := s.Add(ctx, "ephemeral fact about zookeeper", "", nil, "")
	require.NoError(t, err)

	ok, err := s.Delete(ctx, mem.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	results, err := s.Search(ctx, SearchQuery{Query: "zookeeper", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)

	ok, err = s.Delete(ctx, mem.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second delete reports unknown id")
}

func TestListFiltersAndOrder(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, _, err := s.Add(ctx, "alpha note", "work", nil, "")
	require.NoError(t, err)
	_, _, err = s.Add(ctx, "beta note", "personal", nil, "")
	require.NoError(t, err)
	last, _, err := s.Add(ctx, "gamma note", "work", nil, "")
	require.NoError(t, err)

	all, err := s.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)

	work, err := s.List(ctx, ListOptions{Category: "work", Limit: 10})
	require.NoError(t, err)
	require.Len(t, work, 2)
	assert.Equal(t, last.ID, work[0].ID, "newest first")

	one, err := s.List(ctx, ListOptions{Category: "work", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1, "limit applies after the category filter")
}

func TestStats(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, _, err := s.Add(ctx, "one", "work", nil, "")
	require.NoError(t, err)
	_, _, err = s.Add(ctx, "two", "work", nil, "")
	require.NoError(t, err)
	_, _, err = s.Add(ctx, "three", "personal", nil, "")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalMemories)
	assert.Equal(t, 2, stats.Categories["work"])
	assert.Equal(t, 1, stats.Categories["personal"])
	assert.False(t, stats.VecEnabled)
	require.NotNil(t, stats.LastUpdated)
}

func TestVectorRowWrittenWithProvider(t *testing.T) {
	provider := embedding.NewMockProvider(8)
	s := newTestStore(t, provider)

	_, embedded, err := s.Add(context.Background(), "vectors stored alongside", "", nil, "")
	require.NoError(t, err)
	assert.True(t, embedded)
	assert.True(t, s.VecEnabled())

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM memories_vec").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEmbeddingFailureDoesNotFailWrite(t *testing.T) {
	provider := embedding.NewMockProvider(8)
	provider.FailFirst(100, assert.AnError)
	s := newTestStore(t, provider)

	mem, embedded, err := s.Add(context.Background(), "still stored without a vector", "", nil, "")
	require.NoError(t, err)
	assert.False(t, embedded)

	got, err := s.Get(context.Background(), mem.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM memories_vec").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestFormatTimeFixedWidth(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 120000000, time.UTC)
	later := time.Date(2026, 1, 1, 0, 0, 0, 123000000, time.UTC)

	a := formatTime(earlier)
	b := formatTime(later)

	assert.Equal(t, "2026-01-01T00:00:00.120000000Z", a, "trailing zeros kept")
	assert.True(t, a < b, "string order matches time order")

	parsed, err := parseTime(a)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(earlier))

	// Rows written before the fixed-width layout still parse.
	legacy, err := parseTime("2026-01-01T00:00:00.12Z")
	require.NoError(t, err)
	assert.True(t, legacy.Equal(earlier))
}
