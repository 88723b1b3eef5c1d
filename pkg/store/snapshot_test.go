package store

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t, nil)
	ctx := context.Background()

	a, _, err := src.Add(ctx, "first memory with tags", "work", []string{"x", "y"}, "chat")
	require.NoError(t, err)
	b, _, err := src.Add(ctx, "second memory plain", "", nil, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	count, err := src.ExportJSONL(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"), "one JSON object per line")

	dst := newTestStore(t, nil)
	result, err := dst.ImportJSONL(ctx, &buf, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 0, result.Skipped)

	for _, orig := range []Memory{a, b} {
		got, err := dst.Get(ctx, orig.ID)
		require.NoError(t, err)
		require.NotNil(t, got, "id %s survives the round trip", orig.ID)
		assert.Equal(t, orig.Content, got.Content)
		assert.Equal(t, orig.Category, got.Category)
		assert.Equal(t, orig.Tags, got.Tags)
		assert.Equal(t, orig.Source, got.Source)
		assert.True(t, orig.CreatedAt.Equal(got.CreatedAt), "created_at exact")
		assert.True(t, orig.UpdatedAt.Equal(got.UpdatedAt), "updated_at exact")
		assert.Equal(t, orig.AccessCount, got.AccessCount)
	}
}

func TestImportMergeSkipsExisting(t *testing.T) {
	src := newTestStore(t, nil)
	ctx := context.Background()

	shared, _, err := src.Add(ctx, "known on both machines", "", nil, "")
	require.NoError(t, err)
	_, _, err = src.Add(ctx, "only on the source machine", "", nil, "")
	require.NoError(t, err)

	var snapshot bytes.Buffer
	_, err = src.ExportJSONL(ctx, &snapshot)
	require.NoError(t, err)

	// Destination already holds the shared record with local edits.
	dst := newTestStore(t, nil)
	_, err = dst.ImportJSONL(ctx, strings.NewReader(mustExportOne(t, src, shared.ID)), ImportMerge)
	require.NoError(t, err)

	edited := "locally edited content"
	ok, err := dst.Update(ctx, shared.ID, UpdateParams{Content: &edited})
	require.NoError(t, err)
	require.True(t, ok)

	result, err := dst.ImportJSONL(ctx, &snapshot, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 1, result.Skipped)

	got, err := dst.Get(ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, edited, got.Content, "merge never touches existing records")
}

func TestImportReplaceDiscardsExisting(t *testing.T) {
	src := newTestStore(t, nil)
	ctx := context.Background()

	kept, _, err := src.Add(ctx, "snapshot record", "", nil, "")
	require.NoError(t, err)

	var snapshot bytes.Buffer
	_, err = src.ExportJSONL(ctx, &snapshot)
	require.NoError(t, err)

	dst := newTestStore(t, nil)
	doomed, _, err := dst.Add(ctx, "pre-existing local record", "", nil, "")
	require.NoError(t, err)

	result, err := dst.ImportJSONL(ctx, &snapshot, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 0, result.Skipped)

	gone, err := dst.Get(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	got, err := dst.Get(ctx, kept.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestImportMalformedLineAborts(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	existing, _, err := s.Add(ctx, "must survive a failed import", "", nil, "")
	require.NoError(t, err)

	snapshot := `{"id":"aaa","content":"valid line"}
this is not json
{"id":"bbb","content":"never reached"}`

	_, err = s.ImportJSONL(ctx, strings.NewReader(snapshot), ImportMerge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMemories, "failed import leaves the store untouched")

	got, err := s.Get(ctx, existing.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestImportFillsDefaults(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	snapshot := `{"content":"no id or category"}` + "\n"
	result, err := s.ImportJSONL(ctx, strings.NewReader(snapshot), ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	all, err := s.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEmpty(t, all[0].ID)
	assert.Equal(t, DefaultCategory, all[0].Category)
	assert.False(t, all[0].CreatedAt.IsZero())
}

func TestImportEmptyContentRejected(t *testing.T) {
	s := newTestStore(t, nil)

	snapshot := `{"id":"aaa","content":"  "}` + "\n"
	_, err := s.ImportJSONL(context.Background(), strings.NewReader(snapshot), ImportMerge)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestImportInvalidMode(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.ImportJSONL(context.Background(), strings.NewReader(""), ImportMode("upsert"))
	assert.ErrorIs(t, err, ErrInvalidImportMode)
}

func TestImportedRecordsAreSearchable(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	snapshot := `{"id":"imp1","content":"imported fact about clickhouse partitions"}` + "\n"
	_, err := s.ImportJSONL(ctx, strings.NewReader(snapshot), ImportMerge)
	require.NoError(t, err)

	results, err := s.Search(ctx, SearchQuery{Query: "clickhouse", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "imp1", results[0].ID)
}

func TestImportedSubsecondTimestampsOrderCorrectly(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	// Fractional seconds sharing a prefix: .12 must sort before .123.
	snapshot := `{"id":"older1","content":"older record","created_at":"2026-01-01T00:00:00.12Z","updated_at":"2026-01-01T00:00:00.12Z"}
{"id":"newer1","content":"newer record","created_at":"2026-01-01T00:00:00.123Z","updated_at":"2026-01-01T00:00:00.123Z"}
`
	_, err := s.ImportJSONL(ctx, strings.NewReader(snapshot), ImportMerge)
	require.NoError(t, err)

	all, err := s.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "newer1", all[0].ID, "List orders by updated_at descending")
	assert.Equal(t, "older1", all[1].ID)
}

func TestImportLargeSnapshotChunks(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	var sb strings.Builder
	total := importChunkRows*2 + 7
	for i := 0; i < total; i++ {
		sb.WriteString(`{"content":"bulk record `)
		sb.WriteString(strings.Repeat("x", i%5))
		sb.WriteString(`"}`)
		sb.WriteString("\n")
	}

	result, err := s.ImportJSONL(ctx, strings.NewReader(sb.String()), ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, total, result.Imported)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, stats.TotalMemories)
}

// mustExportOne exports a single record by filtering the full snapshot.
func mustExportOne(t *testing.T, s *Store, id string) string {
	t.Helper()

	var buf bytes.Buffer
	_, err := s.ExportJSONL(context.Background(), &buf)
	require.NoError(t, err)

	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"id":"`+id+`"`) {
			return line + "\n"
		}
	}
	t.Fatalf("record %s not found in export", id)
	return ""
}
