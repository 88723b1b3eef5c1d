package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedOptions() Options {
	opts := DefaultOptions()
	opts.Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return opts
}

func metaAt(t time.Time, ids ...string) map[string]DocInfo {
	meta := make(map[string]DocInfo, len(ids))
	for _, id := range ids {
		meta[id] = DocInfo{UpdatedAt: t, ContentLength: 100}
	}
	return meta
}

func TestFuse_EmptyInputs(t *testing.T) {
	results := Fuse(nil, nil, nil, fixedOptions())
	assert.Empty(t, results)
}

func TestFuse_LexicalOnlyKeepsLexicalOrder(t *testing.T) {
	opts := fixedOptions()
	meta := metaAt(opts.Now, "a", "b", "c")

	lex := []LexicalHit{
		{ID: "b", Score: 5.0},
		{ID: "a", Score: 9.0},
		{ID: "c", Score: 1.0},
	}

	results := Fuse(lex, nil, meta, opts)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)
}

func TestFuse_VectorOnlyOrdersByDistance(t *testing.T) {
	opts := fixedOptions()
	meta := metaAt(opts.Now, "near", "mid", "far")

	vec := []VectorHit{
		{ID: "far", Distance: 0.9},
		{ID: "near", Distance: 0.1},
		{ID: "mid", Distance: 0.5},
	}

	results := Fuse(nil, vec, meta, opts)
	require.Len(t, results, 3)
	assert.Equal(t, "near", results[0].ID)
	assert.Equal(t, "mid", results[1].ID)
	assert.Equal(t, "far", results[2].ID)
}

func TestFuse_BothPathsBoostSharedItem(t *testing.T) {
	opts := fixedOptions()
	meta := metaAt(opts.Now, "both", "lexonly", "veconly")

	// "both" is rank 2 in each set; single-path items hold rank 1.
	// Two rank-2 contributions beat one rank-1 contribution.
	lex := []LexicalHit{
		{ID: "lexonly", Score: 10.0},
		{ID: "both", Score: 5.0},
	}
	vec := []VectorHit{
		{ID: "veconly", Distance: 0.1},
		{ID: "both", Distance: 0.4},
	}

	results := Fuse(lex, vec, meta, opts)
	require.Len(t, results, 3)
	assert.Equal(t, "both", results[0].ID)
}

func TestFuse_SingleElementSetNormalizesWithoutNaN(t *testing.T) {
	opts := fixedOptions()
	meta := metaAt(opts.Now, "only")

	results := Fuse(
		[]LexicalHit{{ID: "only", Score: 3.3}},
		[]VectorHit{{ID: "only", Distance: 0.2}},
		meta, opts,
	)
	require.Len(t, results, 1)
	assert.False(t, results[0].Score != results[0].Score, "score must not be NaN")
	assert.Positive(t, results[0].Score)
}

func TestFuse_RecencyBreaksNearTies(t *testing.T) {
	opts := fixedOptions()

	meta := map[string]DocInfo{
		"fresh": {UpdatedAt: opts.Now.Add(-1 * time.Hour), ContentLength: 100},
		"stale": {UpdatedAt: opts.Now.Add(-60 * 24 * time.Hour), ContentLength: 100},
	}

	// Identical raw scores: the newer record must win.
	lex := []LexicalHit{
		{ID: "stale", Score: 4.0},
		{ID: "fresh", Score: 4.0},
	}

	results := Fuse(lex, nil, meta, opts)
	require.Len(t, results, 2)
	assert.Equal(t, "fresh", results[0].ID)
}

func TestFuse_BoostCannotOverrideStrongSignal(t *testing.T) {
	opts := fixedOptions()

	// "old" is the clear lexical winner; "new" is fresher and heavily
	// accessed but ranked far below.
	meta := map[string]DocInfo{
		"old": {UpdatedAt: opts.Now.Add(-90 * 24 * time.Hour), ContentLength: 200},
		"new": {UpdatedAt: opts.Now, AccessCount: 1000, ContentLength: 200},
		"mid": {UpdatedAt: opts.Now.Add(-30 * 24 * time.Hour), ContentLength: 200},
	}

	lex := []LexicalHit{
		{ID: "old", Score: 50.0},
		{ID: "mid", Score: 25.0},
		{ID: "new", Score: 1.0},
	}

	results := Fuse(lex, nil, meta, opts)
	require.Len(t, results, 3)
	assert.Equal(t, "old", results[0].ID)
}

func TestFuse_FrequencyBoostLiftsAccessedRecord(t *testing.T) {
	opts := fixedOptions()

	meta := map[string]DocInfo{
		"popular":  {UpdatedAt: opts.Now, AccessCount: 50, ContentLength: 100},
		"untouched": {UpdatedAt: opts.Now, ContentLength: 100},
	}

	lex := []LexicalHit{
		{ID: "untouched", Score: 4.0},
		{ID: "popular", Score: 4.0},
	}

	results := Fuse(lex, nil, meta, opts)
	require.Len(t, results, 2)
	assert.Equal(t, "popular", results[0].ID)
}

func TestFuse_ShortContentDownWeighted(t *testing.T) {
	opts := fixedOptions()

	meta := map[string]DocInfo{
		"terse":       {UpdatedAt: opts.Now, ContentLength: 5},
		"substantive": {UpdatedAt: opts.Now, ContentLength: 300},
	}

	lex := []LexicalHit{
		{ID: "terse", Score: 4.0},
		{ID: "substantive", Score: 4.0},
	}

	results := Fuse(lex, nil, meta, opts)
	require.Len(t, results, 2)
	assert.Equal(t, "substantive", results[0].ID)
}

func TestFuse_DeterministicTieBreakByID(t *testing.T) {
	opts := fixedOptions()
	meta := metaAt(opts.Now, "zzz", "aaa")

	lex := []LexicalHit{
		{ID: "zzz", Score: 4.0},
		{ID: "aaa", Score: 4.0},
	}

	for i := 0; i < 10; i++ {
		results := Fuse(lex, nil, meta, opts)
		require.Len(t, results, 2)
		assert.Equal(t, "aaa", results[0].ID)
		assert.Equal(t, "zzz", results[1].ID)
	}
}

func TestNormalize_DegenerateRange(t *testing.T) {
	assert.Equal(t, 1.0, normalize(3.0, 3.0, 3.0))
	assert.Equal(t, 0.0, normalize(1.0, 1.0, 5.0))
	assert.Equal(t, 1.0, normalize(5.0, 1.0, 5.0))
}

func TestRecency_HalvesAtHalfLife(t *testing.T) {
	opts := fixedOptions()
	fresh := recency(opts.Now, opts)
	halved := recency(opts.Now.Add(-opts.RecencyHalfLife), opts)

	assert.InDelta(t, 1.0, fresh, 0.001)
	assert.InDelta(t, 0.5, halved, 0.001)
}

func TestFrequency_CapsAtOne(t *testing.T) {
	assert.Zero(t, frequency(0))
	assert.Less(t, frequency(10), frequency(100))
	assert.Equal(t, 1.0, frequency(1_000_000_000))
}
