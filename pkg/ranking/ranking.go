// Package ranking fuses lexical and vector retrieval hit sets into a single
// ordered result list.
//
// The two hit sets arrive on incomparable scales: lexical relevance is an
// open-ended higher-is-better score (bm25), vector hits carry a
// lower-is-better cosine distance. Each set is min-max normalized, ranked,
// and fused by weighted reciprocal rank so an item found by both paths is
// boosted without either path dominating. Recency, access-frequency, and
// content-quality adjustments are applied after fusion.
package ranking

import (
	"math"
	"sort"
	"time"
)

// LexicalHit is one full-text hit with a raw higher-is-better score.
type LexicalHit struct {
	ID    string
	Score float64
}

// VectorHit is one nearest-neighbor hit with a lower-is-better distance.
type VectorHit struct {
	ID       string
	Distance float64
}

// DocInfo carries the per-record metadata the secondary boosts need.
type DocInfo struct {
	UpdatedAt     time.Time
	AccessCount   int64
	ContentLength int
}

// Scored is one fused result.
type Scored struct {
	ID    string
	Score float64
}

// Options tunes the fusion. Zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// K damps the advantage of rank 1 in the reciprocal-rank sum.
	K float64

	// Per-path fusion weights.
	LexicalWeight float64
	VectorWeight  float64

	// RecencyHalfLife is the age at which the recency signal halves.
	RecencyHalfLife time.Duration
	// RecencyBoost and FrequencyBoost bound the multiplicative lift the
	// secondary signals can add, so they only reorder near-ties.
	RecencyBoost   float64
	FrequencyBoost float64

	// Content shorter than MinContentLength is down-weighted by
	// QualityPenalty (a multiplier below 1).
	MinContentLength int
	QualityPenalty   float64

	// Now anchors the recency decay; tests pin it for determinism.
	Now time.Time
}

// DefaultOptions returns the production fusion parameters.
func DefaultOptions() Options {
	return Options{
		K:                60,
		LexicalWeight:    1.0,
		VectorWeight:     1.0,
		RecencyHalfLife:  7 * 24 * time.Hour,
		RecencyBoost:     0.10,
		FrequencyBoost:   0.05,
		MinContentLength: 40,
		QualityPenalty:   0.85,
		Now:              time.Now(),
	}
}

// Fuse combines the two hit sets into one ordered list. Either set may be
// empty; with no vector hits the result is the lexical ordering (the
// degraded, lexical-only path). meta supplies boost inputs per id and may
// omit ids, which then receive no boost.
func Fuse(lex []LexicalHit, vec []VectorHit, meta map[string]DocInfo, opts Options) []Scored {
	if len(lex) == 0 && len(vec) == 0 {
		return []Scored{}
	}

	lexRanks := rankLexical(lex, meta)
	vecRanks := rankVector(vec, meta)

	ids := make(map[string]struct{}, len(lexRanks)+len(vecRanks))
	for id := range lexRanks {
		ids[id] = struct{}{}
	}
	for id := range vecRanks {
		ids[id] = struct{}{}
	}

	results := make([]Scored, 0, len(ids))
	for id := range ids {
		var score float64
		if rank, ok := lexRanks[id]; ok {
			score += opts.LexicalWeight / (opts.K + float64(rank))
		}
		if rank, ok := vecRanks[id]; ok {
			score += opts.VectorWeight / (opts.K + float64(rank))
		}

		info := meta[id]
		score *= 1 + opts.RecencyBoost*recency(info.UpdatedAt, opts) +
			opts.FrequencyBoost*frequency(info.AccessCount)

		if info.ContentLength > 0 && info.ContentLength < opts.MinContentLength {
			score *= opts.QualityPenalty
		}

		results = append(results, Scored{ID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		a, b := meta[results[i].ID], meta[results[j].ID]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return results[i].ID < results[j].ID
	})

	return results
}

// rankLexical normalizes raw scores to the unit interval, orders the set,
// and returns 1-based ranks per id.
func rankLexical(hits []LexicalHit, meta map[string]DocInfo) map[string]int {
	if len(hits) == 0 {
		return nil
	}

	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}

	normalized := make([]LexicalHit, len(hits))
	for i, h := range hits {
		normalized[i] = LexicalHit{ID: h.ID, Score: normalize(h.Score, min, max)}
	}

	sort.Slice(normalized, func(i, j int) bool {
		if normalized[i].Score != normalized[j].Score {
			return normalized[i].Score > normalized[j].Score
		}
		return laterThen(normalized[i].ID, normalized[j].ID, meta)
	})

	ranks := make(map[string]int, len(normalized))
	for i, h := range normalized {
		ranks[h.ID] = i + 1
	}
	return ranks
}

// rankVector converts distances to higher-is-better similarities, then
// ranks like rankLexical.
func rankVector(hits []VectorHit, meta map[string]DocInfo) map[string]int {
	if len(hits) == 0 {
		return nil
	}

	min, max := hits[0].Distance, hits[0].Distance
	for _, h := range hits[1:] {
		if h.Distance < min {
			min = h.Distance
		}
		if h.Distance > max {
			max = h.Distance
		}
	}

	type simHit struct {
		id  string
		sim float64
	}
	normalized := make([]simHit, len(hits))
	for i, h := range hits {
		normalized[i] = simHit{id: h.ID, sim: 1 - normalize(h.Distance, min, max)}
	}

	sort.Slice(normalized, func(i, j int) bool {
		if normalized[i].sim != normalized[j].sim {
			return normalized[i].sim > normalized[j].sim
		}
		return laterThen(normalized[i].id, normalized[j].id, meta)
	})

	ranks := make(map[string]int, len(normalized))
	for i, h := range normalized {
		ranks[h.id] = i + 1
	}
	return ranks
}

// normalize maps v into [0, 1]. A degenerate range (single element, or all
// scores equal) maps to a constant 1 rather than dividing by zero.
func normalize(v, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	return (v - min) / (max - min)
}

// recency decays exponentially with the record's age, halving every
// RecencyHalfLife. Result is in (0, 1].
func recency(updatedAt time.Time, opts Options) float64 {
	if updatedAt.IsZero() || opts.RecencyHalfLife <= 0 {
		return 0
	}
	age := opts.Now.Sub(updatedAt)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / opts.RecencyHalfLife.Hours())
}

// frequency grows logarithmically with access count, capped at 1.
func frequency(accessCount int64) float64 {
	if accessCount <= 0 {
		return 0
	}
	f := math.Log1p(float64(accessCount)) / 10.0
	if f > 1 {
		return 1
	}
	return f
}

// laterThen orders ids by updated_at descending then id ascending, the
// deterministic tie-break used throughout.
func laterThen(a, b string, meta map[string]DocInfo) bool {
	ma, mb := meta[a], meta[b]
	if !ma.UpdatedAt.Equal(mb.UpdatedAt) {
		return ma.UpdatedAt.After(mb.UpdatedAt)
	}
	return a < b
}
