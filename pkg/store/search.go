package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/ranking"
)

const (
	// candidateMultiplier widens each retrieval path beyond the requested
	// limit so fusion has real overlap to work with.
	candidateMultiplier = 4

	// hydrateChunkSize keeps id hydration well under SQLite's bound
	// parameter limit.
	hydrateChunkSize = 900

	// stopwordIDF marks a query token as uninformative. BM25-style IDF of
	// roughly 0.5 corresponds to a term present in well over half the
	// corpus.
	stopwordIDF = 0.5

	// stopwordMinCorpus disables document-frequency pruning on corpora too
	// small for frequencies to mean anything.
	stopwordMinCorpus = 16
)

// SearchQuery describes one hybrid search.
type SearchQuery struct {
	Query    string
	Category string
	Tags     []string
	Limit    int
}

// SearchResult pairs a memory with its fused relevance score.
type SearchResult struct {
	Memory
	Score float64 `json:"score"`
}

// Search runs the lexical and vector paths, fuses their hits, and returns
// the top results. With no usable embedding for the query it degrades to
// lexical-only ranking rather than failing.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if strings.TrimSpace(q.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if q.Limit <= 0 {
		q.Limit = 5
	}

	window := q.Limit * candidateMultiplier

	lexical, err := s.searchLexical(ctx, q, window)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	vector, err := s.searchVector(ctx, q, window)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	records, err := s.hydrate(ctx, lexical, vector)
	if err != nil {
		return nil, err
	}

	docs := make(map[string]ranking.DocInfo, len(records))
	for id, mem := range records {
		docs[id] = ranking.DocInfo{
			UpdatedAt:     mem.UpdatedAt,
			AccessCount:   mem.AccessCount,
			ContentLength: len(mem.Content),
		}
	}

	scored := ranking.Fuse(lexical, vector, docs, ranking.DefaultOptions())
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}

	results := make([]SearchResult, 0, len(scored))
	ids := make([]string, 0, len(scored))
	for _, sc := range scored {
		mem, ok := records[sc.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Memory: mem, Score: sc.Score})
		ids = append(ids, sc.ID)
	}

	if err := s.touchAccessed(ctx, ids); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record memory access")
	}

	s.logger.Debug().
		Str("query", q.Query).
		Int("lexical", len(lexical)).
		Int("vector", len(vector)).
		Int("returned", len(results)).
		Msg("Hybrid search complete")

	return results, nil
}

// searchLexical runs the FTS5 path. It tries an AND of all informative
// tokens first and relaxes to OR only when the strict tier falls short of
// the window, so precise matches are never diluted by broad ones.
func (s *Store) searchLexical(ctx context.Context, q SearchQuery, window int) ([]ranking.LexicalHit, error) {
	tokens := tokenize(q.Query)
	if len(tokens) == 0 {
		return nil, nil
	}

	tokens, err := s.pruneStopwords(ctx, tokens)
	if err != nil {
		return nil, err
	}

	hits, err := s.runFTSQuery(ctx, buildMatch(tokens, "AND"), q, window)
	if err != nil {
		return nil, err
	}

	if len(hits) < window && len(tokens) > 1 {
		relaxed, err := s.runFTSQuery(ctx, buildMatch(tokens, "OR"), q, window)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]bool, len(hits))
		for _, h := range hits {
			seen[h.ID] = true
		}
		for _, h := range relaxed {
			if len(hits) >= window {
				break
			}
			if !seen[h.ID] {
				hits = append(hits, h)
				seen[h.ID] = true
			}
		}
	}

	return hits, nil
}

// runFTSQuery executes one FTS5 MATCH against the lexical index with
// category and tag predicates applied inside the query.
func (s *Store) runFTSQuery(ctx context.Context, match string, q SearchQuery, window int) ([]ranking.LexicalHit, error) {
	if match == "" {
		return nil, nil
	}

	// Content carries most of the weight; tags help, id and category do
	// not participate.
	query := `SELECT m.id, -bm25(memories_fts, 0.0, 2.0, 0.0, 0.5) AS score
		FROM memories_fts f
		JOIN memories m ON m.id = f.id
		WHERE memories_fts MATCH ?`
	args := []interface{}{match}

	query, args = applyFilters(query, args, q, "m")
	query += " ORDER BY score DESC LIMIT ?"
	args = append(args, window)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ranking.LexicalHit
	for rows.Next() {
		var h ranking.LexicalHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchVector embeds the query and scans the vector index by cosine
// distance. The scan joins the primary table so category and tag filters
// prune candidates before the distance ordering, never after.
func (s *Store) searchVector(ctx context.Context, q SearchQuery, window int) ([]ranking.VectorHit, error) {
	if !s.vecEnabled {
		return nil, nil
	}

	vec, err := s.embedder.EmbedOne(ctx, q.Query)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Query embedding unavailable, lexical-only search")
		return nil, nil
	}

	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	query := `SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM memories_vec v
		JOIN memories m ON m.id = v.id
		WHERE 1=1`
	args := []interface{}{blob}

	query, args = applyFilters(query, args, q, "m")
	query += " ORDER BY distance ASC LIMIT ?"
	args = append(args, window)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ranking.VectorHit
	for rows.Next() {
		var h ranking.VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// applyFilters appends category and tag predicates to a candidate query.
func applyFilters(query string, args []interface{}, q SearchQuery, alias string) (string, []interface{}) {
	if q.Category != "" {
		query += fmt.Sprintf(" AND %s.category = ?", alias)
		args = append(args, q.Category)
	}
	if len(q.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Tags)), ",")
		query += fmt.Sprintf(
			" AND EXISTS (SELECT 1 FROM json_each(%s.tags) WHERE json_each.value IN (%s))",
			alias, placeholders)
		for _, tag := range q.Tags {
			args = append(args, tag)
		}
	}
	return query, args
}

// hydrate loads the full records behind both hit sets in id batches.
func (s *Store) hydrate(ctx context.Context, lexical []ranking.LexicalHit, vector []ranking.VectorHit) (map[string]Memory, error) {
	idSet := make(map[string]bool, len(lexical)+len(vector))
	ids := make([]string, 0, len(lexical)+len(vector))
	for _, h := range lexical {
		if !idSet[h.ID] {
			idSet[h.ID] = true
			ids = append(ids, h.ID)
		}
	}
	for _, h := range vector {
		if !idSet[h.ID] {
			idSet[h.ID] = true
			ids = append(ids, h.ID)
		}
	}

	records := make(map[string]Memory, len(ids))
	for start := 0; start < len(ids); start += hydrateChunkSize {
		end := start + hydrateChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			selectMemory+" WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, err
		}

		memories, err := collectMemories(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, mem := range memories {
			records[mem.ID] = mem
		}
	}

	return records, nil
}

// touchAccessed bumps access_count and last_accessed for returned results
// in a single statement. The returned records keep their pre-bump values.
func (s *Store) touchAccessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, formatTime(time.Now().UTC()))
	for _, id := range ids {
		args = append(args, id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id IN ("+placeholders+")",
		args...)
	return err
}

// pruneStopwords drops query tokens whose document frequency makes them
// uninformative, using the fts5vocab shadow of the lexical index. Tokens
// absent from the vocabulary are kept; they are maximally selective. At
// least one token always survives.
func (s *Store) pruneStopwords(ctx context.Context, tokens []string) ([]string, error) {
	if len(tokens) <= 1 {
		return tokens, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&total); err != nil {
		return nil, err
	}
	if total < stopwordMinCorpus {
		return tokens, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",")
	args := make([]interface{}, len(tokens))
	for i, tok := range tokens {
		args[i] = tok
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT term, doc FROM memories_fts_vocab WHERE term IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docFreq := make(map[string]int, len(tokens))
	for rows.Next() {
		var term string
		var doc int
		if err := rows.Scan(&term, &doc); err != nil {
			return nil, err
		}
		docFreq[term] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		df, found := docFreq[tok]
		if !found {
			df, found = s.stemDocFreq(ctx, tok)
		}
		if !found || idf(total, df) >= stopwordIDF {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return tokens, nil
	}
	return kept, nil
}

// stemDocFreq resolves a token against the porter-stemmed vocabulary
// when the surface form misses, e.g. "libraries" is indexed as
// "librari". The stem is usually a prefix within a few characters of
// the token, so the longest qualifying vocabulary term stands in for
// it. Stems that are not prefixes (such as "happi" for "happy") stay
// unmatched and the token is kept.
func (s *Store) stemDocFreq(ctx context.Context, token string) (int, bool) {
	minLen := len(token) - 4
	if minLen < 3 {
		minLen = 3
	}

	var doc int
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM memories_fts_vocab
		 WHERE ? LIKE term || '%' AND length(term) >= ?
		 ORDER BY length(term) DESC LIMIT 1`,
		token, minLen).Scan(&doc)
	if err != nil {
		return 0, false
	}
	return doc, true
}

// idf is the BM25 inverse document frequency.
func idf(total, docFreq int) float64 {
	n := float64(total)
	df := float64(docFreq)
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// tokenize lowercases the query and splits it into alphanumeric runs.
// The porter stemmer in the index handles morphology; this only has to
// produce clean MATCH terms.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// buildMatch assembles an FTS5 MATCH expression from sanitized tokens,
// each quoted and prefix-matched.
func buildMatch(tokens []string, op string) string {
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = `"` + tok + `"*`
	}
	return strings.Join(parts, " "+op+" ")
}
