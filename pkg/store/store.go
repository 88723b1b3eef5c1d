// Package store owns the on-disk memory table, the FTS5 lexical index, and
// the sqlite-vec vector index, and exposes CRUD plus hybrid search over
// them. All three live in one SQLite database so index updates stay atomic
// with the primary-table update for a given record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/embedding"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

var (
	// ErrEmptyContent is returned when a write carries no content.
	ErrEmptyContent = errors.New("content must not be empty")
	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("query must not be empty")
)

// DefaultCategory is assigned when a memory is created without one.
const DefaultCategory = "general"

// memoryIDLength keeps ids short enough to quote in conversation while
// still collision-safe for a personal store.
const memoryIDLength = 12

// Memory is the unit of storage.
type Memory struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats summarizes the store.
type Stats struct {
	TotalMemories int            `json:"total_memories"`
	Categories    map[string]int `json:"categories"`
	LastUpdated   *time.Time     `json:"last_updated,omitempty"`
	VecEnabled    bool           `json:"vec_enabled"`
	DBPath        string         `json:"db_path"`
}

// Store is the SQLite-backed memory store.
type Store struct {
	db       *sql.DB
	dbPath   string
	embedder *embedding.Service
	logger   zerolog.Logger

	// writeMu serializes all writers; readers run concurrently under WAL.
	writeMu sync.Mutex

	vecEnabled bool
	dims       int
}

// Config holds store configuration
type Config struct {
	DBPath   string
	Embedder *embedding.Service // optional; nil disables the vector index
	Logger   zerolog.Logger
}

// New opens or creates the memory database.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers concurrent with the single writer.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:       db,
		dbPath:   cfg.DBPath,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
	}

	if cfg.Embedder != nil && cfg.Embedder.Available() {
		s.vecEnabled = true
		s.dims = cfg.Embedder.Dimensions()
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().
		Str("path", cfg.DBPath).
		Bool("vec", s.vecEnabled).
		Msg("Memory store opened")

	return s, nil
}

// initSchema creates tables, indexes, and triggers
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'general',
			tags TEXT NOT NULL DEFAULT '[]',
			source TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED,
			content,
			category UNINDEXED,
			tags,
			content=memories,
			content_rowid=rowid,
			tokenize='porter unicode61'
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts_vocab
			USING fts5vocab('memories_fts', 'row');

		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, id, content, category, tags)
			VALUES (new.rowid, new.id, new.content, new.category, new.tags);
		END;

		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, id, content, category, tags)
			VALUES ('delete', old.rowid, old.id, old.content, old.category, old.tags);
		END;

		CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, id, content, category, tags)
			VALUES ('delete', old.rowid, old.id, old.content, old.category, old.tags);
			INSERT INTO memories_fts(rowid, id, content, category, tags)
			VALUES (new.rowid, new.id, new.content, new.category, new.tags);
		END;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.vecEnabled {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(
				id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.dims)

		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// VecEnabled reports whether the vector index is active.
func (s *Store) VecEnabled() bool {
	return s.vecEnabled
}

// Add creates a new memory. Embedding failures degrade the record to
// lexical-only search; they never fail the write. The second return value
// reports whether an embedding was stored.
func (s *Store) Add(ctx context.Context, content, category string, tags []string, source string) (Memory, bool, error) {
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if strings.TrimSpace(content) == "" {
		return Memory{}, false, ErrEmptyContent
	}
	if category == "" {
		category = DefaultCategory
	}
	if tags == nil {
		tags = []string{}
	}

	id, err := gonanoid.New(memoryIDLength)
	if err != nil {
		return Memory{}, false, fmt.Errorf("failed to generate id: %w", err)
	}

	vec := s.embedContent(ctx, content)

	now := time.Now().UTC()
	mem := Memory{
		ID:           id,
		Content:      content,
		Category:     category,
		Tags:         tags,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Memory{}, false, fmt.Errorf("failed to encode tags: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, content, category, tags, source,
		 created_at, updated_at, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, content, category, string(tagsJSON), nullable(source),
		formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Memory{}, false, fmt.Errorf("failed to insert memory: %w", err)
	}

	embedded := false
	if vec != nil && s.vecEnabled {
		if err := insertVector(ctx, tx, id, vec); err != nil {
			return Memory{}, false, err
		}
		embedded = true
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, false, err
	}

	s.logger.Debug().
		Str("id", id).
		Str("category", category).
		Bool("embedded", embedded).
		Msg("Memory added")

	return mem, embedded, nil
}

// UpdateParams carries the partial field set for Update; nil fields are
// left unchanged.
type UpdateParams struct {
	Content  *string
	Category *string
	Tags     *[]string
}

// Update applies a partial update. It returns false when no record with
// the given id exists. A content change recomputes the embedding with the
// same fallback-to-absent policy as Add.
func (s *Store) Update(ctx context.Context, id string, params UpdateParams) (bool, error) {
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if id == "" {
		return false, errors.New("memory id is required")
	}
	if params.Content != nil && strings.TrimSpace(*params.Content) == "" {
		return false, ErrEmptyContent
	}
	if params.Content == nil && params.Category == nil && params.Tags == nil {
		return false, errors.New("no fields to update")
	}

	var vec []float32
	if params.Content != nil {
		vec = s.embedContent(ctx, *params.Content)
	}

	now := time.Now().UTC()
	sets := []string{"updated_at = ?"}
	args := []interface{}{formatTime(now)}

	if params.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *params.Content)
	}
	if params.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *params.Category)
	}
	if params.Tags != nil {
		tagsJSON, err := json.Marshal(*params.Tags)
		if err != nil {
			return false, fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	args = append(args, id)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE memories SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	// Content changed: the old vector no longer describes the record.
	if params.Content != nil && s.vecEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec WHERE id = ?", id); err != nil {
			return false, fmt.Errorf("failed to drop stale vector: %w", err)
		}
		if vec != nil {
			if err := insertVector(ctx, tx, id, vec); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Debug().Str("id", id).Msg("Memory updated")
	return true, nil
}

// Delete removes a memory from the primary table and both indexes. It
// returns false when the id is unknown.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	if id == "" {
		return false, errors.New("memory id is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if s.vecEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec WHERE id = ?", id); err != nil {
			return false, fmt.Errorf("failed to delete vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Debug().Str("id", id).Msg("Memory deleted")
	return true, nil
}

// Get fetches a single memory by id without side effects. It returns nil
// when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+" WHERE id = ?", id)

	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

// ListOptions bounds and filters List.
type ListOptions struct {
	Category string
	Limit    int
	Offset   int
}

// List returns memories ordered by updated_at descending. The category
// filter runs inside the query so the limit applies to the filtered set.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Memory, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	query := selectMemory
	args := []interface{}{}
	if opts.Category != "" {
		query += " WHERE category = ?"
		args = append(args, opts.Category)
	}
	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMemories(rows)
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Categories: map[string]int{},
		VecEnabled: s.vecEnabled,
		DBPath:     s.dbPath,
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&stats.TotalMemories); err != nil {
		return Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT category, COUNT(*) FROM memories GROUP BY category")
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return Stats{}, err
		}
		stats.Categories[category] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var lastUpdated sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM memories").Scan(&lastUpdated); err != nil {
		return Stats{}, err
	}
	if lastUpdated.Valid {
		if t, err := parseTime(lastUpdated.String); err == nil {
			stats.LastUpdated = &t
		}
	}

	observability.SetMemoryEntries(stats.TotalMemories)
	return stats, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing memory store")
	return s.db.Close()
}

// embedContent requests an embedding, treating any failure as "absent".
func (s *Store) embedContent(ctx context.Context, content string) []float32 {
	if s.embedder == nil || !s.embedder.Available() || !s.vecEnabled {
		return nil
	}

	vec, err := s.embedder.EmbedOne(ctx, content)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Embedding unavailable, storing lexical-only")
		return nil
	}
	return vec
}

// insertVector writes one row into the vector index.
func insertVector(ctx context.Context, tx *sql.Tx, id string, vec []float32) error {
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO memories_vec (id, embedding) VALUES (?, ?)", id, blob); err != nil {
		return fmt.Errorf("failed to insert vector: %w", err)
	}
	return nil
}

const selectMemory = `SELECT id, content, category, tags, source,
	created_at, updated_at, access_count, last_accessed FROM memories`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory decodes one memories row.
func scanMemory(row rowScanner) (Memory, error) {
	var mem Memory
	var tagsJSON string
	var source sql.NullString
	var createdAt, updatedAt, lastAccessed string

	err := row.Scan(&mem.ID, &mem.Content, &mem.Category, &tagsJSON, &source,
		&createdAt, &updatedAt, &mem.AccessCount, &lastAccessed)
	if err != nil {
		return Memory{}, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &mem.Tags); err != nil {
		mem.Tags = []string{}
	}
	if mem.Tags == nil {
		mem.Tags = []string{}
	}
	mem.Source = source.String

	if mem.CreatedAt, err = parseTime(createdAt); err != nil {
		return Memory{}, fmt.Errorf("invalid created_at for %s: %w", mem.ID, err)
	}
	if mem.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Memory{}, fmt.Errorf("invalid updated_at for %s: %w", mem.ID, err)
	}
	if mem.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return Memory{}, fmt.Errorf("invalid last_accessed for %s: %w", mem.ID, err)
	}

	return mem, nil
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	memories := []Memory{}
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// timeLayout keeps the fractional seconds fixed width so the stored
// strings compare lexicographically in time order; RFC3339Nano trims
// trailing zeros and would break ORDER BY updated_at within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime stays lenient so rows written before the fixed-width layout
// still load.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
