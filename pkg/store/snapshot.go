package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ImportMode selects how an incoming snapshot is reconciled with the
// existing store.
type ImportMode string

const (
	// ImportMerge keeps existing records and only inserts incoming ids
	// not already present.
	ImportMerge ImportMode = "merge"
	// ImportReplace discards the entire store before loading the
	// snapshot.
	ImportReplace ImportMode = "replace"
)

// ErrInvalidImportMode is returned for an unrecognized import mode.
var ErrInvalidImportMode = errors.New("import mode must be merge or replace")

// ImportResult reports the outcome of an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// importChunkRows bounds the multi-row insert so the bound parameter
// count stays under SQLite's limit (9 columns per row).
const importChunkRows = 100

// ExportJSONL streams every memory to w as one JSON object per line,
// ordered by creation time. Embeddings are derived data and are not part
// of the snapshot; an importing machine rebuilds them as records change.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectMemory+" ORDER BY created_at, id")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	count := 0

	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return count, err
		}
		if err := enc.Encode(mem); err != nil {
			return count, fmt.Errorf("failed to encode memory %s: %w", mem.ID, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	if err := bw.Flush(); err != nil {
		return count, err
	}

	s.logger.Info().Int("count", count).Msg("Snapshot exported")
	return count, nil
}

// ImportJSONL loads a snapshot from r in a single transaction. Merge mode
// inserts records in id-keyed bulk statements that skip existing rows, so
// the imported count comes straight from rows affected and the skipped
// count is derived, with no per-record existence probing. Replace mode
// empties the store first. A malformed line aborts the whole import.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader, mode ImportMode) (ImportResult, error) {
	if mode != ImportMerge && mode != ImportReplace {
		return ImportResult{}, ErrInvalidImportMode
	}

	incoming, err := decodeSnapshot(r)
	if err != nil {
		return ImportResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, err
	}
	defer tx.Rollback()

	if mode == ImportReplace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories"); err != nil {
			return ImportResult{}, fmt.Errorf("failed to clear store: %w", err)
		}
		if s.vecEnabled {
			if _, err := tx.ExecContext(ctx, "DELETE FROM memories_vec"); err != nil {
				return ImportResult{}, fmt.Errorf("failed to clear vector index: %w", err)
			}
		}
	}

	imported := 0
	for start := 0; start < len(incoming); start += importChunkRows {
		end := start + importChunkRows
		if end > len(incoming) {
			end = len(incoming)
		}
		chunk := incoming[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT OR IGNORE INTO memories
			(id, content, category, tags, source, created_at, updated_at, access_count, last_accessed)
			VALUES `)
		args := make([]interface{}, 0, len(chunk)*9)
		for i, mem := range chunk {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")

			tagsJSON, err := json.Marshal(mem.Tags)
			if err != nil {
				return ImportResult{}, fmt.Errorf("failed to encode tags for %s: %w", mem.ID, err)
			}
			args = append(args, mem.ID, mem.Content, mem.Category, string(tagsJSON),
				nullable(mem.Source), formatTime(mem.CreatedAt), formatTime(mem.UpdatedAt),
				mem.AccessCount, formatTime(mem.LastAccessed))
		}

		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return ImportResult{}, fmt.Errorf("failed to insert snapshot chunk: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return ImportResult{}, err
		}
		imported += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{
		Imported: imported,
		Skipped:  len(incoming) - imported,
	}

	s.logger.Info().
		Str("mode", string(mode)).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Msg("Snapshot imported")

	return result, nil
}

// decodeSnapshot reads the full JSONL stream, validating every line and
// filling defaults for optional fields before any write happens.
func decodeSnapshot(r io.Reader) ([]Memory, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var incoming []Memory
	now := time.Now().UTC()
	line := 0

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var mem Memory
		if err := json.Unmarshal(raw, &mem); err != nil {
			return nil, fmt.Errorf("malformed snapshot line %d: %w", line, err)
		}
		if strings.TrimSpace(mem.Content) == "" {
			return nil, fmt.Errorf("snapshot line %d: %w", line, ErrEmptyContent)
		}

		if mem.ID == "" {
			id, err := gonanoid.New(memoryIDLength)
			if err != nil {
				return nil, fmt.Errorf("failed to generate id: %w", err)
			}
			mem.ID = id
		}
		if mem.Category == "" {
			mem.Category = DefaultCategory
		}
		if mem.Tags == nil {
			mem.Tags = []string{}
		}
		if mem.CreatedAt.IsZero() {
			mem.CreatedAt = now
		}
		if mem.UpdatedAt.IsZero() {
			mem.UpdatedAt = mem.CreatedAt
		}
		if mem.LastAccessed.IsZero() {
			mem.LastAccessed = mem.UpdatedAt
		}

		incoming = append(incoming, mem)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return incoming, nil
}
