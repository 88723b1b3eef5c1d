package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/mnemo/pkg/store"
)

// MemoryStore is the store surface the memory tool drives.
type MemoryStore interface {
	Add(ctx context.Context, content, category string, tags []string, source string) (store.Memory, bool, error)
	Get(ctx context.Context, id string) (*store.Memory, error)
	Update(ctx context.Context, id string, params store.UpdateParams) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, opts store.ListOptions) ([]store.Memory, error)
	Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error)
	Stats(ctx context.Context) (store.Stats, error)
	ExportJSONL(ctx context.Context, w io.Writer) (int, error)
	ImportJSONL(ctx context.Context, r io.Reader, mode store.ImportMode) (store.ImportResult, error)
}

// MemoryTool is the persistent memory surface: one tool, action-dispatched.
func MemoryTool(st MemoryStore) ToolDefinition {
	return ToolDefinition{
		Name: "memory",
		Description: "Persistent memory store. Actions: add|search|list|get|update|delete|export|import|stats. " +
			"Save durable facts, preferences, and decisions; search before recommending.",
		Parameters: []ToolParameter{
			{Name: "action", Type: "string", Description: "Memory action to perform", Required: true,
				Enum: []string{"add", "search", "list", "get", "update", "delete", "export", "import", "stats"}},
			{Name: "content", Type: "string", Description: "Memory content (add, update)"},
			{Name: "query", Type: "string", Description: "Search query (search)"},
			{Name: "memory_id", Type: "string", Description: "Memory id (get, update, delete)"},
			{Name: "category", Type: "string", Description: "Category filter or assignment"},
			{Name: "tags", Type: "array", Description: "Tags filter or assignment"},
			{Name: "limit", Type: "integer", Description: "Maximum results", Default: 5},
			{Name: "offset", Type: "integer", Description: "List paging offset", Default: 0},
			{Name: "source", Type: "string", Description: "Origin of the memory (add)"},
			{Name: "data", Type: "string", Description: "JSONL payload (import)"},
			{Name: "mode", Type: "string", Description: "Import mode", Default: "merge",
				Enum: []string{"merge", "replace"}},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			action, _ := params["action"].(string)

			switch action {
			case "add":
				return memoryAdd(ctx, st, params)
			case "search":
				return memorySearch(ctx, st, params)
			case "list":
				return memoryList(ctx, st, params)
			case "get":
				return memoryGet(ctx, st, params)
			case "update":
				return memoryUpdate(ctx, st, params)
			case "delete":
				return memoryDelete(ctx, st, params)
			case "export":
				return memoryExport(ctx, st)
			case "import":
				return memoryImport(ctx, st, params)
			case "stats":
				return st.Stats(ctx)
			default:
				return nil, fmt.Errorf("unknown action: %s", action)
			}
		},
	}
}

func memoryAdd(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	content, _ := params["content"].(string)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required for add")
	}

	category, _ := params["category"].(string)
	source, _ := params["source"].(string)

	mem, semantic, err := st.Add(ctx, content, category, toStringSlice(params["tags"]), source)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":       mem.ID,
		"status":   "saved",
		"category": mem.Category,
		"semantic": semantic,
	}, nil
}

func memorySearch(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required for search")
	}

	category, _ := params["category"].(string)
	results, err := st.Search(ctx, store.SearchQuery{
		Query:    query,
		Category: category,
		Tags:     toStringSlice(params["tags"]),
		Limit:    toInt(params["limit"], 5),
	})
	if err != nil {
		return nil, err
	}

	formatted := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		entry := formatMemory(res.Memory)
		entry["score"] = res.Score
		formatted = append(formatted, entry)
	}

	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": formatted,
	}, nil
}

func memoryList(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	category, _ := params["category"].(string)
	memories, err := st.List(ctx, store.ListOptions{
		Category: category,
		Limit:    toInt(params["limit"], 20),
		Offset:   toInt(params["offset"], 0),
	})
	if err != nil {
		return nil, err
	}

	formatted := make([]map[string]interface{}, 0, len(memories))
	for _, mem := range memories {
		formatted = append(formatted, formatMemory(mem))
	}

	return map[string]interface{}{
		"count":    len(memories),
		"memories": formatted,
	}, nil
}

func memoryGet(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	id, _ := params["memory_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("memory_id is required for get")
	}

	mem, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, fmt.Errorf("memory not found: %s", id)
	}
	return formatMemory(*mem), nil
}

func memoryUpdate(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	id, _ := params["memory_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("memory_id is required for update")
	}

	var update store.UpdateParams
	if content, ok := params["content"].(string); ok && content != "" {
		update.Content = &content
	}
	if category, ok := params["category"].(string); ok && category != "" {
		update.Category = &category
	}
	if raw, ok := params["tags"]; ok && raw != nil {
		tags := toStringSlice(raw)
		update.Tags = &tags
	}
	if update.Content == nil && update.Category == nil && update.Tags == nil {
		return nil, fmt.Errorf("at least one of content, category, tags is required for update")
	}

	ok, err := st.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("memory not found: %s", id)
	}
	return map[string]interface{}{"id": id, "status": "updated"}, nil
}

func memoryDelete(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	id, _ := params["memory_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("memory_id is required for delete")
	}

	ok, err := st.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("memory not found: %s", id)
	}
	return map[string]interface{}{"id": id, "status": "deleted"}, nil
}

func memoryExport(ctx context.Context, st MemoryStore) (interface{}, error) {
	var buf bytes.Buffer
	count, err := st.ExportJSONL(ctx, &buf)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"format": "jsonl",
		"count":  count,
		"data":   buf.String(),
	}, nil
}

func memoryImport(ctx context.Context, st MemoryStore, params map[string]interface{}) (interface{}, error) {
	data, _ := params["data"].(string)
	if strings.TrimSpace(data) == "" {
		return nil, fmt.Errorf("data is required for import")
	}
	mode, _ := params["mode"].(string)

	result, err := st.ImportJSONL(ctx, strings.NewReader(data), store.ImportMode(mode))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"mode":     mode,
		"imported": result.Imported,
		"skipped":  result.Skipped,
	}, nil
}

// formatMemory shapes one record for tool output.
func formatMemory(mem store.Memory) map[string]interface{} {
	out := map[string]interface{}{
		"id":           mem.ID,
		"content":      mem.Content,
		"category":     mem.Category,
		"tags":         mem.Tags,
		"created_at":   mem.CreatedAt.Format(time.RFC3339),
		"updated_at":   mem.UpdatedAt.Format(time.RFC3339),
		"access_count": mem.AccessCount,
	}
	if mem.Source != "" {
		out["source"] = mem.Source
	}
	return out
}

func toStringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		if direct, ok := raw.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(raw interface{}, fallback int) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
