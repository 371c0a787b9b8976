package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harlowe/hearth/pkg/dispatch"
)

// SearchParams defines parameters for the memory_search tool
type SearchParams struct {
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	VectorWeight  float64 `json:"vector_weight,omitempty"`
	KeywordWeight float64 `json:"keyword_weight,omitempty"`
	MinScore      float64 `json:"min_score,omitempty"`
}

// SearchOutput is the memory_search tool result
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	Query   string         `json:"query"`
	Count   int            `json:"count"`
}

// RunSearch searches the memory index by query
func RunSearch(ctx context.Context, store *Store, params SearchParams) (*SearchOutput, error) {
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	if params.Limit == 0 {
		params.Limit = 20
	}
	if params.VectorWeight == 0 {
		params.VectorWeight = 0.7
	}
	if params.KeywordWeight == 0 {
		params.KeywordWeight = 0.3
	}

	results, err := store.Search(ctx, params.Query, &SearchOptions{
		Limit:         params.Limit,
		VectorWeight:  params.VectorWeight,
		KeywordWeight: params.KeywordWeight,
		MinScore:      params.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return &SearchOutput{
		Results: results,
		Query:   params.Query,
		Count:   len(results),
	}, nil
}

// WriteParams defines parameters for the memory_write tool
type WriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteOutput is the memory_write tool result
type WriteOutput struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Created      bool   `json:"created"`
}

// RunWrite creates or updates a memory file
func RunWrite(ctx context.Context, store *Store, params WriteParams) (*WriteOutput, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if filepath.Ext(params.Path) != ".md" {
		return nil, fmt.Errorf("path must end with .md")
	}

	fullPath, err := ResolvePath(store.Dir(), params.Path)
	if err != nil {
		return nil, err
	}

	_, err = os.Stat(fullPath)
	created := os.IsNotExist(err)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	// The watcher will also see this; marking explicitly covers the
	// no-watcher configuration
	store.MarkDirty()

	return &WriteOutput{
		Path:         params.Path,
		BytesWritten: len(params.Content),
		Created:      created,
	}, nil
}

// DeleteParams defines parameters for the memory_delete tool
type DeleteParams struct {
	Path string `json:"path"`
}

// DeleteOutput is the memory_delete tool result
type DeleteOutput struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

// RunDelete deletes a memory file
func RunDelete(ctx context.Context, store *Store, params DeleteParams) (*DeleteOutput, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	fullPath, err := ResolvePath(store.Dir(), params.Path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return &DeleteOutput{Path: params.Path, Deleted: false}, nil
	}
	if err := os.Remove(fullPath); err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}

	store.MarkDirty()

	return &DeleteOutput{Path: params.Path, Deleted: true}, nil
}

// ListParams defines parameters for the memory_list tool
type ListParams struct {
	Pattern string `json:"pattern,omitempty"`
}

// FileInfo describes one memory file
type FileInfo struct {
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	ModifiedTime time.Time `json:"modified_time"`
}

// ListOutput is the memory_list tool result
type ListOutput struct {
	Files []FileInfo `json:"files"`
	Count int        `json:"count"`
}

// RunList lists memory files, optionally filtered by a glob pattern
func RunList(ctx context.Context, dir string, params ListParams) (*ListOutput, error) {
	var files []FileInfo

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if params.Pattern != "" {
			matched, err := filepath.Match(params.Pattern, relPath)
			if err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, FileInfo{
			Path:         relPath,
			SizeBytes:    info.Size(),
			ModifiedTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return &ListOutput{Files: files, Count: len(files)}, nil
}

func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// RegisterTools registers the memory tools with the executor. The
// context pack tool goes in under both its canonical snake_case name
// and the PascalCase alias some callers still use.
func (s *Store) RegisterTools(executor *dispatch.Executor) error {
	recallHandler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		message, _ := params["message"].(string)
		return s.BuildPack(ctx, message)
	}
	recallParams := []dispatch.Parameter{
		{
			Name:        "message",
			Type:        "string",
			Description: "The user message to fetch relevant context for",
			Required:    false,
		},
	}

	defs := []dispatch.Definition{
		{
			Name:        "recall_memory",
			Description: "Load the user profile and relevant memory nuggets as a context pack",
			Parameters:  recallParams,
			Handler:     recallHandler,
		},
		{
			Name:        "RecallMemory",
			Description: "Alias for recall_memory",
			Parameters:  recallParams,
			Handler:     recallHandler,
		},
		{
			Name:        "memory_search",
			Description: "Search memory files by query using hybrid vector and keyword search",
			Parameters: []dispatch.Parameter{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum number of results", Required: false, Default: 20},
				{Name: "vector_weight", Type: "number", Description: "Weight for vector similarity (0-1)", Required: false, Default: 0.7},
				{Name: "keyword_weight", Type: "number", Description: "Weight for keyword matching (0-1)", Required: false, Default: 0.3},
				{Name: "min_score", Type: "number", Description: "Minimum relevance score threshold", Required: false, Default: 0.0},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p SearchParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return RunSearch(ctx, s, p)
			},
		},
		{
			Name:        "memory_write",
			Description: "Create or update a memory file",
			Parameters: []dispatch.Parameter{
				{Name: "path", Type: "string", Description: "Relative path to the memory file (must end with .md)", Required: true},
				{Name: "content", Type: "string", Description: "Content to write to the file", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p WriteParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return RunWrite(ctx, s, p)
			},
		},
		{
			Name:        "memory_delete",
			Description: "Delete a memory file",
			Parameters: []dispatch.Parameter{
				{Name: "path", Type: "string", Description: "Relative path to the memory file to delete", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p DeleteParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return RunDelete(ctx, s, p)
			},
		},
		{
			Name:        "memory_list",
			Description: "List all memory files with metadata",
			Parameters: []dispatch.Parameter{
				{Name: "pattern", Type: "string", Description: "Optional glob pattern to filter files", Required: false},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p ListParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return RunList(ctx, s.Dir(), p)
			},
		},
	}

	for _, def := range defs {
		if err := executor.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}

	s.logger.Info().Msg("Memory tools registered")
	return nil
}
