// Package coretools registers the baseline filesystem and shell tools.
// Every tool is rooted in a workspace directory; paths that escape it
// are rejected before any filesystem access.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harlowe/hearth/pkg/dispatch"
)

// Options configures core tool registration
type Options struct {
	// WorkspaceRoot is the directory file tools operate in
	WorkspaceRoot string

	// ExecTimeout bounds system_execute runs. Zero means 30s.
	ExecTimeout time.Duration
}

const defaultReadLimit = 200000

// Register registers the core tools with the executor
func Register(executor *dispatch.Executor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.WorkspaceRoot == "" {
		return errors.New("workspace root is required")
	}

	tools := []dispatch.Definition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		execTool(opts),
	}

	for _, tool := range tools {
		if err := executor.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) dispatch.Definition {
	return dispatch.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Parameters: []dispatch.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) dispatch.Definition {
	return dispatch.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace",
		Parameters: []dispatch.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) dispatch.Definition {
	return dispatch.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file",
		Parameters: []dispatch.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			var updated string
			occurrences := 0
			if replaceAll {
				occurrences = strings.Count(content, search)
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				if idx := strings.Index(content, search); idx >= 0 {
					occurrences = 1
					updated = content[:idx] + replace + content[idx+len(search):]
				} else {
					updated = content
				}
			}
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func execTool(opts Options) dispatch.Definition {
	return dispatch.Definition{
		Name:        "system_execute",
		Description: "Execute a shell command in the workspace",
		Parameters: []dispatch.Parameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments", Required: false},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
			{Name: "env", Type: "object", Description: "Additional environment variables", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			args := toStringSlice(params["args"])
			env := toStringMap(params["env"])

			timeout := opts.ExecTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			if raw, ok := params["timeout"].(float64); ok && raw > 0 {
				timeout = time.Duration(raw * float64(time.Second))
			}

			cwd := opts.WorkspaceRoot
			if rel, ok := params["cwd"].(string); ok && rel != "" {
				resolved, err := resolveInWorkspace(opts.WorkspaceRoot, rel)
				if err != nil {
					return nil, err
				}
				cwd = resolved
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, command, args...)
			cmd.Dir = cwd
			cmd.Env = os.Environ()
			for k, v := range env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
			if stdin, ok := params["stdin"].(string); ok && stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}

			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			err := cmd.Run()
			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					exitCode = exitErr.ExitCode()
				} else {
					return nil, err
				}
			}

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

// resolveInWorkspace joins a relative path onto the workspace root and
// refuses escapes
func resolveInWorkspace(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}

	target := filepath.Join(root, rel)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return target, nil
}

func readWithLimit(path string, maxBytes int64) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

func toStringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(value interface{}) map[string]string {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
