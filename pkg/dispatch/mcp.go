package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC method-not-found; MCP servers also use it for unknown tools
const mcpCodeMethodNotFound = -32601

// MCPServerAdapter bridges tools from a Model Context Protocol server
// spoken over stdio
type MCPServerAdapter struct {
	serverID string
	command  string
	args     []string

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	id      int
	pending map[int]chan *mcpResponse
}

// NewMCPServerAdapter creates a new adapter for an MCP server
func NewMCPServerAdapter(serverID, command string, args []string) *MCPServerAdapter {
	return &MCPServerAdapter{
		serverID: serverID,
		command:  command,
		args:     args,
		pending:  make(map[int]chan *mcpResponse),
	}
}

// Start starts the MCP server process and performs the initialize handshake
func (a *MCPServerAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.process != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	a.process = cmd
	a.stdin = stdin
	a.stdout = bufio.NewScanner(stdout)

	go a.listen()

	return a.initialize(ctx)
}

func (a *MCPServerAdapter) listen() {
	for a.stdout.Scan() {
		var resp mcpResponse
		if err := json.Unmarshal(a.stdout.Bytes(), &resp); err != nil {
			log.Error().Err(err).Str("server", a.serverID).Msg("Failed to unmarshal MCP response")
			continue
		}

		if id, ok := resp.ID.(float64); ok {
			a.mu.Lock()
			ch, exists := a.pending[int(id)]
			if exists {
				delete(a.pending, int(id))
				ch <- &resp
			}
			a.mu.Unlock()
		}
	}
}

func (a *MCPServerAdapter) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "Hearth",
			"version": "0.1.0",
		},
	}
	_, err := a.call(ctx, "initialize", params)
	return err
}

func (a *MCPServerAdapter) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	resp, err := a.rawCall(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP error (%d): %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

// ExecuteTool runs one tool on the MCP server. An unknown tool name maps
// to *ToolNotFoundError.
func (a *MCPServerAdapter) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	if err := a.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	callParams := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	resp, err := a.callTool(ctx, callParams, name)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	return result, nil
}

func (a *MCPServerAdapter) callTool(ctx context.Context, params map[string]interface{}, name string) (*mcpResponse, error) {
	resp, err := a.rawCall(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if resp.Error.Code == mcpCodeMethodNotFound {
			return nil, &ToolNotFoundError{Tool: name}
		}
		return nil, fmt.Errorf("MCP error (%d): %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

// rawCall is call without the error-to-Go-error translation, so tool calls
// can inspect the JSON-RPC error code
func (a *MCPServerAdapter) rawCall(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	a.mu.Lock()
	a.id++
	id := a.id
	ch := make(chan *mcpResponse, 1)
	a.pending[id] = ch
	stdin := a.stdin
	a.mu.Unlock()

	req := mcpRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := io.WriteString(stdin, string(data)+"\n"); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("MCP request timeout")
	}
}

// ListTools fetches the tool definitions from the MCP server
func (a *MCPServerAdapter) ListTools(ctx context.Context) ([]Definition, error) {
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	resp, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}

	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, err
	}

	defs := make([]Definition, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		def := Definition{
			Name:        t.Name,
			Description: t.Description,
			ServerID:    a.serverID,
		}
		if params := parseMCPToolParameters(t.InputSchema); len(params) > 0 {
			def.Parameters = params
		}
		defs = append(defs, def)
	}

	return defs, nil
}

// RegisterAll discovers the server's tools and registers them on the
// executor, routing each through ExecuteTool
func (a *MCPServerAdapter) RegisterAll(ctx context.Context, executor *Executor) error {
	defs, err := a.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools from %s: %w", a.serverID, err)
	}

	for _, def := range defs {
		toolName := def.Name
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return a.ExecuteTool(ctx, toolName, args)
		}
		if def.Description == "" {
			def.Description = fmt.Sprintf("[MCP: %s] %s", a.serverID, toolName)
		}
		if err := executor.Register(def); err != nil {
			log.Warn().
				Str("server", a.serverID).
				Str("tool", toolName).
				Err(err).
				Msg("Skipping MCP tool registration")
		}
	}

	log.Info().
		Str("server", a.serverID).
		Int("tools", len(defs)).
		Msg("MCP server tools registered")

	return nil
}

// Stop kills the MCP server process
func (a *MCPServerAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.process != nil && a.process.Process != nil {
		return a.process.Process.Kill()
	}
	return nil
}

func parseMCPToolParameters(schema json.RawMessage) []Parameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]Parameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := Parameter{
			Name:     name,
			Required: required[name],
		}
		if typeVal, ok := prop["type"].(string); ok {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	return params
}
