package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxOutputSize      = 10 * 1024
)

// Executor manages the tool registry and executes calls against it
type Executor struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates an empty executor
func New() *Executor {
	return &Executor{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: defaultCallTimeout,
	}
}

// SetTimeout overrides the per-call execution timeout
func (e *Executor) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.timeout = d
	}
}

// Register adds a tool to the registry
func (e *Executor) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tools, name)
	delete(e.schemas, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// Get returns a tool definition by name, nil when absent
func (e *Executor) Get(name string) *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tools[name]
}

// List returns all registered tool names
func (e *Executor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

// Definitions returns a snapshot of all registered definitions
func (e *Executor) Definitions() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]Definition, 0, len(e.tools))
	for _, def := range e.tools {
		defs = append(defs, *def)
	}
	return defs
}

// Count returns the number of registered tools
func (e *Executor) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.tools)
}

// Call validates args against the tool's schema and runs its handler.
// Output is rendered to text and truncated past 10KB. Unknown names
// return *ToolNotFoundError so callers can try an alias.
func (e *Executor) Call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	e.mu.RLock()
	tool := e.tools[name]
	schema := e.schemas[name]
	timeout := e.timeout
	e.mu.RUnlock()

	if tool == nil {
		logger.Warn().Str("tool", name).Msg("Tool not found")
		return "", &ToolNotFoundError{Tool: name}
	}

	if err := validateArgs(schema, args); err != nil {
		logger.Error().Str("tool", name).Err(err).Msg("Argument validation failed")
		e.record(ctx, name, startTime, false, err.Error())
		return "", fmt.Errorf("argument validation failed: %w", err)
	}

	logger.Debug().Str("tool", name).Msg("Executing tool")

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := tool.Handler(callCtx, args)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		output, truncated := renderOutput(result)
		logger.Debug().
			Str("tool", name).
			Dur("duration", time.Since(startTime)).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		e.record(ctx, name, startTime, true, "")
		return output, nil

	case err := <-errChan:
		logger.Error().
			Str("tool", name).
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")
		e.record(ctx, name, startTime, false, err.Error())
		return "", err

	case <-callCtx.Done():
		logger.Error().
			Str("tool", name).
			Dur("duration", time.Since(startTime)).
			Msg("Tool execution timeout")
		e.record(ctx, name, startTime, false, "timeout")
		if ctx.Err() != nil {
			// Caller cancellation, not the per-call timeout
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

func (e *Executor) record(ctx context.Context, name string, start time.Time, success bool, errMsg string) {
	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, success)

	result := "success"
	details := map[string]interface{}{"duration_ms": duration.Milliseconds()}
	if !success {
		result = "failure"
		details["error"] = errMsg
	}
	observability.RecordToolAudit(ctx, name, tracing.GetSessionKey(ctx), result, details)
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchema builds a JSON Schema from a tool's declared parameters
func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}

// renderOutput flattens a handler result to text for the model
func renderOutput(output interface{}) (string, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		str = ""
	case string:
		str = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}

	if len(str) <= maxOutputSize {
		return str, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return str[:maxOutputSize] + "\n... [output truncated]", true
}
