package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
	ServerID    string      `json:"server_id,omitempty"` // set for tools bridged from an MCP server
}

// Policy defines which tools a turn may use
type Policy struct {
	Allow []string `json:"allow"` // allowed tools, * for all
	Deny  []string `json:"deny"`  // denied tools, overrides allow
}

// Allows checks if a tool is allowed by the policy. A nil policy allows
// everything.
func (p *Policy) Allows(toolName string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// AllowedSet materializes the policy decision for a set of tool names
func (p *Policy) AllowedSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = p.Allows(name)
	}
	return set
}

// ToolNotFoundError reports a call to a tool name with no registration.
// Callers distinguish it from execution failures to drive name-alias
// fallback.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// IsToolNotFound reports whether err is a missing-tool error anywhere in
// its chain
func IsToolNotFound(err error) bool {
	var notFound *ToolNotFoundError
	return errors.As(err, &notFound)
}
