package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Hearth configuration
type Config struct {
	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// AI provider profiles
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Conflict resolution tables
	Conflict ConflictConfig `json:"conflict" mapstructure:"conflict"`

	// Memory store and prefetch
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// MCP tool servers
	MCPServers []MCPServerConfig `json:"mcp_servers" mapstructure:"mcp_servers"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Audit trail
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sessions directory
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`
}

// AgentConfig configures the tool-loop orchestrator
type AgentConfig struct {
	Model         string   `json:"model" mapstructure:"model"`
	Temperature   float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int      `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string   `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRoundTrips int      `json:"max_round_trips" mapstructure:"max_round_trips"`
	AllowedTools  []string `json:"allowed_tools" mapstructure:"allowed_tools"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ConflictConfig carries the deployable conflict-resolution tables.
// Empty maps fall back to the built-in defaults.
type ConflictConfig struct {
	// Classes maps tool name to its conflict class
	Classes map[string]string `json:"classes" mapstructure:"classes"`
	// Priority maps a conflict class to its precedence order, highest first
	Priority map[string][]string `json:"priority" mapstructure:"priority"`
	// Risk maps tool name to a risk tier: read_only, query, mutating, exec
	Risk map[string]string `json:"risk" mapstructure:"risk"`
}

// MemoryConfig configures the memory store and the prefetch step
type MemoryConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Dir         string `json:"dir" mapstructure:"dir"`
	DBPath      string `json:"db_path" mapstructure:"db_path"`
	TimeoutMs   int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	ReindexCron string `json:"reindex_cron" mapstructure:"reindex_cron"`

	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
}

// EmbeddingConfig configures the embedding provider for vector search
type EmbeddingConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Model   string `json:"model" mapstructure:"model"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
}

// MCPServerConfig describes one MCP tool server to attach at startup
type MCPServerConfig struct {
	ID      string   `json:"id" mapstructure:"id"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:         "claude-sonnet-4",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxRoundTrips: 6,
			AllowedTools:  []string{"*"},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Conflict: ConflictConfig{},
		Memory: MemoryConfig{
			Enabled:     true,
			TimeoutMs:   2500,
			ReindexCron: "*/30 * * * *",
			Embedding: EmbeddingConfig{
				Model: "text-embedding-3-small",
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent: model is required")
	}
	if c.Agent.MaxRoundTrips <= 0 {
		return fmt.Errorf("agent: max_round_trips must be positive")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return fmt.Errorf("agent: temperature must be between 0 and 1")
	}

	if err := validateConflict(c.Conflict); err != nil {
		return err
	}

	if c.Memory.Enabled && c.Memory.TimeoutMs <= 0 {
		return fmt.Errorf("memory: timeout_ms must be positive when memory is enabled")
	}

	for i, server := range c.MCPServers {
		if server.ID == "" {
			return fmt.Errorf("mcp server %d: ID is required", i)
		}
		if server.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", server.ID)
		}
	}

	return nil
}

func validateConflict(cc ConflictConfig) error {
	validTiers := map[string]bool{
		"read_only": true,
		"query":     true,
		"mutating":  true,
		"exec":      true,
	}
	for tool, tier := range cc.Risk {
		if !validTiers[tier] {
			return fmt.Errorf("conflict: tool %s has invalid risk tier %s", tool, tier)
		}
	}
	for class, order := range cc.Priority {
		if len(order) == 0 {
			return fmt.Errorf("conflict: priority for class %s is empty", class)
		}
	}
	return nil
}
