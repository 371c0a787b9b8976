package agent

import (
	"encoding/json"
	"strings"
)

// Message is one entry in the conversation history
type Message struct {
	Role       string                 `json:"role"` // system, user, assistant, tool
	Content    string                 `json:"content"`
	ToolCalls  []ToolCallRequest      `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCallRequest is one tool invocation the model asked for. ID is opaque
// and must be echoed back in exactly one tool-result message.
type ToolCallRequest struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ArgsJSON renders the request arguments for the ledger
func (r ToolCallRequest) ArgsJSON() string {
	if r.Args == nil {
		return "{}"
	}
	data, err := json.Marshal(r.Args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolCallRecord is one ledger entry, executed or skipped
type ToolCallRecord struct {
	Tool       string `json:"tool"`
	ArgsJSON   string `json:"args_json"`
	ResultText string `json:"result_text"`
	Success    bool   `json:"success"`
}

// AgentResponse is the terminal artifact of one turn
type AgentResponse struct {
	Text       string           `json:"text"`
	Success    bool             `json:"success"`
	Bailed     bool             `json:"bailed"`
	ToolCalls  []ToolCallRecord `json:"tool_calls"`
	RoundTrips int              `json:"round_trips"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for model providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// IsRetryableError checks if a model call error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// toolPipelineRejectedSignature is the upstream failure pattern tied to
// tool calling. When a call carrying tools fails with it, the round trip
// is retried once as plain chat.
const toolPipelineRejectedSignature = "tool-calling pipeline rejected"

// IsToolPipelineRejected checks for the transient tool-calling failure
func IsToolPipelineRejected(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), toolPipelineRejectedSignature)
}
