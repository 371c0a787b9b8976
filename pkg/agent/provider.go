package agent

import (
	"context"
	"fmt"

	"github.com/harlowe/hearth/pkg/dispatch"
)

// LLMProvider is an interface for model API providers
type LLMProvider interface {
	// Call makes one chat-completion call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for one model call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the model's answer for one round trip
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCallRequest
	Usage     *TokenUsage
}

// ProviderCreator creates model providers from auth profiles
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory is the default ProviderCreator
type ProviderFactory struct{}

// NewProvider creates a provider based on the profile's provider name
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// BuildToolSchemas converts registered tool definitions into the
// provider-neutral schema maps the model is offered
func BuildToolSchemas(defs []dispatch.Definition) []interface{} {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]interface{}, 0, len(defs))
	for _, def := range defs {
		properties := make(map[string]interface{})
		required := []string{}

		for _, param := range def.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}

		inputSchema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			inputSchema["required"] = required
		}

		tools = append(tools, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": inputSchema,
		})
	}

	return tools
}
