package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
	"github.com/harlowe/hearth/pkg/conflict"
)

// BailText is the fixed partial-result answer appended when a turn runs
// out of round trips. Budget exhaustion is a successful truncated answer,
// never an error.
const BailText = "I ran out of room to finish this request in one turn. " +
	"Here is what I completed so far; ask me to continue and I will pick up where I left off."

// Dispatcher executes one tool call by name
type Dispatcher interface {
	Call(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// TurnInput carries the per-conversation state one Execute call operates
// on. History and Ledger are extended in place so the caller can resume a
// partially-run turn with the same object.
type TurnInput struct {
	History []Message

	// Tools is the fixed tool-schema set offered to the model. The
	// orchestrator never widens or narrows it mid-turn.
	Tools []interface{}

	// Allowed is the policy set conflict resolution checks against,
	// fixed for the whole turn.
	Allowed map[string]bool

	// Ledger accumulates every executed or skipped call across round
	// trips. A non-empty ledger resumes a prior partial turn.
	Ledger []ToolCallRecord

	InitialRoundTrips int
	MaxRoundTrips     int

	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Sanitize is applied to the final assistant text. Optional.
	Sanitize func(string) string

	// LogEvent receives turn-internal events. Optional.
	LogEvent func(name string, detail map[string]interface{})
}

// Orchestrator runs the bounded round-trip loop for one turn at a time
type Orchestrator struct {
	provider   LLMProvider
	dispatcher Dispatcher
	resolver   *conflict.Resolver
	audit      observability.AuditSink
	logger     zerolog.Logger
}

// OrchestratorConfig holds orchestrator collaborators
type OrchestratorConfig struct {
	Provider   LLMProvider
	Dispatcher Dispatcher
	Resolver   *conflict.Resolver
	Audit      observability.AuditSink
	Logger     zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.DefaultTables())
	}

	return &Orchestrator{
		provider:   cfg.Provider,
		dispatcher: cfg.Dispatcher,
		resolver:   resolver,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}, nil
}

// Execute runs one conversation turn to a terminal state: a tool-call-free
// model answer, budget exhaustion, or cancellation. History ownership
// passes to the orchestrator for the duration of the call.
func (o *Orchestrator) Execute(ctx context.Context, input *TurnInput) (AgentResponse, error) {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	sanitize := input.Sanitize
	if sanitize == nil {
		sanitize = func(s string) string { return s }
	}

	maxRoundTrips := input.MaxRoundTrips
	if maxRoundTrips <= 0 {
		maxRoundTrips = 6
	}

	roundTrips := input.InitialRoundTrips

	for {
		if err := ctx.Err(); err != nil {
			return AgentResponse{}, err
		}

		if roundTrips >= maxRoundTrips {
			return o.bail(input, roundTrips, startTime, logger), nil
		}

		roundTrips++

		response, err := o.callModel(ctx, input, logger)
		if err != nil {
			observability.RecordTurn(o.provider.Provider(), time.Since(startTime), roundTrips, false)
			return AgentResponse{}, err
		}

		if len(response.ToolCalls) == 0 {
			text := sanitize(response.Content)
			input.History = append(input.History, Message{Role: "assistant", Content: text})

			observability.RecordTurn(o.provider.Provider(), time.Since(startTime), roundTrips, true)
			logger.Info().Int("round_trips", roundTrips).Msg("Turn completed")

			return AgentResponse{
				Text:       text,
				Success:    true,
				ToolCalls:  input.Ledger,
				RoundTrips: roundTrips,
			}, nil
		}

		// The tool-call-bearing assistant message must land in history
		// before any result so every call id has a paired tool result.
		input.History = append(input.History, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		if err := o.processToolCalls(ctx, input, response.ToolCalls, logger); err != nil {
			return AgentResponse{}, err
		}

		if roundTrips >= maxRoundTrips {
			return o.bail(input, roundTrips, startTime, logger), nil
		}
	}
}

// callModel makes one model call, degrading once to plain chat when the
// tool-calling pipeline rejects a request that carried tools
func (o *Orchestrator) callModel(ctx context.Context, input *TurnInput, logger zerolog.Logger) (*LLMResponse, error) {
	request := LLMRequest{
		Model:        input.Model,
		Messages:     input.History,
		Tools:        input.Tools,
		Temperature:  input.Temperature,
		MaxTokens:    input.MaxTokens,
		SystemPrompt: input.SystemPrompt,
	}

	response, err := o.provider.Call(ctx, request)
	if err != nil && len(input.Tools) > 0 && IsToolPipelineRejected(err) {
		logger.Warn().Err(err).Msg("Tool pipeline rejected request, retrying without tools")
		o.logEvent(input, "tools_degraded", map[string]interface{}{"error": err.Error()})

		request.Tools = nil
		response, err = o.provider.Call(ctx, request)
	}

	return response, err
}

// processToolCalls resolves one batch and appends exactly one tool-result
// message per request id
func (o *Orchestrator) processToolCalls(ctx context.Context, input *TurnInput, requests []ToolCallRequest, logger zerolog.Logger) error {
	calls := make([]conflict.Call, len(requests))
	byID := make(map[string]ToolCallRequest, len(requests))
	for i, req := range requests {
		calls[i] = conflict.Call{ID: req.ID, Tool: req.Name}
		byID[req.ID] = req
	}

	resolution := o.resolver.Resolve(calls, input.Allowed)

	for _, skipped := range resolution.Skipped {
		req := byID[skipped.Call.ID]
		payload := skipPayload(skipped)

		input.History = append(input.History, Message{
			Role:       "tool",
			Content:    payload,
			ToolCallID: req.ID,
		})
		input.Ledger = append(input.Ledger, ToolCallRecord{
			Tool:       req.Name,
			ArgsJSON:   req.ArgsJSON(),
			ResultText: payload,
			Success:    false,
		})

		observability.RecordConflictSkip(string(skipped.Reason))
		if o.audit != nil {
			o.audit.Append(ctx, observability.AuditEvent{
				Actor:  tracing.GetSessionKey(ctx),
				Action: "tool_skipped:" + req.Name,
				Result: string(skipped.Reason),
				Details: map[string]interface{}{
					"winner": skipped.WinnerTool,
					"detail": skipped.Detail,
				},
			})
		}
		o.logEvent(input, "tool_skipped", map[string]interface{}{
			"tool":   req.Name,
			"reason": string(skipped.Reason),
			"winner": skipped.WinnerTool,
		})
		logger.Debug().
			Str("tool", req.Name).
			Str("reason", string(skipped.Reason)).
			Msg("Tool call skipped")
	}

	for _, winner := range resolution.Winners {
		if err := ctx.Err(); err != nil {
			return err
		}

		req := byID[winner.ID]
		resultText, err := o.dispatcher.Call(ctx, req.Name, req.Args)
		success := err == nil
		if err != nil {
			// Cancellation aborts the turn; everything else is fed back
			// to the model inline
			if ctx.Err() != nil {
				return ctx.Err()
			}
			resultText = "Tool error: " + err.Error()
			logger.Warn().Str("tool", req.Name).Err(err).Msg("Tool execution failed")
		}

		input.History = append(input.History, Message{
			Role:       "tool",
			Content:    resultText,
			ToolCallID: req.ID,
		})
		input.Ledger = append(input.Ledger, ToolCallRecord{
			Tool:       req.Name,
			ArgsJSON:   req.ArgsJSON(),
			ResultText: resultText,
			Success:    success,
		})

		o.logEvent(input, "tool_executed", map[string]interface{}{
			"tool":    req.Name,
			"success": success,
		})
	}

	return nil
}

func (o *Orchestrator) bail(input *TurnInput, roundTrips int, startTime time.Time, logger zerolog.Logger) AgentResponse {
	input.History = append(input.History, Message{Role: "assistant", Content: BailText})

	observability.RecordTurnBail()
	observability.RecordTurn(o.provider.Provider(), time.Since(startTime), roundTrips, true)
	o.logEvent(input, "turn_bailed", map[string]interface{}{"round_trips": roundTrips})
	logger.Info().Int("round_trips", roundTrips).Msg("Turn bailed on round-trip budget")

	return AgentResponse{
		Text:       BailText,
		Success:    true,
		Bailed:     true,
		ToolCalls:  input.Ledger,
		RoundTrips: roundTrips,
	}
}

func (o *Orchestrator) logEvent(input *TurnInput, name string, detail map[string]interface{}) {
	if input.LogEvent != nil {
		input.LogEvent(name, detail)
	}
}

// skipPayload renders a skip decision as the structured JSON the model
// receives in place of a real result
func skipPayload(skipped conflict.Skipped) string {
	errKind := "tool_conflict_skipped"
	if skipped.Reason == conflict.ReasonPolicyForbid {
		errKind = "policy_forbid"
	}

	payload := map[string]interface{}{
		"error":  errKind,
		"tool":   skipped.Call.Tool,
		"reason": string(skipped.Reason),
		"detail": skipped.Detail,
	}
	if skipped.WinnerTool != "" {
		payload["winner"] = skipped.WinnerTool
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"tool":%q}`, errKind, skipped.Call.Tool)
	}
	return string(data)
}
