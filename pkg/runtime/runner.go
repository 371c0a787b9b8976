// Package runtime wires the agent loop to its collaborators: session
// persistence, memory prefetch, tool dispatch, conflict tables, and
// provider failover. One Runner serves many sessions; runs on the same
// session key are abortable by key.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harlowe/hearth/internal/config"
	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
	"github.com/harlowe/hearth/pkg/agent"
	"github.com/harlowe/hearth/pkg/conflict"
	"github.com/harlowe/hearth/pkg/dispatch"
	"github.com/harlowe/hearth/pkg/recall"
	"github.com/harlowe/hearth/pkg/session"
)

// Runner executes whole conversation turns
type Runner struct {
	sessions   *session.Manager
	executor   *dispatch.Executor
	prefetcher *recall.Prefetcher
	failover   *agent.Failover
	resolver   *conflict.Resolver
	cfg        *config.Config
	audit      observability.AuditSink
	logger     zerolog.Logger

	runsMu     sync.RWMutex
	activeRuns map[string]context.CancelFunc
}

// Config holds runner collaborators
type Config struct {
	Sessions *session.Manager
	Executor *dispatch.Executor
	Config   *config.Config
	Audit    observability.AuditSink
	Logger   zerolog.Logger

	// ProviderFactory overrides the default provider construction
	ProviderFactory agent.ProviderCreator
}

// RunParams describes one turn request
type RunParams struct {
	SessionKey string
	Prompt     string
}

// Result is the outcome of one completed turn
type Result struct {
	SessionKey string
	Text       string
	Success    bool
	Bailed     bool
	Resumed    bool
	RoundTrips int
	ToolCalls  []agent.ToolCallRecord
	Recall     recall.Provenance
}

// NewRunner creates a runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(cfg.Config.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one AI profile is required")
	}

	profiles := make([]agent.AuthProfile, len(cfg.Config.AI.Profiles))
	for i, p := range cfg.Config.AI.Profiles {
		profiles[i] = agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		}
	}

	failover, err := agent.NewFailover(profiles, cfg.ProviderFactory, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		sessions:   cfg.Sessions,
		executor:   cfg.Executor,
		prefetcher: recall.New(cfg.Executor, cfg.Audit),
		failover:   failover,
		resolver:   conflict.NewResolver(conflict.TablesFromConfig(cfg.Config.Conflict)),
		cfg:        cfg.Config,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one turn for a session
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params.SessionKey == "" {
		return Result{}, fmt.Errorf("session key is required")
	}
	if params.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", params.SessionKey).Logger()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	if _, exists := r.activeRuns[params.SessionKey]; exists {
		r.runsMu.Unlock()
		return Result{}, fmt.Errorf("a run is already active for session %s", params.SessionKey)
	}
	r.activeRuns[params.SessionKey] = cancel
	r.runsMu.Unlock()

	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, params.SessionKey)
		r.runsMu.Unlock()
	}()

	return r.executeTurn(execCtx, params, logger)
}

// Abort cancels the active run for a session, if any
func (r *Runner) Abort(sessionKey string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionKey]
	if !exists {
		r.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return
	}

	r.logger.Info().Str("session_key", sessionKey).Msg("Aborting run")
	cancel()
	delete(r.activeRuns, sessionKey)
}

// IsRunning reports whether a run is active for the session
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()
	_, exists := r.activeRuns[sessionKey]
	return exists
}

func (r *Runner) executeTurn(ctx context.Context, params RunParams, logger zerolog.Logger) (Result, error) {
	history, err := r.sessions.History(ctx, params.SessionKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load session history: %w", err)
	}
	isColdGreeting := len(history) == 0

	// Memory prefetch happens before the first model call. Its failure
	// modes degrade the turn, never fail it.
	recallResult := r.prefetcher.Fetch(ctx, recall.Request{
		UserMessage:    params.Prompt,
		MemoryEnabled:  r.cfg.Memory.Enabled,
		IsColdGreeting: isColdGreeting,
		ProfileID:      tracing.GetProfileID(ctx),
		Timeout:        time.Duration(r.cfg.Memory.TimeoutMs) * time.Millisecond,
	})
	if recallResult.Err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		logger.Warn().Err(recallResult.Err).Msg("Memory prefetch failed, continuing without context")
	}

	systemPrompt := r.cfg.Agent.SystemPrompt
	if recallResult.PackText != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += recallResult.PackText
	}

	if err := r.sessions.AppendMessage(ctx, params.SessionKey, session.Message{
		Role:    "user",
		Content: params.Prompt,
	}); err != nil {
		return Result{}, fmt.Errorf("failed to persist user message: %w", err)
	}
	history = append(history, agent.Message{Role: "user", Content: params.Prompt})

	// A pending turn state means the prior turn bailed; resume its
	// counter and ledger instead of starting fresh.
	state, err := r.sessions.LoadTurnState(ctx, params.SessionKey)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load turn state, starting fresh")
		state = nil
	}
	turnID := session.NewTurnID()
	initialRoundTrips := 0
	maxRoundTrips := r.cfg.Agent.MaxRoundTrips
	var ledger []agent.ToolCallRecord
	resumed := false
	if state != nil {
		turnID = state.TurnID
		initialRoundTrips = state.RoundTrips
		// The saved counter equals the budget that forced the bail, so a
		// resumed turn gets a fresh window on top of it or it would bail
		// again before reaching the model.
		maxRoundTrips = initialRoundTrips + r.cfg.Agent.MaxRoundTrips
		ledger = state.Ledger
		resumed = true
		logger.Info().
			Str("turn_id", turnID).
			Int("round_trips", initialRoundTrips).
			Int("max_round_trips", maxRoundTrips).
			Msg("Resuming bailed turn")
	}
	ctx = tracing.WithTurnID(ctx, turnID)

	schemas, allowed := r.buildTools()

	turnInput := &agent.TurnInput{
		History:           history,
		Tools:             schemas,
		Allowed:           allowed,
		Ledger:            ledger,
		InitialRoundTrips: initialRoundTrips,
		MaxRoundTrips:     maxRoundTrips,
		Model:             r.cfg.Agent.Model,
		SystemPrompt:      systemPrompt,
		Temperature:       r.cfg.Agent.Temperature,
		MaxTokens:         r.cfg.Agent.MaxTokens,
		LogEvent: func(name string, detail map[string]interface{}) {
			logger.Debug().Str("event", name).Fields(detail).Msg("Turn event")
		},
	}
	persistFrom := len(turnInput.History)

	response, err := r.failover.Execute(ctx, func(provider agent.LLMProvider) (agent.AgentResponse, error) {
		orchestrator, err := agent.NewOrchestrator(agent.OrchestratorConfig{
			Provider:   provider,
			Dispatcher: r.executor,
			Resolver:   r.resolver,
			Audit:      r.audit,
			Logger:     logger,
		})
		if err != nil {
			return agent.AgentResponse{}, err
		}
		return orchestrator.Execute(ctx, turnInput)
	})
	if err != nil {
		// Persist whatever the turn produced before it failed so a
		// retry sees consistent history
		r.persistNewMessages(ctx, params.SessionKey, turnInput, persistFrom, logger)
		return Result{}, err
	}

	r.persistNewMessages(ctx, params.SessionKey, turnInput, persistFrom, logger)

	if response.Bailed {
		if err := r.sessions.SaveTurnState(ctx, params.SessionKey, session.TurnState{
			TurnID:     turnID,
			RoundTrips: response.RoundTrips,
			Ledger:     turnInput.Ledger,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to save turn state")
		}
	} else {
		if err := r.sessions.ClearTurnState(ctx, params.SessionKey); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear turn state")
		}
	}

	return Result{
		SessionKey: params.SessionKey,
		Text:       response.Text,
		Success:    response.Success,
		Bailed:     response.Bailed,
		Resumed:    resumed,
		RoundTrips: response.RoundTrips,
		ToolCalls:  response.ToolCalls,
		Recall:     recallResult.Provenance,
	}, nil
}

// buildTools materializes the turn's fixed tool offer: schemas for the
// tools policy allows, plus the allow map conflict resolution consults
func (r *Runner) buildTools() ([]interface{}, map[string]bool) {
	defs := r.executor.Definitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}

	policy := &dispatch.Policy{Allow: r.cfg.Agent.AllowedTools}
	allowed := policy.AllowedSet(names)

	offered := make([]dispatch.Definition, 0, len(defs))
	for _, def := range defs {
		if allowed[def.Name] {
			offered = append(offered, def)
		}
	}

	return agent.BuildToolSchemas(offered), allowed
}

func (r *Runner) persistNewMessages(ctx context.Context, sessionKey string, input *agent.TurnInput, from int, logger zerolog.Logger) {
	for _, m := range input.History[from:] {
		err := r.sessions.AppendMessage(ctx, sessionKey, session.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Metadata:   m.Metadata,
		})
		if err != nil {
			logger.Error().Err(err).Str("role", m.Role).Msg("Failed to persist turn message")
			return
		}
	}
}
