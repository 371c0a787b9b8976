package recall

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harlowe/hearth/internal/observability"
	"github.com/harlowe/hearth/internal/tracing"
	"github.com/harlowe/hearth/pkg/dispatch"
)

// Prefetcher performs the pre-turn memory fetch
type Prefetcher struct {
	caller ToolCaller
	audit  observability.AuditSink
}

// New creates a prefetcher. audit may be nil to disable the telemetry
// side effect.
func New(caller ToolCaller, audit observability.AuditSink) *Prefetcher {
	return &Prefetcher{caller: caller, audit: audit}
}

// Fetch retrieves memory context for one turn, racing the retrieval
// against req.Timeout. The losing retrieval is cancelled explicitly, not
// just abandoned. Sanitization is applied to the returned pack.
func (p *Prefetcher) Fetch(ctx context.Context, req Request) ContextResult {
	if !req.MemoryEnabled {
		return ContextResult{Provenance: Provenance{Skipped: true}}
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	startTime := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result ContextResult
	}
	done := make(chan outcome, 1)

	go func() {
		done <- outcome{result: p.retrieve(fetchCtx, req)}
	}()

	var result ContextResult
	select {
	case o := <-done:
		result = o.result
	case <-fetchCtx.Done():
		result = ContextResult{}
	}

	if ctx.Err() != nil {
		// Caller cancellation, not the prefetch budget
		result = ContextResult{Err: ctx.Err()}
	} else if fetchCtx.Err() != nil && (result.Err != nil || result.PackText == "") {
		// A retrieval that loses the race reports a timeout even when it
		// managed to return the deadline error itself
		logger.Warn().Dur("budget", timeout).Msg("Memory prefetch timed out")
		result = ContextResult{Provenance: Provenance{TimedOut: true}}
	}

	result.Provenance.Elapsed = time.Since(startTime)
	observability.RecordRecall(result.Provenance.Elapsed, result.Provenance.TimedOut)

	if result.Err == nil && !result.Provenance.TimedOut && result.PackText != "" {
		result.PackText = Sanitize(req.UserMessage, result.PackText, req.IsColdGreeting)
	}

	return result
}

// retrieve issues the tool call, retrying once under the alias name when
// the canonical name is unknown to the dispatcher
func (p *Prefetcher) retrieve(ctx context.Context, req Request) ContextResult {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	args := map[string]interface{}{
		"query": req.UserMessage,
	}
	if req.ProfileID != "" {
		args["profile_id"] = req.ProfileID
	}

	toolName := CanonicalToolName
	raw, err := p.caller.Call(ctx, toolName, args)
	if err != nil && dispatch.IsToolNotFound(err) {
		logger.Debug().
			Str("tool", CanonicalToolName).
			Str("alias", AliasToolName).
			Msg("Canonical memory tool unknown, retrying under alias")
		observability.RecordRecallAliasRetry()
		toolName = AliasToolName
		raw, err = p.caller.Call(ctx, toolName, args)
	}
	if err != nil {
		return ContextResult{Err: err}
	}

	result := ContextResult{Provenance: Provenance{ToolName: toolName}}

	var envelope packEnvelope
	if jsonErr := json.Unmarshal([]byte(raw), &envelope); jsonErr == nil && envelope.Pack != "" {
		result.PackText = envelope.Pack
		result.OnboardingNeeded = envelope.OnboardingNeeded
		p.auditRetrieval(ctx, req, envelope)
	} else {
		result.PackText = raw
		if raw != "" {
			p.auditRetrieval(ctx, req, packEnvelope{Pack: raw})
		}
	}

	return result
}

// auditRetrieval appends a best-effort telemetry event. Failures inside
// the sink never reach the turn.
func (p *Prefetcher) auditRetrieval(ctx context.Context, req Request, envelope packEnvelope) {
	if p.audit == nil {
		return
	}

	details := map[string]interface{}{
		"profile_loaded": envelope.ProfileLoaded,
		"pack_bytes":     len(envelope.Pack),
	}
	for name, count := range envelope.Counts {
		details[name] = count
	}

	p.audit.Append(ctx, observability.AuditEvent{
		Actor:   req.ProfileID,
		Action:  "memory_context_loaded",
		Result:  "success",
		Details: details,
	})
}
