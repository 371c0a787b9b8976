package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/harlowe/hearth/internal/logger"
	"github.com/harlowe/hearth/internal/tracing"
	"github.com/rs/zerolog"
)

// AuditEvent is one entry in the append-only audit trail
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // session key or subsystem name
	Action    string                 `json:"action"`          // e.g. "tool_executed", "memory_context_loaded"
	Result    string                 `json:"result"`          // "success", "failure", "skipped"
	Details   map[string]interface{} `json:"details,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditSink is the narrow append-only interface the runtime writes through.
// Implementations must never let a write failure reach the caller.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent)
}

// AuditLogger appends events as JSON Lines through zerolog
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance.
// Defaults to stderr until InitAuditLogger points it at a file.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at a JSONL file.
// Entries pass through the redactor so secrets and personal
// identifiers never land in the trail.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	redactor := logger.NewRedactor()
	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(redactor.Wrap(file)).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Append writes an audit event. Best-effort: errors are swallowed.
func (a *AuditLogger) Append(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("result", event.Result).
		Str("trace_id", event.TraceID)

	if event.Details != nil {
		entry = entry.Interface("details", event.Details)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordToolAudit records one tool execution outcome
func RecordToolAudit(ctx context.Context, toolName, actor, result string, details map[string]interface{}) {
	GetAuditLogger().Append(ctx, AuditEvent{
		Actor:   actor,
		Action:  "tool_executed:" + toolName,
		Result:  result,
		Details: details,
	})
}
