package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey is the context key for the conversation turn ID
	TurnIDKey ContextKey = "turn_id"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
	// ProfileIDKey is the context key for the active memory profile ID
	ProfileIDKey ContextKey = "profile_id"
)

// TraceContext holds tracing information for one turn
type TraceContext struct {
	TraceID    string
	TurnID     string
	SessionKey string
	ProfileID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithProfileID adds a memory profile ID to the context
func WithProfileID(ctx context.Context, profileID string) context.Context {
	return context.WithValue(ctx, ProfileIDKey, profileID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	if turnID, ok := ctx.Value(TurnIDKey).(string); ok {
		return turnID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetProfileID retrieves the memory profile ID from the context
func GetProfileID(ctx context.Context) string {
	if profileID, ok := ctx.Value(ProfileIDKey).(string); ok {
		return profileID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		TurnID:     GetTurnID(ctx),
		SessionKey: GetSessionKey(ctx),
		ProfileID:  GetProfileID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TurnID != "" {
		ctx = WithTurnID(ctx, tc.TurnID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.ProfileID != "" {
		ctx = WithProfileID(ctx, tc.ProfileID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewTurnContext creates a new context for a conversation turn with a fresh turn ID
func NewTurnContext(ctx context.Context) context.Context {
	return WithTurnID(ctx, NewTurnID())
}

// LoggerFromContext enriches a logger with any tracing fields present in the context
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		lc = lc.Str("trace_id", traceID)
	}
	if turnID := GetTurnID(ctx); turnID != "" {
		lc = lc.Str("turn_id", turnID)
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		lc = lc.Str("session_key", sessionKey)
	}
	return lc.Logger()
}
