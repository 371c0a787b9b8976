// Package recall fetches prior-conversation context ahead of a turn. The
// fetch is raced against a timeout budget and the result is sanitized
// before it may reach the model.
package recall

import (
	"context"
	"time"
)

// CanonicalToolName is tried first when fetching memory context
const CanonicalToolName = "recall_memory"

// AliasToolName is the PascalCase fallback for servers exposing that
// naming convention
const AliasToolName = "RecallMemory"

// ToolCaller dispatches one tool call by name. Unknown names must be
// reported through dispatch.ToolNotFoundError so the alias fallback can
// distinguish them from execution failures.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Request carries everything one prefetch needs
type Request struct {
	UserMessage    string
	MemoryEnabled  bool
	IsColdGreeting bool
	ProfileID      string
	Timeout        time.Duration
}

// Provenance records how the prefetch concluded
type Provenance struct {
	Skipped  bool          // memory disabled, nothing attempted
	TimedOut bool          // budget elapsed before retrieval finished
	ToolName string        // tool name that produced the pack
	Elapsed  time.Duration // wall time of the prefetch
}

// ContextResult is the ephemeral outcome of one prefetch. Created fresh
// per turn and never persisted here.
type ContextResult struct {
	PackText         string
	OnboardingNeeded bool
	Err              error
	Provenance       Provenance
}

// packEnvelope is the JSON shape the memory backend returns. A response
// that is not valid JSON is treated as raw pack text.
type packEnvelope struct {
	Pack             string         `json:"pack"`
	OnboardingNeeded bool           `json:"onboarding_needed"`
	ProfileLoaded    bool           `json:"profile_loaded"`
	Counts           map[string]int `json:"counts"`
}
