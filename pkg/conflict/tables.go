package conflict

import (
	"github.com/harlowe/hearth/internal/config"
)

// Class identifies a group of tools that contend for the same underlying
// resource within one round trip
type Class string

// ClassGeneral is the class for tools with no explicit entry. Unclassified
// tools in one batch contend with each other: at most one of them executes
// per round trip.
const ClassGeneral Class = "general"

// RiskTier orders tools by blast radius. Lower tiers win risk resolution.
type RiskTier int

const (
	TierReadOnly RiskTier = iota
	TierQuery
	TierMutating
	TierExec
)

// String returns the config-facing name of the tier
func (t RiskTier) String() string {
	switch t {
	case TierReadOnly:
		return "read_only"
	case TierQuery:
		return "query"
	case TierMutating:
		return "mutating"
	case TierExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Tables holds the static lookup tables resolution is keyed on. They are
// plain data so deployments can override them through configuration.
type Tables struct {
	// Classes maps tool name to conflict class
	Classes map[string]Class
	// Priority maps a class to its precedence order, preferred tool first
	Priority map[Class][]string
	// Risk maps tool name to risk tier
	Risk map[string]RiskTier
}

// DefaultTables returns the built-in tables covering Hearth's core tools
func DefaultTables() Tables {
	return Tables{
		Classes: map[string]Class{
			"screen_capture":    "screen",
			"get_active_window": "screen",
			"list_windows":      "screen",
		},
		Priority: map[Class][]string{
			"screen": {"get_active_window", "screen_capture", "list_windows"},
		},
		Risk: map[string]RiskTier{
			"read_file":         TierReadOnly,
			"get_active_window": TierReadOnly,
			"screen_capture":    TierReadOnly,
			"list_windows":      TierReadOnly,
			"web_search":        TierQuery,
			"recall_memory":     TierQuery,
			"write_file":        TierMutating,
			"clipboard_write":   TierMutating,
			"system_execute":    TierExec,
		},
	}
}

// TablesFromConfig overlays configured entries onto the defaults
func TablesFromConfig(cc config.ConflictConfig) Tables {
	t := DefaultTables()

	for tool, class := range cc.Classes {
		t.Classes[tool] = Class(class)
	}
	for class, order := range cc.Priority {
		t.Priority[Class(class)] = order
	}
	for tool, tier := range cc.Risk {
		t.Risk[tool] = parseTier(tier)
	}

	return t
}

func parseTier(name string) RiskTier {
	switch name {
	case "read_only":
		return TierReadOnly
	case "query":
		return TierQuery
	case "mutating":
		return TierMutating
	case "exec":
		return TierExec
	default:
		// Unknown names resolve conservatively
		return TierMutating
	}
}

// classOf returns the conflict class for a tool
func (t Tables) classOf(tool string) Class {
	if class, ok := t.Classes[tool]; ok {
		return class
	}
	return ClassGeneral
}

// riskOf returns the risk tier for a tool. Unlisted tools are treated as
// mutating so they never beat a known lower-risk request.
func (t Tables) riskOf(tool string) RiskTier {
	if tier, ok := t.Risk[tool]; ok {
		return tier
	}
	return TierMutating
}
