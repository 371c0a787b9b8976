package conflict

import (
	"fmt"
)

// Reason explains why a request was skipped
type Reason string

const (
	// ReasonPolicyForbid marks a tool outside the turn's allowed set
	ReasonPolicyForbid Reason = "policy_forbid"
	// ReasonDeterministicPriority marks a loss to the precedence table
	ReasonDeterministicPriority Reason = "deterministic_priority"
	// ReasonLowerRisk marks a loss to a lower-risk request
	ReasonLowerRisk Reason = "lower_risk"
	// ReasonDuplicate marks an equal-risk loss broken by submission order
	ReasonDuplicate Reason = "duplicate"
)

// Call is the slice of a tool-call request resolution operates on
type Call struct {
	ID   string
	Tool string
}

// Skipped is a request that will not execute, with its audit trail
type Skipped struct {
	Call       Call
	Reason     Reason
	WinnerTool string // set for conflict losses, empty for policy skips
	Detail     string
}

// Resolution partitions one batch into executable winners and skipped calls.
// Both slices preserve original submission order.
type Resolution struct {
	Winners []Call
	Skipped []Skipped
}

// Resolver applies the three resolution passes over a request batch
type Resolver struct {
	tables Tables
}

// NewResolver creates a resolver bound to a set of tables
func NewResolver(tables Tables) *Resolver {
	return &Resolver{tables: tables}
}

// Resolve decides which requests in the batch may execute. Three ordered
// passes, first match wins:
//  1. policy: tools absent from the allowed set are skipped outright
//  2. priority: within a conflict class that has a precedence entry, the
//     highest-precedence request wins
//  3. risk: remaining contention resolves to the lowest risk tier, ties
//     broken by submission order
//
// Resolve performs no I/O and consults no mutable state.
func (r *Resolver) Resolve(calls []Call, allowed map[string]bool) Resolution {
	skips := make([]*Skipped, len(calls))

	// Policy pass runs first so forbidden tools never reach the conflict
	// passes, even as precedence winners.
	var remaining []int
	for i, call := range calls {
		if !allowed[call.Tool] {
			skips[i] = &Skipped{
				Call:   call,
				Reason: ReasonPolicyForbid,
				Detail: fmt.Sprintf("tool %q is not in the allowed tool set", call.Tool),
			}
			continue
		}
		remaining = append(remaining, i)
	}

	// Group surviving requests by conflict class, preserving index order
	// within each group.
	groups := make(map[Class][]int)
	var order []Class
	for _, i := range remaining {
		class := r.tables.classOf(calls[i].Tool)
		if _, seen := groups[class]; !seen {
			order = append(order, class)
		}
		groups[class] = append(groups[class], i)
	}

	for _, class := range order {
		group := groups[class]
		if len(group) < 2 {
			continue
		}

		if winnerTool, ok := r.precedenceWinner(class, group, calls); ok {
			r.skipPriorityLosers(class, group, calls, winnerTool, skips)
			continue
		}

		r.skipRiskLosers(group, calls, skips)
	}

	res := Resolution{}
	for i, call := range calls {
		if skips[i] != nil {
			res.Skipped = append(res.Skipped, *skips[i])
			continue
		}
		res.Winners = append(res.Winners, call)
	}
	return res
}

// precedenceWinner returns the winning tool name for a class with a
// priority-table entry. Reports false when the class has no entry or no
// group member appears in it, deferring to the risk pass.
func (r *Resolver) precedenceWinner(class Class, group []int, calls []Call) (string, bool) {
	precedence, ok := r.tables.Priority[class]
	if !ok {
		return "", false
	}

	present := make(map[string]bool, len(group))
	for _, i := range group {
		present[calls[i].Tool] = true
	}
	for _, tool := range precedence {
		if present[tool] {
			return tool, true
		}
	}
	return "", false
}

// skipPriorityLosers keeps the first request for the winning tool and skips
// everything else in the group
func (r *Resolver) skipPriorityLosers(class Class, group []int, calls []Call, winnerTool string, skips []*Skipped) {
	winnerTaken := false
	for _, i := range group {
		if !winnerTaken && calls[i].Tool == winnerTool {
			winnerTaken = true
			continue
		}
		skips[i] = &Skipped{
			Call:       calls[i],
			Reason:     ReasonDeterministicPriority,
			WinnerTool: winnerTool,
			Detail:     fmt.Sprintf("superseded by %s (%s class precedence)", winnerTool, class),
		}
	}
}

// skipRiskLosers resolves a class without a precedence entry: the earliest
// request at the lowest risk tier wins
func (r *Resolver) skipRiskLosers(group []int, calls []Call, skips []*Skipped) {
	winner := group[0]
	winnerTier := r.tables.riskOf(calls[winner].Tool)
	for _, i := range group[1:] {
		if tier := r.tables.riskOf(calls[i].Tool); tier < winnerTier {
			winner = i
			winnerTier = tier
		}
	}

	for _, i := range group {
		if i == winner {
			continue
		}
		tier := r.tables.riskOf(calls[i].Tool)
		if tier > winnerTier {
			skips[i] = &Skipped{
				Call:       calls[i],
				Reason:     ReasonLowerRisk,
				WinnerTool: calls[winner].Tool,
				Detail: fmt.Sprintf("%s carries lower risk (%s < %s)",
					calls[winner].Tool, winnerTier, tier),
			}
			continue
		}
		skips[i] = &Skipped{
			Call:       calls[i],
			Reason:     ReasonDuplicate,
			WinnerTool: calls[winner].Tool,
			Detail:     "equal risk tier; first submission wins",
		}
	}
}
