package models

import (
	"fmt"
	"strings"
)

// AgentType selects the behavior an execution unit runs for a run.
type AgentType string

const (
	// AgentSWE edits code in a single repository and opens a pull request.
	AgentSWE AgentType = "SWE"
	// AgentPM plans a change in one repository and delegates it to SWE children.
	AgentPM AgentType = "PM"
	// AgentFullstackPlanner splits a cross-repository task into PM subtasks.
	AgentFullstackPlanner AgentType = "FullstackPlanner"
)

// AgentTypes lists every known agent type in hierarchy order.
var AgentTypes = []AgentType{AgentFullstackPlanner, AgentPM, AgentSWE}

// Valid returns true if the agent type is a known value.
func (a AgentType) Valid() bool {
	switch a {
	case AgentSWE, AgentPM, AgentFullstackPlanner:
		return true
	default:
		return false
	}
}

// Composite reports whether runs of this type may own child runs.
func (a AgentType) Composite() bool {
	return a == AgentPM || a == AgentFullstackPlanner
}

// ChildType is the agent type of runs this type materializes.
// Returns an empty type for leaf agents.
func (a AgentType) ChildType() AgentType {
	switch a {
	case AgentFullstackPlanner:
		return AgentPM
	case AgentPM:
		return AgentSWE
	default:
		return ""
	}
}

// ParseAgentType parses a user-supplied agent type name.
// It accepts the canonical names case-insensitively plus the legacy
// "Fullstack Planner" spelling.
func ParseAgentType(s string) (AgentType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	norm = strings.ReplaceAll(norm, "_", "")
	norm = strings.ReplaceAll(norm, "-", "")
	switch norm {
	case "swe":
		return AgentSWE, nil
	case "pm":
		return AgentPM, nil
	case "fullstackplanner", "planner":
		return AgentFullstackPlanner, nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}
