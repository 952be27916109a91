package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued            Status = "Queued"
	StatusRunning           Status = "Running"
	StatusSubtasksGenerated Status = "SubtasksGenerated"
	StatusSubtasksRunning   Status = "SubtasksRunning"
	StatusWaitingForInput   Status = "WaitingForInput"
	StatusDone              Status = "Done"
	StatusFailed            Status = "Failed"
	StatusCancelled         Status = "Cancelled"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSubtasksGenerated, StatusSubtasksRunning,
		StatusWaitingForInput, StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// transitions is the run state machine. Failed and Cancelled are reachable
// from every non-terminal state.
var transitions = map[Status][]Status{
	StatusQueued:            {StatusRunning},
	StatusRunning:           {StatusSubtasksGenerated, StatusDone, StatusWaitingForInput},
	StatusSubtasksGenerated: {StatusWaitingForInput, StatusSubtasksRunning},
	StatusWaitingForInput:   {StatusSubtasksRunning},
	StatusSubtasksRunning:   {StatusDone, StatusWaitingForInput},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payload is the task description a run executes.
type Payload struct {
	// Title is a short label for the task.
	Title string `json:"title,omitempty"`
	// Description is the full task statement handed to the agent.
	Description string `json:"description"`
	// Repos lists the target repositories ("name" or "owner/name").
	Repos []string `json:"repos"`
	// Owner is the default repository owner for bare repository names.
	Owner string `json:"owner,omitempty"`
	// Branch is the working branch, assigned on first checkout when empty.
	Branch string `json:"branch,omitempty"`
	// ModelProvider and ModelName select the model for this run.
	ModelProvider string `json:"model_provider,omitempty"`
	ModelName     string `json:"model_name,omitempty"`
	// AssignmentHint is the planner's suggestion ("agent" or "human").
	AssignmentHint string `json:"assignment_hint,omitempty"`
	// IdempotencyKey makes trigger replays return the original run.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Repo returns the first target repository, or "" when none is set.
func (p Payload) Repo() string {
	if len(p.Repos) == 0 {
		return ""
	}
	return p.Repos[0]
}

// Run is one agent executing against a payload.
type Run struct {
	ID          string    `json:"run_id"`
	AgentType   AgentType `json:"agent_type"`
	Status      Status    `json:"status"`
	Payload     Payload   `json:"payload"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	// SubtaskIndex is the index of the parent's subtask spec this run materializes.
	SubtaskIndex *int `json:"subtask_index,omitempty"`
	// SiblingIDs are the other children of the same parent. Derived on read.
	SiblingIDs []string  `json:"sibling_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Result     *Result   `json:"result,omitempty"`
}

// GroupID is the a2a sibling group this run belongs to: its parent's id.
func (r *Run) GroupID() string {
	return r.ParentRunID
}

// ErrorKind classifies the explanation recorded on a failed run.
type ErrorKind string

const (
	ErrorKindCollaborator  ErrorKind = "collaborator"
	ErrorKindCrash         ErrorKind = "crash"
	ErrorKindDecomposition ErrorKind = "decomposition"
	ErrorKindInternal      ErrorKind = "internal"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindChildFailed   ErrorKind = "child_failed"
)

// CrashMarker is written by the supervisor when a unit dies without a terminal write.
type CrashMarker struct {
	Reason      string    `json:"reason"`
	ExitCode    int       `json:"exit_code"`
	PriorStatus Status    `json:"prior_status"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Result is the latest outcome document persisted for a run.
type Result struct {
	Summary       string          `json:"summary,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	Crash         *CrashMarker    `json:"crash,omitempty"`
	PRURL         string          `json:"pr_url,omitempty"`
	FilesModified []string        `json:"files_modified,omitempty"`
	Question      string          `json:"question,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	// Subtasks holds the decomposition emitted by a composite run.
	Subtasks []SubtaskSpec `json:"subtasks,omitempty"`
}
