// Package store is the durable source of truth for runs, a2a messages and
// run logs. It is the only mutable state shared between execution units.
package store

import (
	"context"
	"io"
	"iter"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// CreateRequest describes a run to create.
type CreateRequest struct {
	AgentType   models.AgentType
	Payload     models.Payload
	ParentRunID string
	// SubtaskIndex links a child to the parent's subtask spec. At most one
	// child may exist per (parent, index).
	SubtaskIndex *int
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Statuses    []models.Status
	ParentRunID string
	AgentType   models.AgentType
	Limit       int
}

// RunStore handles run persistence. Status changes go through UpdateStatus
// or Transition, a compare-and-swap on the current status.
type RunStore interface {
	// CreateRun validates and inserts a Queued run. When the request
	// duplicates an idempotency key or a (parent, subtask index) pair, the
	// existing run id is returned together with ErrDuplicate.
	CreateRun(ctx context.Context, req CreateRequest) (string, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// UpdateStatus sets next only if the current status equals expected.
	UpdateStatus(ctx context.Context, runID string, expected, next models.Status) error
	// Transition is UpdateStatus that atomically replaces the result too.
	// A nil result leaves the stored one unchanged.
	Transition(ctx context.Context, runID string, expected, next models.Status, result *models.Result) error
	AppendResult(ctx context.Context, runID string, result *models.Result) error
	// ListRuns yields runs oldest first. Iteration stops at the first error.
	ListRuns(ctx context.Context, filter RunFilter) iter.Seq2[*models.Run, error]
	// FindChild returns the child materialized for a parent's subtask index.
	FindChild(ctx context.Context, parentRunID string, index int) (*models.Run, error)
}

// MessageStore is the append-only a2a log.
type MessageStore interface {
	PostMessage(ctx context.Context, groupID, senderRunID string, content models.Fact) (int64, error)
	// ListMessages returns messages of a group with id > since, ascending.
	ListMessages(ctx context.Context, groupID string, since int64) ([]models.Message, error)
}

// LogStore is the append-only per-run observability trail.
type LogStore interface {
	AppendLog(ctx context.Context, runID, content string) (int64, error)
	// ListLogs returns entries with id > after, ascending. limit <= 0 means no limit.
	ListLogs(ctx context.Context, runID string, after int64, limit int) ([]models.LogEntry, error)
}

// Store composes the persistence interfaces an execution unit is handed.
type Store interface {
	io.Closer
	RunStore
	MessageStore
	LogStore
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*Memory)(nil)
)

// Children collects a parent's children from ListRuns.
func Children(ctx context.Context, s RunStore, parentRunID string) ([]*models.Run, error) {
	var children []*models.Run
	for run, err := range s.ListRuns(ctx, RunFilter{ParentRunID: parentRunID}) {
		if err != nil {
			return nil, err
		}
		children = append(children, run)
	}
	return children, nil
}
