package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// Memory is an in-process Store with the same semantics as DB. It backs
// goroutine-mode supervisors and tests.
type Memory struct {
	mu       sync.Mutex
	runs     map[string]*memRun
	order    []string
	keys     map[string]string
	children map[childKey]string
	messages []models.Message
	logs     []models.LogEntry
	now      func() time.Time
	closed   bool
}

type memRun struct {
	run models.Run
	seq int
}

type childKey struct {
	parent string
	index  int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*memRun),
		keys:     make(map[string]string),
		children: make(map[childKey]string),
		now:      time.Now,
	}
}

// Close marks the store closed. Later calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = errors.New("store closed")

// CreateRun validates and inserts a new Queued run.
func (m *Memory) CreateRun(ctx context.Context, req CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errClosed
	}

	var parent *models.Run
	if p, ok := m.runs[req.ParentRunID]; ok && req.ParentRunID != "" {
		parent = &p.run
	}
	if err := validateCreate(req, parent); err != nil {
		return "", err
	}

	if key := req.Payload.IdempotencyKey; key != "" {
		if id, ok := m.keys[key]; ok {
			return id, ErrDuplicate
		}
	}
	if req.SubtaskIndex != nil {
		if id, ok := m.children[childKey{req.ParentRunID, *req.SubtaskIndex}]; ok {
			return id, ErrDuplicate
		}
	}

	now := m.now().UTC()
	run := models.Run{
		ID:          uuid.NewString(),
		AgentType:   req.AgentType,
		Status:      models.StatusQueued,
		Payload:     clonePayload(req.Payload),
		ParentRunID: req.ParentRunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.SubtaskIndex != nil {
		idx := *req.SubtaskIndex
		run.SubtaskIndex = &idx
		m.children[childKey{req.ParentRunID, idx}] = run.ID
	}
	if key := req.Payload.IdempotencyKey; key != "" {
		m.keys[key] = run.ID
	}
	m.runs[run.ID] = &memRun{run: run, seq: len(m.order)}
	m.order = append(m.order, run.ID)
	return run.ID, nil
}

// GetRun retrieves a run by id, including the ids of its siblings.
func (m *Memory) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, notFound(runID)
	}
	run := cloneRun(&r.run)
	run.SiblingIDs = m.siblingsLocked(run)
	return run, nil
}

// siblingsLocked returns the other children of run's parent in creation
// order. The caller holds m.mu.
func (m *Memory) siblingsLocked(run *models.Run) []string {
	if run.ParentRunID == "" {
		return nil
	}
	var ids []string
	for _, id := range m.order {
		if id != run.ID && m.runs[id].run.ParentRunID == run.ParentRunID {
			ids = append(ids, id)
		}
	}
	return ids
}

// UpdateStatus is a compare-and-swap on the run's status.
func (m *Memory) UpdateStatus(ctx context.Context, runID string, expected, next models.Status) error {
	return m.Transition(ctx, runID, expected, next, nil)
}

// Transition is UpdateStatus that also replaces the result when result is
// non-nil.
func (m *Memory) Transition(ctx context.Context, runID string, expected, next models.Status, result *models.Result) error {
	if err := checkTransition(runID, expected, next); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	r, ok := m.runs[runID]
	if !ok {
		return notFound(runID)
	}
	if r.run.Status != expected {
		return &ConflictError{RunID: runID, Expected: expected, Actual: r.run.Status}
	}
	r.run.Status = next
	if result != nil {
		r.run.Result = cloneResult(result)
	}
	r.run.UpdatedAt = m.now().UTC()
	return nil
}

// AppendResult records the run's latest result, replacing any earlier one.
func (m *Memory) AppendResult(ctx context.Context, runID string, result *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	r, ok := m.runs[runID]
	if !ok {
		return notFound(runID)
	}
	r.run.Result = cloneResult(result)
	r.run.UpdatedAt = m.now().UTC()
	return nil
}

// ListRuns snapshots matching runs under the lock and yields copies with
// their SiblingIDs.
func (m *Memory) ListRuns(ctx context.Context, filter RunFilter) iter.Seq2[*models.Run, error] {
	return func(yield func(*models.Run, error) bool) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			yield(nil, errClosed)
			return
		}
		var matched []*models.Run
		for _, id := range m.order {
			r := m.runs[id]
			if !filter.matches(&r.run) {
				continue
			}
			run := cloneRun(&r.run)
			run.SiblingIDs = m.siblingsLocked(run)
			matched = append(matched, run)
		}
		m.mu.Unlock()

		// Order by creation time with insertion order breaking ties.
		slices.SortStableFunc(matched, func(a, b *models.Run) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		if filter.Limit > 0 && len(matched) > filter.Limit {
			matched = matched[:filter.Limit]
		}
		for _, run := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(run, nil) {
				return
			}
		}
	}
}

func (f RunFilter) matches(run *models.Run) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, run.Status) {
		return false
	}
	if f.ParentRunID != "" && run.ParentRunID != f.ParentRunID {
		return false
	}
	if f.AgentType != "" && run.AgentType != f.AgentType {
		return false
	}
	return true
}

// FindChild returns the child created for a parent's subtask index.
func (m *Memory) FindChild(ctx context.Context, parentRunID string, index int) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	id, ok := m.children[childKey{parentRunID, index}]
	if !ok {
		return nil, fmt.Errorf("%w: child %d of %s", ErrNotFound, index, parentRunID)
	}
	return cloneRun(&m.runs[id].run), nil
}

// PostMessage appends a message to the group and returns its id. Ids are
// shared across groups and never reused.
func (m *Memory) PostMessage(ctx context.Context, groupID, senderRunID string, content models.Fact) (int64, error) {
	if groupID == "" || senderRunID == "" {
		return 0, validationf("message requires group and sender")
	}
	copied, err := cloneFact(content)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}
	id := int64(len(m.messages) + 1)
	m.messages = append(m.messages, models.Message{
		ID:          id,
		GroupID:     groupID,
		SenderRunID: senderRunID,
		Content:     copied,
		CreatedAt:   m.now().UTC(),
	})
	return id, nil
}

// ListMessages returns messages of a group with id > since, ascending.
func (m *Memory) ListMessages(ctx context.Context, groupID string, since int64) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	var out []models.Message
	for _, msg := range m.messages {
		if msg.GroupID == groupID && msg.ID > since {
			out = append(out, msg)
		}
	}
	return out, nil
}

// AppendLog appends an entry to the run's log.
func (m *Memory) AppendLog(ctx context.Context, runID, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}
	id := int64(len(m.logs) + 1)
	m.logs = append(m.logs, models.LogEntry{ID: id, RunID: runID, Content: content, CreatedAt: m.now().UTC()})
	return id, nil
}

// ListLogs returns up to limit entries of a run's log with id > after.
func (m *Memory) ListLogs(ctx context.Context, runID string, after int64, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	var out []models.LogEntry
	for _, e := range m.logs {
		if e.RunID != runID || e.ID <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneRun(r *models.Run) *models.Run {
	c := *r
	c.Payload = clonePayload(r.Payload)
	if r.SubtaskIndex != nil {
		idx := *r.SubtaskIndex
		c.SubtaskIndex = &idx
	}
	c.SiblingIDs = nil
	c.Result = cloneResult(r.Result)
	return &c
}

func clonePayload(p models.Payload) models.Payload {
	p.Repos = slices.Clone(p.Repos)
	return p
}

func cloneResult(r *models.Result) *models.Result {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		c := *r
		return &c
	}
	var c models.Result
	if err := json.Unmarshal(data, &c); err != nil {
		c = *r
	}
	return &c
}

func cloneFact(f models.Fact) (models.Fact, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var c models.Fact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("copy message: %w", err)
	}
	return c, nil
}
