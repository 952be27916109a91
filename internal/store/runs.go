package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/cairn/pkg/models"
)

const runColumns = `run_id, agent_type, status, parent_run_id, subtask_index, payload, result, created_at, updated_at`

// CreateRun validates and inserts a new Queued run.
func (db *DB) CreateRun(ctx context.Context, req CreateRequest) (string, error) {
	var parent *models.Run
	if req.ParentRunID != "" {
		p, err := db.GetRun(ctx, req.ParentRunID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		parent = p
	}
	if err := validateCreate(req, parent); err != nil {
		return "", err
	}

	if id, err := db.existingRun(ctx, req); err != nil {
		return "", err
	} else if id != "" {
		return id, ErrDuplicate
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := db.timestamp()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, agent_type, status, parent_run_id, subtask_index, idempotency_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, string(req.AgentType), string(models.StatusQueued), nullString(req.ParentRunID),
		nullIndex(req.SubtaskIndex), nullString(req.Payload.IdempotencyKey), string(payload), now, now)
	if isUniqueViolation(err) {
		// Lost the insert race to a concurrent creator of the same run.
		existing, lookupErr := db.existingRun(ctx, req)
		if lookupErr != nil {
			return "", lookupErr
		}
		if existing != "" {
			return existing, ErrDuplicate
		}
	}
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// existingRun returns the id of a run the request would duplicate, or "".
func (db *DB) existingRun(ctx context.Context, req CreateRequest) (string, error) {
	var id string
	if key := req.Payload.IdempotencyKey; key != "" {
		err := db.conn.QueryRowContext(ctx, `SELECT run_id FROM runs WHERE idempotency_key = ?`, key).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	if req.SubtaskIndex != nil {
		err := db.conn.QueryRowContext(ctx, `
			SELECT run_id FROM runs WHERE parent_run_id = ? AND subtask_index = ?
		`, req.ParentRunID, *req.SubtaskIndex).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("lookup subtask child: %w", err)
		}
	}
	return "", nil
}

// GetRun retrieves a run by id, including the ids of its siblings.
func (db *DB) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	if run.ParentRunID != "" {
		siblings, err := db.siblingIDs(ctx, run.ParentRunID, run.ID)
		if err != nil {
			return nil, err
		}
		run.SiblingIDs = siblings
	}
	return run, nil
}

func (db *DB) siblingIDs(ctx context.Context, parentID, selfID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id FROM runs WHERE parent_run_id = ? AND run_id <> ?
		ORDER BY created_at, rowid
	`, parentID, selfID)
	if err != nil {
		return nil, fmt.Errorf("query siblings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatus is a compare-and-swap on the run's status.
func (db *DB) UpdateStatus(ctx context.Context, runID string, expected, next models.Status) error {
	return db.Transition(ctx, runID, expected, next, nil)
}

// Transition is UpdateStatus that also replaces the result in the same
// statement when result is non-nil.
func (db *DB) Transition(ctx context.Context, runID string, expected, next models.Status, result *models.Result) error {
	if err := checkTransition(runID, expected, next); err != nil {
		return err
	}

	query := `UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`
	args := []any{string(next), db.timestamp(), runID, string(expected)}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		query = `UPDATE runs SET status = ?, updated_at = ?, result = ? WHERE run_id = ? AND status = ?`
		args = []any{string(next), db.timestamp(), string(data), runID, string(expected)}
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var actual string
	err = db.conn.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(runID)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return &ConflictError{RunID: runID, Expected: expected, Actual: models.Status(actual)}
}

// AppendResult records the run's latest result, replacing any earlier one.
func (db *DB) AppendResult(ctx context.Context, runID string, result *models.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET result = ?, updated_at = ? WHERE run_id = ?
	`, string(data), db.timestamp(), runID)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	if n == 0 {
		return notFound(runID)
	}
	return nil
}

// ListRuns streams runs matching the filter, oldest first. Rows are read
// lazily, so the iterator holds a connection until it finishes. Children
// carry their SiblingIDs as GetRun would report them.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) iter.Seq2[*models.Run, error] {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conditions []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ParentRunID != "" {
		conditions = append(conditions, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.AgentType != "" {
		conditions = append(conditions, "agent_type = ?")
		args = append(args, string(filter.AgentType))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return func(yield func(*models.Run, error) bool) {
		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("list runs: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan run: %w", err))
				return
			}
			if run.ParentRunID != "" {
				if run.SiblingIDs, err = db.siblingIDs(ctx, run.ParentRunID, run.ID); err != nil {
					yield(nil, err)
					return
				}
			}
			if !yield(run, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate runs: %w", err))
		}
	}
}

// FindChild returns the child created for a parent's subtask index.
func (db *DB) FindChild(ctx context.Context, parentRunID string, index int) (*models.Run, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE parent_run_id = ? AND subtask_index = ?
	`, parentRunID, index)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: child %d of %s", ErrNotFound, index, parentRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("find child: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run              models.Run
		agentType        string
		status           string
		parentID         sql.NullString
		subtaskIndex     sql.NullInt64
		payload          string
		result           sql.NullString
		created, updated string
	)
	if err := row.Scan(&run.ID, &agentType, &status, &parentID, &subtaskIndex,
		&payload, &result, &created, &updated); err != nil {
		return nil, err
	}

	run.AgentType = models.AgentType(agentType)
	run.Status = models.Status(status)
	run.ParentRunID = parentID.String
	if subtaskIndex.Valid {
		idx := int(subtaskIndex.Int64)
		run.SubtaskIndex = &idx
	}
	if err := json.Unmarshal([]byte(payload), &run.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", run.ID, err)
	}
	if result.Valid && result.String != "" {
		run.Result = &models.Result{}
		if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", run.ID, err)
		}
	}
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIndex(idx *int) sql.NullInt64 {
	if idx == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*idx), Valid: true}
}
