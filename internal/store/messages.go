package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// PostMessage appends a fact to a group's log and returns its id. Ids are
// assigned by SQLite AUTOINCREMENT, so they increase in commit order.
func (db *DB) PostMessage(ctx context.Context, groupID, senderRunID string, content models.Fact) (int64, error) {
	if groupID == "" || senderRunID == "" {
		return 0, validationf("message requires group and sender")
	}
	data, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO messages (group_id, sender_run_id, content, created_at) VALUES (?, ?, ?, ?)
	`, groupID, senderRunID, string(data), db.timestamp())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the group's messages with id > since.
func (db *DB) ListMessages(ctx context.Context, groupID string, since int64) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, group_id, sender_run_id, content, created_at
		FROM messages WHERE group_id = ? AND id > ? ORDER BY id
	`, groupID, since)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			m       models.Message
			content string
			created string
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderRunID, &content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", m.ID, err)
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendLog adds an entry to a run's log.
func (db *DB) AppendLog(ctx context.Context, runID, content string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO logs (run_id, content, created_at) VALUES (?, ?, ?)
	`, runID, content, db.timestamp())
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	return res.LastInsertId()
}

// ListLogs pages through a run's log entries.
func (db *DB) ListLogs(ctx context.Context, runID string, after int64, limit int) ([]models.LogEntry, error) {
	query := `SELECT id, run_id, content, created_at FROM logs WHERE run_id = ? AND id > ? ORDER BY id`
	args := []any{runID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e       models.LogEntry
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
