package models

import "time"

// Fact is a small structured key/value statement shared between siblings.
type Fact map[string]any

// Message is one entry of a sibling group's a2a log.
type Message struct {
	// ID is monotonic and never reused; it doubles as the read cursor.
	ID          int64     `json:"id"`
	GroupID     string    `json:"group_id"`
	SenderRunID string    `json:"sender_run_id"`
	Content     Fact      `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogEntry is one line of a run's observability trail.
type LogEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
