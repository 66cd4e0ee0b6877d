// Package journal persists a post-mortem record of executed tasks and
// unhandled rejections to SQLite.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"runloop/loop"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_events (
  id TEXT PRIMARY KEY,
  loop_id TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('microtask','macrotask')),
  seq INTEGER NOT NULL,
  fired_at DATETIME NOT NULL,
  deadline DATETIME,
  panicked INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_events_loop ON task_events(loop_id, seq);
CREATE TABLE IF NOT EXISTS rejection_events (
  id TEXT PRIMARY KEY,
  loop_id TEXT NOT NULL,
  observed_at DATETIME NOT NULL,
  reason TEXT NOT NULL,
  recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rejection_events_loop ON rejection_events(loop_id, observed_at);
`
	_, err := db.Exec(schema)
	return err
}

// TaskEvent is one executed task, as read back from the journal.
type TaskEvent struct {
	ID       string     `json:"id"`
	LoopID   string     `json:"loop_id"`
	Kind     string     `json:"kind"`
	Seq      uint64     `json:"seq"`
	FiredAt  time.Time  `json:"fired_at"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Panicked bool       `json:"panicked"`
	Error    string     `json:"error,omitempty"`
}

// RejectionEvent is one unhandled rejection, as read back from the journal.
type RejectionEvent struct {
	ID         string    `json:"id"`
	LoopID     string    `json:"loop_id"`
	ObservedAt time.Time `json:"observed_at"`
	Reason     string    `json:"reason"`
}

// Recorder writes and reads journal rows.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// RecordTask inserts one row for an executed task.
func (r *Recorder) RecordTask(ctx context.Context, rec loop.TaskRecord) error {
	id := "evt_" + uuid.NewString()
	var deadline any
	if !rec.Deadline.IsZero() {
		deadline = rec.Deadline
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_events (id,loop_id,kind,seq,fired_at,deadline,panicked,error)
VALUES (?,?,?,?,?,?,?,?)`,
		id, rec.LoopID, rec.Kind.String(), rec.Seq, rec.FiredAt, deadline, rec.Panicked, rec.Err)
	return err
}

// RecordRejection inserts one row for an unhandled rejection.
func (r *Recorder) RecordRejection(ctx context.Context, loopID string, observedAt time.Time, reason string) error {
	id := "rej_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rejection_events (id,loop_id,observed_at,reason) VALUES (?,?,?,?)`,
		id, loopID, observedAt, reason)
	return err
}

// RecentTasks returns the most recently recorded task events, newest first.
func (r *Recorder) RecentTasks(ctx context.Context, limit int) ([]TaskEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,loop_id,kind,seq,fired_at,deadline,panicked,error
FROM task_events ORDER BY recorded_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var deadline sql.NullTime
		var panicked int
		if err := rows.Scan(&e.ID, &e.LoopID, &e.Kind, &e.Seq, &e.FiredAt, &deadline, &panicked, &e.Error); err != nil {
			return nil, err
		}
		if deadline.Valid {
			t := deadline.Time
			e.Deadline = &t
		}
		e.Panicked = panicked != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentRejections returns the most recently recorded unhandled
// rejections, newest first.
func (r *Recorder) RecentRejections(ctx context.Context, limit int) ([]RejectionEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,loop_id,observed_at,reason
FROM rejection_events ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RejectionEvent
	for rows.Next() {
		var e RejectionEvent
		if err := rows.Scan(&e.ID, &e.LoopID, &e.ObservedAt, &e.Reason); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
