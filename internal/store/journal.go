package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle actions recorded in the journal.
const (
	ActionLoad     = "load"
	ActionUnload   = "unload"
	ActionReload   = "reload"
	ActionRollback = "rollback"
	ActionEnable   = "enable"
	ActionDisable  = "disable"
	ActionVerify   = "verify"
	ActionSign     = "sign"
)

// Event is one plugin lifecycle outcome.
type Event struct {
	ID        string        `json:"id"`
	PluginID  string        `json:"plugin_id"`
	Action    string        `json:"action"`
	Success   bool          `json:"success"`
	Detail    string        `json:"detail,omitempty"`
	AttemptID string        `json:"attempt_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Journal records plugin lifecycle events.
type Journal struct {
	db *DB
}

// NewJournal creates a journal over db.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db}
}

// Record stores ev. A missing id or timestamp is filled in.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := j.db.sql.ExecContext(ctx,
		`INSERT INTO plugin_events (id, plugin_id, action, success, detail, attempt_id, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PluginID, ev.Action, ev.Success, ev.Detail, ev.AttemptID,
		ev.Duration.Milliseconds(), ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording %s event for %s: %w", ev.Action, ev.PluginID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty pluginID
// returns events for every plugin.
func (j *Journal) Recent(ctx context.Context, pluginID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, plugin_id, action, success, detail, attempt_id, duration_ms, created_at
		FROM plugin_events`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var durationMS, createdAt int64
		if err := rows.Scan(&ev.ID, &ev.PluginID, &ev.Action, &ev.Success, &ev.Detail,
			&ev.AttemptID, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.CreatedAt = time.Unix(0, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByAction returns how many events exist per action.
func (j *Journal) CountByAction(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.sql.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM plugin_events GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.sql.ExecContext(ctx,
		`DELETE FROM plugin_events WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}
