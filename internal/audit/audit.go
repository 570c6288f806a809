// Package audit records who changed automation configuration and who
// approved or rejected pending work.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fenilsonani/mail-automation/internal/storage"
)

// EventType represents the type of audit event
type EventType string

const (
	EventRuleCreate       EventType = "rule.create"
	EventRuleUpdate       EventType = "rule.update"
	EventRuleDelete       EventType = "rule.delete"
	EventRulesImport      EventType = "rules.import"
	EventExecutionApprove EventType = "execution.approve"
	EventExecutionReject  EventType = "execution.reject"
	EventScheduledCancel  EventType = "scheduled.cancel"
	EventJobCreate        EventType = "job.create"
	EventJobEnable        EventType = "job.enable"
	EventJobDisable       EventType = "job.disable"
	EventJobReschedule    EventType = "job.reschedule"
)

// Actors for events that are not triggered by a person.
const (
	ActorSystem = "system"
	ActorAPI    = "api"
	ActorCLI    = "cli"
)

// Event represents an audit log entry
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AccountID string    `json:"account_id"`
	Actor     string    `json:"actor"`
	Action    EventType `json:"action"`
	Target    string    `json:"target"`  // Affected rule/job/execution id
	Details   string    `json:"details"` // JSON with additional context
	IPAddress string    `json:"ip_address"`
}

type eventRow struct {
	ID        int64  `db:"id"`
	Timestamp int64  `db:"timestamp"`
	AccountID string `db:"account_id"`
	Actor     string `db:"actor"`
	Action    string `db:"action"`
	Target    string `db:"target"`
	Details   string `db:"details"`
	IPAddress string `db:"ip_address"`
}

// Logger handles audit logging
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLogger creates a new audit logger. A nil database yields a nil logger,
// and every method on a nil logger is a no-op.
func NewLogger(db *sqlx.DB) *Logger {
	if db == nil {
		return nil
	}
	return &Logger{db: db, now: time.Now}
}

// Entry is one event to record.
type Entry struct {
	AccountID string
	Actor     string
	Action    EventType
	Target    string
	Details   map[string]any
	IPAddress string
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, e Entry) error {
	if l == nil || l.db == nil {
		return nil
	}

	var detailsJSON string
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			detailsJSON = "{}"
		} else {
			detailsJSON = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, account_id, actor, action, target, details, ip_address) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		storage.Millis(l.now()), e.AccountID, e.Actor, string(e.Action), e.Target, detailsJSON, e.IPAddress,
	)
	return err
}

// QueryFilter defines filters for querying audit logs
type QueryFilter struct {
	AccountID string
	Actor     string
	Action    EventType
	Target    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

func (f QueryFilter) where() (string, []any) {
	clause := ` WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		clause += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.Actor != "" {
		clause += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		clause += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.Target != "" {
		clause += " AND target = ?"
		args = append(args, f.Target)
	}
	if !f.StartTime.IsZero() {
		clause += " AND timestamp >= ?"
		args = append(args, storage.Millis(f.StartTime))
	}
	if !f.EndTime.IsZero() {
		clause += " AND timestamp <= ?"
		args = append(args, storage.Millis(f.EndTime))
	}
	return clause, args
}

// Query retrieves audit events based on filters, newest first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	where, args := filter.where()
	query := `SELECT * FROM audit_log` + where + ` ORDER BY timestamp DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var rows []eventRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]Event, len(rows))
	for i, r := range rows {
		events[i] = Event{
			ID:        r.ID,
			Timestamp: storage.FromMillis(r.Timestamp),
			AccountID: r.AccountID,
			Actor:     r.Actor,
			Action:    EventType(r.Action),
			Target:    r.Target,
			Details:   r.Details,
			IPAddress: r.IPAddress,
		}
	}
	return events, nil
}

// Count returns the total number of audit events matching the filter
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}
	where, args := filter.where()
	var count int
	err := l.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM audit_log`+where, args...)
	return count, err
}
