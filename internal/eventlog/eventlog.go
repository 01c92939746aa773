// Package eventlog implements Loom's append-only workflow journal on
// SQLite. The journal is the authoritative audit trail of every execution:
// rows are only ever inserted, never updated or deleted.
//
// Appends are serialised by an internal mutex (single-writer model); reads
// go straight to the database and never block writers thanks to WAL mode.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/workflow"
)

// ErrNoEvents is returned by Replay when the execution has no journal rows.
var ErrNoEvents = errors.New("no events recorded for execution")

// defaultQueryLimit bounds queries that pass no explicit limit.
const defaultQueryLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS workflow_events (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    execution_id TEXT NOT NULL,
    workflow_id  TEXT NOT NULL,
    timestamp    TEXT NOT NULL,
    step_id      TEXT,
    phase_id     TEXT,
    agent_id     TEXT,
    status       TEXT NOT NULL,
    data         TEXT,
    error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_execution ON workflow_events(execution_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON workflow_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type      ON workflow_events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_workflow  ON workflow_events(workflow_id);
`

// Log is the append-only journal. Safe for concurrent use.
type Log struct {
	db     *sqlx.DB
	clk    clock.Clock
	mu     sync.Mutex
	logger *log.Logger
}

// eventRow is the sqlx scan target mirroring the table schema.
type eventRow struct {
	EventID     string         `db:"event_id"`
	EventType   string         `db:"event_type"`
	ExecutionID string         `db:"execution_id"`
	WorkflowID  string         `db:"workflow_id"`
	Timestamp   string         `db:"timestamp"`
	StepID      sql.NullString `db:"step_id"`
	PhaseID     sql.NullString `db:"phase_id"`
	AgentID     sql.NullString `db:"agent_id"`
	Status      string         `db:"status"`
	Data        sql.NullString `db:"data"`
	Error       sql.NullString `db:"error"`
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string, clk clock.Clock) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("eventlog: creating schema: %w", err)
	}
	return &Log{db: db, clk: clk, logger: logging.New("eventlog")}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("eventlog: close: %w", err)
	}
	return nil
}

// Append inserts one event into the journal. A missing EventID is filled
// with a fresh UUID v4 and a missing Timestamp with the Clock's current
// time. Appends are unconditional; a primary-key collision is fatal.
func (l *Log) Append(ev workflow.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = l.clk.NowISO()
	}

	var data []byte
	if len(ev.Data) > 0 {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("eventlog: marshaling event data: %w", err)
		}
	}

	_, err := l.db.Exec(`
		INSERT INTO workflow_events
		    (event_id, event_type, execution_id, workflow_id, timestamp,
		     step_id, phase_id, agent_id, status, data, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.Type), ev.ExecutionID, ev.WorkflowID, ev.Timestamp,
		nullable(ev.StepID), nullable(ev.PhaseID), nullable(ev.AgentID),
		string(ev.Status), nullable(string(data)), nullable(ev.Error),
	)
	if err != nil {
		return fmt.Errorf("eventlog: appending %s event: %w", ev.Type, err)
	}
	return nil
}

// SafeAppend appends ev, logging any failure instead of returning it. The
// executor prefers losing an event to failing a workflow over a journal
// hiccup.
func (l *Log) SafeAppend(ev workflow.Event) {
	if err := l.Append(ev); err != nil {
		l.logger.Warn("event append failed, continuing",
			"event_type", ev.Type,
			"execution_id", ev.ExecutionID,
			"error", err,
		)
	}
}

// Filter restricts an Events query. Zero-value fields are ignored.
type Filter struct {
	ExecutionID string
	WorkflowID  string
	EventType   workflow.EventType
	Limit       int
}

// Events returns journal rows matching the filter, ordered by timestamp
// ascending (with insertion order as the tiebreak).
func (l *Log) Events(f Filter) ([]workflow.Event, error) {
	query := `SELECT * FROM workflow_events WHERE 1=1`
	var args []any

	if f.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, f.ExecutionID)
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += ` ORDER BY timestamp ASC, rowid ASC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := l.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("eventlog: querying events: %w", err)
	}
	return decodeRows(rows), nil
}

// Latest returns the most recent events, optionally restricted to one
// workflow, ordered newest first.
func (l *Log) Latest(workflowID string, limit int) ([]workflow.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT * FROM workflow_events`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := l.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("eventlog: querying latest events: %w", err)
	}
	return decodeRows(rows), nil
}

// Replay materialises a terminal-state projection of an execution from its
// journal rows alone. It is a post-mortem tool: the projection carries the
// start and terminal facts (ids, status, started/completed timestamps,
// error) but not per-step detail.
func (l *Log) Replay(executionID string) (*workflow.Execution, error) {
	events, err := l.Events(Filter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("eventlog: replay %q: %w", executionID, ErrNoEvents)
	}

	exec := &workflow.Execution{
		ExecutionID:     executionID,
		PhaseExecutions: []*workflow.PhaseExecution{},
		Metadata:        map[string]any{},
	}

	for _, ev := range events {
		switch ev.Type {
		case workflow.EventWorkflowStarted:
			exec.WorkflowID = ev.WorkflowID
			exec.StartedAt = ev.Timestamp
			exec.Status = workflow.StatusRunning
			if v, ok := ev.Data["workflow_version"].(string); ok {
				exec.WorkflowVersion = v
			}
		case workflow.EventWorkflowCompleted:
			exec.Status = workflow.StatusCompleted
			exec.CompletedAt = ev.Timestamp
		case workflow.EventWorkflowFailed:
			exec.Status = workflow.StatusFailed
			exec.CompletedAt = ev.Timestamp
			exec.Error = ev.Error
		case workflow.EventWorkflowCancelled:
			exec.Status = workflow.StatusCancelled
			exec.CompletedAt = ev.Timestamp
			exec.Error = ev.Error
		}
		if exec.WorkflowID == "" {
			exec.WorkflowID = ev.WorkflowID
		}
	}

	if exec.StartedAt != "" && exec.CompletedAt != "" {
		exec.DurationMS = workflow.Duration(exec.StartedAt, exec.CompletedAt)
	}
	return exec, nil
}

// decodeRows converts scanned rows back into workflow events.
func decodeRows(rows []eventRow) []workflow.Event {
	events := make([]workflow.Event, 0, len(rows))
	for _, r := range rows {
		ev := workflow.Event{
			EventID:     r.EventID,
			Type:        workflow.EventType(r.EventType),
			ExecutionID: r.ExecutionID,
			WorkflowID:  r.WorkflowID,
			Timestamp:   r.Timestamp,
			StepID:      r.StepID.String,
			PhaseID:     r.PhaseID.String,
			AgentID:     r.AgentID.String,
			Status:      workflow.EventStatus(r.Status),
			Error:       r.Error.String,
		}
		if r.Data.Valid && r.Data.String != "" {
			// Rows written by Append always hold valid JSON; a decode
			// failure leaves Data nil.
			_ = json.Unmarshal([]byte(r.Data.String), &ev.Data)
		}
		events = append(events, ev)
	}
	return events
}

// nullable maps empty strings to NULL so optional columns stay NULL rather
// than holding empty text.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
