package handoff

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/jsonutil"
	"github.com/loomhq/loom/internal/workflow"
)

// ErrHandoffNotFound reports that no registry row exists under the id.
var ErrHandoffNotFound = errors.New("handoff not found")

const registrySchema = `
CREATE TABLE IF NOT EXISTS handoffs (
    handoff_id   TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    workflow_id  TEXT NOT NULL,
    from_agent   TEXT NOT NULL,
    to_agent     TEXT NOT NULL,
    timestamp    TEXT NOT NULL,
    handoff_type TEXT NOT NULL,
    status       TEXT NOT NULL,
    handoff_data TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoffs_execution ON handoffs(execution_id);
CREATE INDEX IF NOT EXISTS idx_handoffs_workflow  ON handoffs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_handoffs_status    ON handoffs(status);
CREATE INDEX IF NOT EXISTS idx_handoffs_to_agent  ON handoffs(to_agent);
CREATE INDEX IF NOT EXISTS idx_handoffs_timestamp ON handoffs(timestamp);
`

// Registry is the queryable SQLite index over handoff records.
type Registry struct {
	db  *sqlx.DB
	clk clock.Clock
}

// Entry is one registry row: the record plus its execution context.
type Entry struct {
	Record      *workflow.HandoffRecord `json:"record"`
	ExecutionID string                  `json:"execution_id"`
	WorkflowID  string                  `json:"workflow_id"`
	CreatedAt   string                  `json:"created_at"`
	UpdatedAt   string                  `json:"updated_at"`
}

type handoffRow struct {
	HandoffID   string `db:"handoff_id"`
	ExecutionID string `db:"execution_id"`
	WorkflowID  string `db:"workflow_id"`
	FromAgent   string `db:"from_agent"`
	ToAgent     string `db:"to_agent"`
	Timestamp   string `db:"timestamp"`
	HandoffType string `db:"handoff_type"`
	Status      string `db:"status"`
	HandoffData string `db:"handoff_data"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

// OpenRegistry opens (creating if necessary) the registry database at path.
func OpenRegistry(path string, clk clock.Clock) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("handoff: opening registry %q: %w", path, err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("handoff: creating registry schema: %w", err)
	}
	return &Registry{db: db, clk: clk}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("handoff: registry close: %w", err)
	}
	return nil
}

// Register upserts the record by handoff_id. Re-registration replaces the
// existing row, preserving its created_at.
func (r *Registry) Register(rec *workflow.HandoffRecord, executionID, workflowID string) error {
	payload, err := jsonutil.Canonical(rec)
	if err != nil {
		return fmt.Errorf("handoff: serializing %s for registry: %w", rec.HandoffID, err)
	}

	now := r.clk.NowISO()
	createdAt := now
	var existing string
	err = r.db.Get(&existing, `SELECT created_at FROM handoffs WHERE handoff_id = ?`, rec.HandoffID)
	if err == nil {
		createdAt = existing
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("handoff: reading existing row for %s: %w", rec.HandoffID, err)
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO handoffs
		    (handoff_id, execution_id, workflow_id, from_agent, to_agent,
		     timestamp, handoff_type, status, handoff_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.HandoffID, executionID, workflowID, rec.FromAgent, rec.ToAgent,
		rec.Timestamp, string(rec.Type), string(rec.Status), string(payload), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("handoff: registering %s: %w", rec.HandoffID, err)
	}
	return nil
}

// RegistryFilter restricts a Handoffs query. Zero-value fields are ignored.
type RegistryFilter struct {
	ExecutionID string
	WorkflowID  string
	Status      workflow.HandoffStatus
	ToAgent     string
	Limit       int
}

// Handoffs returns registry entries matching the filter, newest first.
func (r *Registry) Handoffs(f RegistryFilter) ([]Entry, error) {
	query := `SELECT * FROM handoffs WHERE 1=1`
	var args []any

	if f.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, f.ExecutionID)
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ToAgent != "" {
		query += ` AND to_agent = ?`
		args = append(args, f.ToAgent)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var rows []handoffRow
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("handoff: querying registry: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var rec workflow.HandoffRecord
		if err := json.Unmarshal([]byte(row.HandoffData), &rec); err != nil {
			return nil, fmt.Errorf("handoff: decoding registry row %s: %w", row.HandoffID, err)
		}
		entries = append(entries, Entry{
			Record:      &rec,
			ExecutionID: row.ExecutionID,
			WorkflowID:  row.WorkflowID,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return entries, nil
}

// UpdateStatus advances a handoff's status, updating both the column and
// the embedded JSON record. Unknown statuses and missing rows are errors.
func (r *Registry) UpdateStatus(handoffID string, status workflow.HandoffStatus) error {
	if !ValidStatus(status) {
		return fmt.Errorf("handoff: invalid status %q", status)
	}

	var row handoffRow
	err := r.db.Get(&row, `SELECT * FROM handoffs WHERE handoff_id = ?`, handoffID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("handoff: update status of %q: %w", handoffID, ErrHandoffNotFound)
	}
	if err != nil {
		return fmt.Errorf("handoff: reading %q: %w", handoffID, err)
	}

	var rec workflow.HandoffRecord
	if err := json.Unmarshal([]byte(row.HandoffData), &rec); err != nil {
		return fmt.Errorf("handoff: decoding %q: %w", handoffID, err)
	}
	rec.Status = status

	payload, err := jsonutil.Canonical(&rec)
	if err != nil {
		return fmt.Errorf("handoff: reserializing %q: %w", handoffID, err)
	}

	_, err = r.db.Exec(`
		UPDATE handoffs SET status = ?, handoff_data = ?, updated_at = ?
		WHERE handoff_id = ?`,
		string(status), string(payload), r.clk.NowISO(), handoffID,
	)
	if err != nil {
		return fmt.Errorf("handoff: updating %q: %w", handoffID, err)
	}
	return nil
}

// Stats returns the number of handoffs per status.
func (r *Registry) Stats() (map[workflow.HandoffStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM handoffs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("handoff: querying stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	stats := make(map[workflow.HandoffStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("handoff: scanning stats: %w", err)
		}
		stats[workflow.HandoffStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("handoff: reading stats: %w", err)
	}
	return stats, nil
}
