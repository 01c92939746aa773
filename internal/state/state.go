// Package state implements Loom's durable snapshot store on SQLite.
//
// Snapshots are versioned rows guarded by optimistic locking: a writer must
// present the version it last read, and the store rejects the write with
// ErrVersionConflict when another writer got there first. Payloads are
// serialized as canonical sorted-key JSON and checksummed with SHA-256 so
// that on-disk corruption is detectable on load.
package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/jsonutil"
	"github.com/loomhq/loom/internal/logging"
)

var (
	// ErrVersionConflict reports that the stored version no longer matches
	// the version the caller read. The caller should reload and retry.
	ErrVersionConflict = errors.New("state version conflict")

	// ErrNotFound reports that no snapshot exists under the given id.
	ErrNotFound = errors.New("state not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS state_snapshots (
    state_id   TEXT PRIMARY KEY,
    state_type TEXT NOT NULL,
    version    INTEGER NOT NULL,
    state_data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    checksum   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_type    ON state_snapshots(state_type);
CREATE INDEX IF NOT EXISTS idx_state_updated ON state_snapshots(updated_at);
`

// Snapshot is one versioned state record. Version 0 means "never saved";
// the first successful Save moves it to 1.
type Snapshot struct {
	StateID   string         `json:"state_id"`
	StateType string         `json:"state_type"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Checksum  string         `json:"checksum"`
}

// Summary is the cheap projection of a snapshot without its payload.
type Summary struct {
	StateID   string `json:"state_id" db:"state_id"`
	StateType string `json:"state_type" db:"state_type"`
	Version   int64  `json:"version" db:"version"`
	UpdatedAt string `json:"updated_at" db:"updated_at"`
}

type snapshotRow struct {
	StateID   string `db:"state_id"`
	StateType string `db:"state_type"`
	Version   int64  `db:"version"`
	StateData string `db:"state_data"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	Checksum  string `db:"checksum"`
}

// Repository stores snapshots in a single SQLite file.
type Repository struct {
	db     *sqlx.DB
	clk    clock.Clock
	logger *log.Logger
}

// Open opens (creating if necessary) the state database at path.
func Open(path string, clk clock.Clock) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: opening %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("state: creating schema: %w", err)
	}
	return &Repository{db: db, clk: clk, logger: logging.New("state")}, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	return nil
}

// Save writes the snapshot under optimistic locking. The caller's Version
// must equal the stored version (or 0 for a new row); on success the
// snapshot's Version is incremented, UpdatedAt is stamped from the Clock,
// and Checksum is recomputed over the canonical JSON payload. A stale
// Version returns ErrVersionConflict and leaves the row untouched.
func (r *Repository) Save(s *Snapshot) error {
	if s.StateID == "" {
		return errors.New("state: save: empty state_id")
	}

	payload, err := jsonutil.Canonical(s.Data)
	if err != nil {
		return fmt.Errorf("state: serializing %q: %w", s.StateID, err)
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("state: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current snapshotRow
	err = tx.Get(&current, `SELECT * FROM state_snapshots WHERE state_id = ?`, s.StateID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.Version != 0 {
			return fmt.Errorf("state: save %q: stored version 0, caller has %d: %w",
				s.StateID, s.Version, ErrVersionConflict)
		}
	case err != nil:
		return fmt.Errorf("state: reading current version of %q: %w", s.StateID, err)
	default:
		if current.Version != s.Version {
			return fmt.Errorf("state: save %q: stored version %d, caller has %d: %w",
				s.StateID, current.Version, s.Version, ErrVersionConflict)
		}
	}

	now := r.clk.NowISO()
	createdAt := s.CreatedAt
	if createdAt == "" {
		createdAt = now
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO state_snapshots
		    (state_id, state_type, version, state_data, created_at, updated_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.StateID, s.StateType, s.Version+1, string(payload), createdAt, now, checksum,
	)
	if err != nil {
		return fmt.Errorf("state: writing %q: %w", s.StateID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing %q: %w", s.StateID, err)
	}

	s.Version++
	s.CreatedAt = createdAt
	s.UpdatedAt = now
	s.Checksum = checksum
	return nil
}

// Load returns the snapshot stored under stateID. A checksum mismatch is
// logged as a warning but does not fail the load.
func (r *Repository) Load(stateID string) (*Snapshot, error) {
	var row snapshotRow
	err := r.db.Get(&row, `SELECT * FROM state_snapshots WHERE state_id = ?`, stateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: load %q: %w", stateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: loading %q: %w", stateID, err)
	}

	sum := sha256.Sum256([]byte(row.StateData))
	if got := hex.EncodeToString(sum[:]); got != row.Checksum {
		r.logger.Warn("state checksum mismatch",
			"state_id", stateID,
			"stored", row.Checksum,
			"computed", got,
		)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(row.StateData), &data); err != nil {
		return nil, fmt.Errorf("state: decoding payload of %q: %w", stateID, err)
	}

	return &Snapshot{
		StateID:   row.StateID,
		StateType: row.StateType,
		Version:   row.Version,
		Data:      data,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Checksum:  row.Checksum,
	}, nil
}

// LoadSummary returns the snapshot's metadata without decoding its payload.
func (r *Repository) LoadSummary(stateID string) (*Summary, error) {
	var s Summary
	err := r.db.Get(&s, `
		SELECT state_id, state_type, version, updated_at
		FROM state_snapshots WHERE state_id = ?`, stateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: summary %q: %w", stateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: loading summary of %q: %w", stateID, err)
	}
	return &s, nil
}

// Delete removes the snapshot and reports whether a row existed.
func (r *Repository) Delete(stateID string) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM state_snapshots WHERE state_id = ?`, stateID)
	if err != nil {
		return false, fmt.Errorf("state: deleting %q: %w", stateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: deleting %q: %w", stateID, err)
	}
	return n > 0, nil
}

// List returns snapshot summaries, newest first, optionally restricted to
// one state type.
func (r *Repository) List(stateType string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT state_id, state_type, version, updated_at FROM state_snapshots`
	var args []any
	if stateType != "" {
		query += ` WHERE state_type = ?`
		args = append(args, stateType)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	var out []Summary
	if err := r.db.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("state: listing snapshots: %w", err)
	}
	return out, nil
}
