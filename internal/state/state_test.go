package state

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/logging"
)

func openTestRepo(t *testing.T) (*Repository, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r, err := Open(filepath.Join(t.TempDir(), "state.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clk
}

func TestSave_NewSnapshot(t *testing.T) {
	r, _ := openTestRepo(t)

	s := &Snapshot{
		StateID:   "exec-1",
		StateType: "workflow_execution",
		Data:      map[string]any{"status": "running"},
	}
	require.NoError(t, r.Save(s))

	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, "2025-06-01T12:00:00.000000000Z", s.CreatedAt)
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)
	assert.Len(t, s.Checksum, 64)
}

func TestSave_VersionIncrementsOnUpdate(t *testing.T) {
	r, clk := openTestRepo(t)

	s := &Snapshot{StateID: "exec-1", StateType: "workflow_execution", Data: map[string]any{"n": 1}}
	require.NoError(t, r.Save(s))
	clk.Advance(time.Minute)

	s.Data["n"] = 2
	require.NoError(t, r.Save(s))
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, "2025-06-01T12:01:00.000000000Z", s.UpdatedAt)
	assert.Equal(t, "2025-06-01T12:00:00.000000000Z", s.CreatedAt)
}

func TestSave_StaleVersionConflicts(t *testing.T) {
	r, _ := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "exec-1", StateType: "t", Data: map[string]any{"a": 1}}))

	stale := &Snapshot{StateID: "exec-1", StateType: "t", Version: 0, Data: map[string]any{"a": 2}}
	err := r.Save(stale)
	require.ErrorIs(t, err, ErrVersionConflict)

	// The losing write must not have touched the row.
	loaded, err := r.Load("exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, float64(1), loaded.Data["a"])
}

func TestSave_SingleWinnerAmongConcurrentWriters(t *testing.T) {
	r, _ := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "exec-1", StateType: "t", Data: map[string]any{"v": 0}}))

	// Two writers read version 1; only one may win.
	a := &Snapshot{StateID: "exec-1", StateType: "t", Version: 1, Data: map[string]any{"v": "a"}}
	b := &Snapshot{StateID: "exec-1", StateType: "t", Version: 1, Data: map[string]any{"v": "b"}}

	require.NoError(t, r.Save(a))
	require.ErrorIs(t, r.Save(b), ErrVersionConflict)

	loaded, err := r.Load("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.Data["v"])
	assert.Equal(t, int64(2), loaded.Version)
}

func TestSave_EmptyStateID(t *testing.T) {
	r, _ := openTestRepo(t)
	require.Error(t, r.Save(&Snapshot{StateType: "t"}))
}

func TestSave_ChecksumIndependentOfKeyOrder(t *testing.T) {
	r, _ := openTestRepo(t)

	a := &Snapshot{StateID: "a", StateType: "t", Data: map[string]any{"x": 1, "y": 2}}
	b := &Snapshot{StateID: "b", StateType: "t", Data: map[string]any{"y": 2, "x": 1}}
	require.NoError(t, r.Save(a))
	require.NoError(t, r.Save(b))

	assert.Equal(t, a.Checksum, b.Checksum)
}

func TestLoad_RoundTrip(t *testing.T) {
	r, _ := openTestRepo(t)

	s := &Snapshot{
		StateID:   "exec-1",
		StateType: "workflow_execution",
		Data: map[string]any{
			"status": "running",
			"phases": []any{map[string]any{"phase_id": "phase_1"}},
		},
	}
	require.NoError(t, r.Save(s))

	loaded, err := r.Load("exec-1")
	require.NoError(t, err)
	assert.Equal(t, s.StateID, loaded.StateID)
	assert.Equal(t, s.StateType, loaded.StateType)
	assert.Equal(t, s.Version, loaded.Version)
	assert.Equal(t, s.Checksum, loaded.Checksum)
	assert.Equal(t, "running", loaded.Data["status"])
}

func TestLoad_NotFound(t *testing.T) {
	r, _ := openTestRepo(t)
	_, err := r.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_ChecksumMismatchWarnsButSucceeds(t *testing.T) {
	r, _ := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "exec-1", StateType: "t", Data: map[string]any{"ok": true}}))

	// Corrupt the stored payload behind the repository's back.
	_, err := r.db.Exec(`UPDATE state_snapshots SET state_data = ? WHERE state_id = ?`,
		`{"ok":false}`, "exec-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(os.Stderr) })
	r.logger = logging.New("state")

	loaded, err := r.Load("exec-1")
	require.NoError(t, err)
	assert.Equal(t, false, loaded.Data["ok"])
	assert.Contains(t, buf.String(), "checksum mismatch")
}

func TestLoadSummary(t *testing.T) {
	r, _ := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "exec-1", StateType: "workflow_execution", Data: map[string]any{"big": "payload"}}))

	sum, err := r.LoadSummary("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", sum.StateID)
	assert.Equal(t, "workflow_execution", sum.StateType)
	assert.Equal(t, int64(1), sum.Version)
	assert.NotEmpty(t, sum.UpdatedAt)

	_, err = r.LoadSummary("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	r, _ := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "exec-1", StateType: "t", Data: map[string]any{}}))

	removed, err := r.Delete("exec-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Delete("exec-1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = r.Load("exec-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList_FilteredAndOrdered(t *testing.T) {
	r, clk := openTestRepo(t)

	require.NoError(t, r.Save(&Snapshot{StateID: "old", StateType: "workflow_execution", Data: map[string]any{}}))
	clk.Advance(time.Minute)
	require.NoError(t, r.Save(&Snapshot{StateID: "new", StateType: "workflow_execution", Data: map[string]any{}}))
	clk.Advance(time.Minute)
	require.NoError(t, r.Save(&Snapshot{StateID: "other", StateType: "agent_state", Data: map[string]any{}}))

	all, err := r.List("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "other", all[0].StateID)

	execs, err := r.List("workflow_execution", 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "new", execs[0].StateID)
	assert.Equal(t, "old", execs[1].StateID)

	limited, err := r.List("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
