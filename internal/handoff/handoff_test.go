package handoff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/workflow"
)

// mapCatalog is a test double for the agent catalog.
type mapCatalog map[string]bool

func (m mapCatalog) Exists(agentID string) bool { return m[agentID] }

var testCatalog = mapCatalog{"backend": true, "frontend": true, "reviewer": true}

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func sampleStep() *workflow.Step {
	return &workflow.Step{
		StepID:          "phase_1_step_1",
		Name:            "Build API",
		Description:     "Implement endpoints.",
		StepType:        workflow.StepTypeAgent,
		AgentID:         "backend",
		HandoffTo:       "frontend",
		HandoffMode:     workflow.HandoffAlways,
		HandoffCriteria: "API contract stable",
	}
}

func TestGenerate_FieldsFromStepAndOutput(t *testing.T) {
	gen := NewGenerator(testClock())

	stepExec := &workflow.StepExecution{
		StepID: "phase_1_step_1",
		Status: workflow.StatusCompleted,
		OutputData: map[string]any{
			"summary":      "Endpoints shipped",
			"deliverables": []any{"openapi.yaml", "handlers.go"},
			"blockers":     []any{"auth pending"},
			"notes":        "see PR #42",
		},
	}

	rec := gen.Generate(sampleStep(), stepExec)

	_, err := uuid.Parse(rec.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, "backend", rec.FromAgent)
	assert.Equal(t, "frontend", rec.ToAgent)
	assert.Equal(t, "2025-06-01T12:00:00.000000000Z", rec.Timestamp)
	assert.Equal(t, workflow.HandoffStandard, rec.Type)
	assert.Equal(t, workflow.HandoffPending, rec.Status)
	assert.Equal(t, "Endpoints shipped", rec.WorkSummary)
	assert.Equal(t, []string{"openapi.yaml", "handlers.go"}, rec.Deliverables)
	assert.Equal(t, []string{"auth pending"}, rec.Blockers)
	assert.Equal(t, "see PR #42", rec.Notes)
}

func TestGenerate_Fallbacks(t *testing.T) {
	gen := NewGenerator(testClock())

	step := sampleStep()
	step.AgentID = ""

	rec := gen.Generate(step, &workflow.StepExecution{Status: workflow.StatusCompleted})

	assert.Equal(t, "unknown", rec.FromAgent)
	assert.Equal(t, "Implement endpoints.", rec.WorkSummary)
	assert.Equal(t, "API contract stable", rec.Notes)
	assert.Empty(t, rec.Deliverables)
	assert.Empty(t, rec.Blockers)
}

func TestGenerate_TypeMapping(t *testing.T) {
	gen := NewGenerator(testClock())

	tests := []struct {
		mode workflow.HandoffMode
		want workflow.HandoffType
	}{
		{workflow.HandoffAlways, workflow.HandoffStandard},
		{workflow.HandoffConditional, workflow.HandoffStandard},
		{workflow.HandoffNever, workflow.HandoffStandard},
		{workflow.HandoffOnError, workflow.HandoffErrorRecovery},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			step := sampleStep()
			step.HandoffMode = tt.mode
			assert.Equal(t, tt.want, gen.Generate(step, nil).Type)
		})
	}
}

func TestGenerate_ScalarDeliverableCoerced(t *testing.T) {
	gen := NewGenerator(testClock())

	rec := gen.Generate(sampleStep(), &workflow.StepExecution{
		OutputData: map[string]any{"deliverables": "report.md"},
	})
	assert.Equal(t, []string{"report.md"}, rec.Deliverables)
}

func validRecord() *workflow.HandoffRecord {
	return &workflow.HandoffRecord{
		HandoffID:    uuid.NewString(),
		FromAgent:    "backend",
		ToAgent:      "frontend",
		Timestamp:    "2025-06-01T12:00:00.000000000Z",
		Type:         workflow.HandoffStandard,
		Status:       workflow.HandoffPending,
		WorkSummary:  "work done",
		Deliverables: []string{},
		Blockers:     []string{},
	}
}

func TestValidate_ValidRecord(t *testing.T) {
	require.NoError(t, Validate(validRecord(), testCatalog))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	rec := &workflow.HandoffRecord{
		HandoffID: "not-a-uuid",
		FromAgent: "ghost",
		ToAgent:   "",
		Timestamp: "yesterday",
		Type:      "teleport",
		Status:    "done",
	}

	err := Validate(rec, testCatalog)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "not a valid UUID")
	assert.Contains(t, msg, `from_agent "ghost" not found`)
	assert.Contains(t, msg, "to_agent is required")
	assert.Contains(t, msg, "not valid ISO-8601")
	assert.Contains(t, msg, `handoff_type "teleport"`)
	assert.Contains(t, msg, `status "done"`)
	assert.GreaterOrEqual(t, strings.Count(msg, ";"), 5)
}

func TestValidate_UnknownFromAgentAllowed(t *testing.T) {
	rec := validRecord()
	rec.FromAgent = "unknown"
	require.NoError(t, Validate(rec, testCatalog))
}

func TestValidate_NilCatalogSkipsExistence(t *testing.T) {
	rec := validRecord()
	rec.FromAgent = "whoever"
	rec.ToAgent = "someone"
	require.NoError(t, Validate(rec, nil))
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testCatalog)

	rec := validRecord()
	path, err := store.Save(rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, rec.HandoffID+".json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n")

	loaded, err := store.Load(rec.HandoffID)
	require.NoError(t, err)
	assert.Equal(t, rec.HandoffID, loaded.HandoffID)
	assert.Equal(t, rec.ToAgent, loaded.ToAgent)
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testCatalog)

	rec := validRecord()
	rec.ToAgent = "ghost"
	_, err := store.Save(rec)
	require.Error(t, err)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func openTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := testClock()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, clk
}

func TestRegistry_RegisterAndQuery(t *testing.T) {
	reg, clk := openTestRegistry(t)

	first := validRecord()
	require.NoError(t, reg.Register(first, "exec-1", "wf-1"))
	clk.Advance(time.Second)

	second := validRecord()
	second.Timestamp = clk.NowISO()
	second.ToAgent = "reviewer"
	require.NoError(t, reg.Register(second, "exec-1", "wf-1"))

	all, err := reg.Handoffs(RegistryFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.HandoffID, all[0].Record.HandoffID)

	toReviewer, err := reg.Handoffs(RegistryFilter{ToAgent: "reviewer"})
	require.NoError(t, err)
	require.Len(t, toReviewer, 1)
	assert.Equal(t, second.HandoffID, toReviewer[0].Record.HandoffID)

	none, err := reg.Handoffs(RegistryFilter{WorkflowID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_ReRegistrationIdempotent(t *testing.T) {
	reg, clk := openTestRegistry(t)

	rec := validRecord()
	require.NoError(t, reg.Register(rec, "exec-1", "wf-1"))
	clk.Advance(time.Minute)
	require.NoError(t, reg.Register(rec, "exec-1", "wf-1"))

	all, err := reg.Handoffs(RegistryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2025-06-01T12:00:00.000000000Z", all[0].CreatedAt)
	assert.Equal(t, "2025-06-01T12:01:00.000000000Z", all[0].UpdatedAt)
}

func TestRegistry_UpdateStatus(t *testing.T) {
	reg, _ := openTestRegistry(t)

	rec := validRecord()
	require.NoError(t, reg.Register(rec, "exec-1", "wf-1"))
	require.NoError(t, reg.UpdateStatus(rec.HandoffID, workflow.HandoffComplete))

	entries, err := reg.Handoffs(RegistryFilter{Status: workflow.HandoffComplete})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// Both the column and the embedded record reflect the new status.
	assert.Equal(t, workflow.HandoffComplete, entries[0].Record.Status)
}

func TestRegistry_UpdateStatusRejectsUnknown(t *testing.T) {
	reg, _ := openTestRegistry(t)

	rec := validRecord()
	require.NoError(t, reg.Register(rec, "exec-1", "wf-1"))

	require.Error(t, reg.UpdateStatus(rec.HandoffID, "done"))
	require.ErrorIs(t, reg.UpdateStatus("missing-id", workflow.HandoffComplete), ErrHandoffNotFound)
}

func TestRegistry_Stats(t *testing.T) {
	reg, _ := openTestRegistry(t)

	a := validRecord()
	b := validRecord()
	c := validRecord()
	require.NoError(t, reg.Register(a, "exec-1", "wf-1"))
	require.NoError(t, reg.Register(b, "exec-1", "wf-1"))
	require.NoError(t, reg.Register(c, "exec-2", "wf-1"))
	require.NoError(t, reg.UpdateStatus(c.HandoffID, workflow.HandoffBlocked))

	stats, err := reg.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats[workflow.HandoffPending])
	assert.Equal(t, 1, stats[workflow.HandoffBlocked])
}
