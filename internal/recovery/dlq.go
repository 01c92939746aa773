package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/jsonutil"
)

// FailedTask is one dead-lettered unit of work. The classification fields
// are stamped at enqueue time so operators can triage without re-deriving
// the policy.
type FailedTask struct {
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	WorkflowID string         `json:"workflow_id"`
	Error      string         `json:"error"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	CanRetry   bool           `json:"can_retry"`
	Attempts   int            `json:"attempts"`
	FailedAt   string         `json:"failed_at"`
	Context    map[string]any `json:"context,omitempty"`
}

// DLQ is a file-backed dead-letter queue: one JSON file per failed task.
type DLQ struct {
	dir string
	clk clock.Clock
}

// NewDLQ returns a DLQ rooted at dir. The directory is created on first Add.
func NewDLQ(dir string, clk clock.Clock) *DLQ {
	return &DLQ{dir: dir, clk: clk}
}

// Add enqueues a failed task. A missing TaskID is filled with a UUID; the
// classification and FailedAt are stamped from the error and Clock.
func (q *DLQ) Add(task FailedTask) (*FailedTask, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.FailedAt == "" {
		task.FailedAt = q.clk.NowISO()
	}
	if task.Category == "" {
		cls := Classify(fmt.Errorf("%s", task.Error))
		task.Category = cls.Category
		task.Severity = cls.Severity
		task.CanRetry = cls.Retryable
	}

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return nil, fmt.Errorf("recovery: creating dlq directory %q: %w", q.dir, err)
	}

	payload, err := jsonutil.CanonicalIndent(&task)
	if err != nil {
		return nil, fmt.Errorf("recovery: serializing dlq task %s: %w", task.TaskID, err)
	}
	path := filepath.Join(q.dir, task.TaskID+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("recovery: writing dlq task %q: %w", path, err)
	}
	return &task, nil
}

// TaskFilter restricts a Tasks query. Nil CanRetry matches both.
type TaskFilter struct {
	AgentID  string
	CanRetry *bool
	Limit    int
}

// Tasks returns dead-lettered tasks matching the filter, newest first.
// Unreadable files are skipped.
func (q *DLQ) Tasks(f TaskFilter) ([]FailedTask, error) {
	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: reading dlq directory %q: %w", q.dir, err)
	}

	var tasks []FailedTask
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(q.dir, entry.Name()))
		if err != nil {
			continue
		}
		var task FailedTask
		if err := jsonutil.ExtractInto(string(raw), &task); err != nil {
			continue
		}
		if f.AgentID != "" && task.AgentID != f.AgentID {
			continue
		}
		if f.CanRetry != nil && task.CanRetry != *f.CanRetry {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].FailedAt > tasks[j].FailedAt
	})

	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

// Remove deletes a task file, reporting whether it existed.
func (q *DLQ) Remove(taskID string) (bool, error) {
	path := filepath.Join(q.dir, taskID+".json")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recovery: removing dlq task %q: %w", path, err)
	}
	return true, nil
}
