package handoff

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomhq/loom/internal/jsonutil"
	"github.com/loomhq/loom/internal/workflow"
)

// Store writes handoff records as individual JSON files. The file under
// <dir>/<handoff_id>.json is the artifact the receiving agent reads.
type Store struct {
	dir     string
	catalog Catalog
}

// NewStore returns a Store writing into dir. catalog may be nil to skip
// agent-existence checks during validation.
func NewStore(dir string, catalog Catalog) *Store {
	return &Store{dir: dir, catalog: catalog}
}

// Save validates the record and writes it as pretty sorted-key JSON. An
// invalid record aborts the save with the joined validation errors.
func (s *Store) Save(rec *workflow.HandoffRecord) (string, error) {
	if err := Validate(rec, s.catalog); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("handoff: creating directory %q: %w", s.dir, err)
	}

	payload, err := jsonutil.CanonicalIndent(rec)
	if err != nil {
		return "", fmt.Errorf("handoff: serializing %s: %w", rec.HandoffID, err)
	}

	path := filepath.Join(s.dir, rec.HandoffID+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("handoff: writing %q: %w", path, err)
	}
	return path, nil
}

// Load reads a record previously written by Save.
func (s *Store) Load(handoffID string) (*workflow.HandoffRecord, error) {
	path := filepath.Join(s.dir, handoffID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("handoff: reading %q: %w", path, err)
	}
	var rec workflow.HandoffRecord
	if err := jsonutil.ExtractInto(string(raw), &rec); err != nil {
		return nil, fmt.Errorf("handoff: decoding %q: %w", path, err)
	}
	return &rec, nil
}
