package cli

import (
	"encoding/json"
	"io"
)

// writeJSON pretty-prints v to w, matching the layout of the handoff and
// dead-letter artifacts on disk.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
