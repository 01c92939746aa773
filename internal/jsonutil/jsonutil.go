// Package jsonutil provides JSON helpers shared by Loom's stores and the
// step executor: canonical (sorted-key) marshalling for checksummed
// snapshots and handoff files, and extraction of JSON payloads from the
// freeform stdout of script steps and agent CLIs.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxInputBytes caps the text Extract will process. Larger inputs are
// rejected to prevent memory exhaustion from a runaway subprocess.
const maxInputBytes = 10 * 1024 * 1024 // 10 MB

// reANSI matches ANSI escape codes (CSI sequences) that agent CLIs may embed
// in their output.
var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)

// reCodeFence matches a markdown code fence optionally tagged "json". The
// fenced content is captured in subgroup 1. (?s) enables dot-all so the
// non-greedy body spans newlines and stops at the first closing fence.
var reCodeFence = regexp.MustCompile("(?s)```(?:json)?[ \\t]*\n(.*?)\n```")

// Canonical marshals v to JSON with deterministically ordered object keys.
// The value is round-tripped through generic maps because encoding/json
// sorts map keys but preserves struct field order; the round trip makes the
// output independent of struct layout, which is what the state repository
// checksums rely on.
func Canonical(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("jsonutil: canonical marshal: %w", err)
	}
	return out, nil
}

// CanonicalIndent is Canonical with two-space indentation, used for
// human-inspectable files (handoff records, dead-letter entries).
func CanonicalIndent(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("jsonutil: canonical marshal: %w", err)
	}
	return out, nil
}

// normalize round-trips v through encoding/json into generic types
// (map[string]any, []any, float64, string, bool, nil).
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonutil: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("jsonutil: normalize: %w", err)
	}
	return generic, nil
}

// Extract returns the first valid JSON object or array found in text.
// Strategies are tried in order of reliability: markdown code fences first,
// then top-level brace/bracket matching. Text is sanitized (BOM and ANSI
// codes stripped) before matching.
func Extract(text string) (json.RawMessage, error) {
	if len(text) > maxInputBytes {
		return nil, fmt.Errorf("jsonutil: input exceeds maximum size of %d bytes", maxInputBytes)
	}
	text = strings.TrimPrefix(text, "\xef\xbb\xbf")
	text = reANSI.ReplaceAllString(text, "")

	// Strategy 1: markdown code fences.
	for _, m := range reCodeFence.FindAllStringSubmatch(text, -1) {
		inner := strings.TrimSpace(m[1])
		if inner != "" && json.Valid([]byte(inner)) {
			return json.RawMessage(inner), nil
		}
	}

	// Strategy 2: brace/bracket matching over the raw text.
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := matchingDelimiter(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, fmt.Errorf("jsonutil: no valid JSON found in text")
}

// ExtractInto extracts the first JSON value from text and unmarshals it
// into target.
func ExtractInto(text string, target any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("jsonutil: unmarshal failed: %w", err)
	}
	return nil
}

// matchingDelimiter returns the index of the '}' or ']' that closes the
// opening delimiter at position start, or -1 when unbalanced. Double-quoted
// strings and escape sequences are respected; nesting of both delimiter
// kinds is tracked with a single depth counter, which is sufficient because
// json.Valid verifies the candidate afterwards.
func matchingDelimiter(text string, start int) int {
	depth := 0
	inString := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch ch {
			case '\\':
				i++ // skip the escaped character
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}
