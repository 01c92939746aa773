// Package parser converts declarative markdown workflow files into
// workflow.Definition values. The format is contract-driven rather than
// grammar-driven: the parser walks the document once with a small section
// state machine (preamble -> overview -> phases/steps -> trailing sections)
// and extracts the well-known elements with a fixed regex set.
//
// The parser is deliberately tolerant. Missing optional sections yield empty
// collections, unknown agent references degrade to best-effort slugs, and
// the only fatal error is a file that cannot be read.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/workflow"
)

// maxWorkflowFileSize is the maximum number of bytes read from a single
// workflow definition file. Larger files are rejected to prevent memory
// exhaustion.
const maxWorkflowFileSize = 1 << 20 // 1 MiB

// utf8BOM is the byte-order mark sequence prepended by some editors to
// UTF-8 files. It is stripped before parsing so that regexes match reliably.
const utf8BOM = "\xef\xbb\xbf"

// Pre-compiled regexes for parsing workflow markdown files.
var (
	// reH1 matches the first-level heading used as the display name.
	reH1 = regexp.MustCompile(`^#\s+(.+)$`)

	// reH2 matches second-level section headings ("## Overview", ...).
	reH2 = regexp.MustCompile(`^##\s+(.+)$`)

	// reMetaLine matches metadata bold-tag lines at the top of the file,
	// e.g. "**Version**: 2.1".
	reMetaLine = regexp.MustCompile(`^\*\*(Version|Last Updated|Status|Priority)\*\*:\s*(.+)$`)

	// rePhaseHeading matches exactly "### Phase <N>: <Name>" with an
	// optional "(<Duration>)" suffix. H4 "#### Phase ..." mentions inside a
	// phase body never match because of the anchored "###" prefix.
	rePhaseHeading = regexp.MustCompile(`^###\s+Phase\s+(\d+):\s*(.+?)\s*(?:\((.+?)\))?\s*$`)

	// reH3 matches third-level headings, used for rule subsections.
	reH3 = regexp.MustCompile(`^###\s+(.+)$`)

	// reStepLine matches numbered step items: "N. **<Step Name>** → <Target>".
	// Both the unicode arrow and the ASCII "->" form are accepted.
	reStepLine = regexp.MustCompile(`^(\d+)\.\s+\*\*(.+?)\*\*\s*(?:\x{2192}|->)\s*(.+)$`)

	// reHandsOff matches "hands off to <Target>" phrases in step descriptions.
	reHandsOff = regexp.MustCompile(`(?i)hands\s+off\s+to\s+(?:the\s+)?([A-Za-z][A-Za-z0-9 _-]*)`)

	// reConditionalWord detects conditional phrasing in a step description.
	reConditionalWord = regexp.MustCompile(`(?i)\b(if|when)\b\s+(.+?)(?:\.|$)`)

	// reBraceCondition matches "{...?}" conditional branch expressions.
	reBraceCondition = regexp.MustCompile(`\{([^{}]+?)\?\}`)

	// reHours and reMinutes parse phase duration strings.
	reHours   = regexp.MustCompile(`(?i)^(\d+)\s*hours?$`)
	reMinutes = regexp.MustCompile(`(?i)^(\d+)\s*minutes?$`)

	// reSlugInvalid matches characters replaced with hyphens when slugging
	// unknown agent references.
	reSlugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
)

// canonicalAgents maps display-form agent references (lowercased) to their
// canonical agent ids. References not found here fall back to a best-effort
// slug of the display form.
var canonicalAgents = map[string]string{
	"backend agent":       "backend",
	"frontend agent":      "frontend",
	"database agent":      "database",
	"devops agent":        "devops",
	"security agent":      "security",
	"qa agent":            "qa",
	"qa engineer":         "qa",
	"testing agent":       "qa",
	"docs agent":          "docs",
	"documentation agent": "docs",
	"architect agent":     "architect",
	"architecture agent":  "architect",
	"research agent":      "research",
	"data agent":          "data",
	"version controller":  "version-controller",
	"release manager":     "release-manager",
	"project manager":     "project-manager",
}

// Metadata defaults applied when the corresponding bold-tag line is absent.
const (
	defaultVersion  = "1.0"
	defaultStatus   = "Active"
	defaultPriority = "Standard"
)

// ParseFile reads and parses a workflow definition from path. The
// workflow id is derived from the filename stem with hyphens mapped to
// underscores. Reading failures (including file-not-found) are the only
// fatal errors.
func ParseFile(path string) (*workflow.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parser: opening workflow file %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	limited := io.LimitReader(f, maxWorkflowFileSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("parser: reading workflow file %q: %w", path, err)
	}
	if int64(len(raw)) > maxWorkflowFileSize {
		return nil, fmt.Errorf("parser: workflow file %q exceeds 1 MiB limit", path)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	workflowID := strings.ReplaceAll(stem, "-", "_")

	def := Parse(string(raw), workflowID)
	def.SourcePath = path
	return def, nil
}

// Parse parses markdown content into a workflow Definition with the given
// workflow id. Parse never fails: missing elements fall back to defaults or
// empty collections.
func Parse(content, workflowID string) *workflow.Definition {
	content = strings.TrimPrefix(content, utf8BOM)
	content = strings.ReplaceAll(content, "\r\n", "\n")

	p := &docParser{
		def: &workflow.Definition{
			WorkflowID:  workflowID,
			Version:     defaultVersion,
			Status:      defaultStatus,
			Priority:    defaultPriority,
			Phases:      []workflow.Phase{},
			Fingerprint: xxhash.Sum64String(content),
		},
	}

	for _, line := range strings.Split(content, "\n") {
		p.feed(line)
	}
	p.closePhase()
	p.flushSection()

	p.applyRules()
	return p.def
}

// section identifies which part of the document the scanner is inside.
type section int

const (
	sectionPreamble section = iota
	sectionOverview
	sectionPhases
	sectionRules
	sectionErrorHandling
	sectionSuccessCriteria
	sectionMetrics
	sectionOther
)

// docParser is the single-pass scanner state.
type docParser struct {
	def *workflow.Definition

	section     section
	ruleSubsect string // current H3 subsection inside "## Workflow Rules"
	buf         []string

	inMermaid    bool
	mermaidLines []string
	mermaidDone  bool

	phase *workflow.Phase // phase being accumulated, nil outside phases
	step  *workflow.Step  // step being accumulated, nil outside steps
}

// feed consumes one line of the document.
func (p *docParser) feed(line string) {
	trimmed := strings.TrimSpace(line)

	// Mermaid fenced block: capture verbatim until the closing fence. Only
	// the first block is kept.
	if p.inMermaid {
		if strings.HasPrefix(trimmed, "```") {
			p.inMermaid = false
			p.mermaidDone = true
			p.def.MermaidDiagram = strings.Join(p.mermaidLines, "\n")
			return
		}
		p.mermaidLines = append(p.mermaidLines, line)
		return
	}
	if !p.mermaidDone && strings.HasPrefix(trimmed, "```mermaid") {
		p.inMermaid = true
		return
	}

	// Metadata bold-tag lines are recognised anywhere before the phases
	// begin, matching how the source files place them under the H1.
	if p.section == sectionPreamble || p.section == sectionOverview {
		if m := reMetaLine.FindStringSubmatch(trimmed); m != nil {
			p.setMetadata(m[1], strings.TrimSpace(m[2]))
			return
		}
	}

	// First H1 becomes the display name.
	if p.def.Name == "" && !strings.HasPrefix(trimmed, "##") {
		if m := reH1.FindStringSubmatch(trimmed); m != nil {
			p.def.Name = strings.TrimSpace(m[1])
			return
		}
	}

	// Phase headings take precedence over the generic H3 rule-subsection
	// match below.
	if m := rePhaseHeading.FindStringSubmatch(trimmed); m != nil {
		p.closePhase()
		p.flushSection()
		p.section = sectionPhases
		p.startPhase(m[2], m[3])
		return
	}

	// H3 inside the rules section switches the rule subsection.
	if p.section == sectionRules {
		if m := reH3.FindStringSubmatch(trimmed); m != nil {
			p.ruleSubsect = strings.ToLower(strings.TrimSpace(m[1]))
			return
		}
	}

	// H2 section boundaries.
	if m := reH2.FindStringSubmatch(trimmed); m != nil && !strings.HasPrefix(trimmed, "###") {
		p.closePhase()
		p.flushSection()
		p.ruleSubsect = ""
		switch strings.ToLower(strings.TrimSpace(m[1])) {
		case "overview":
			p.section = sectionOverview
		case "workflow rules":
			p.section = sectionRules
		case "error handling":
			p.section = sectionErrorHandling
		case "success criteria":
			p.section = sectionSuccessCriteria
		case "metrics":
			p.section = sectionMetrics
		default:
			p.section = sectionOther
		}
		return
	}

	// Step lines inside a phase.
	if p.phase != nil {
		if m := reStepLine.FindStringSubmatch(trimmed); m != nil {
			p.closeStep()
			p.startStep(m[2], m[3])
			return
		}
		if p.step != nil {
			p.step.Description = appendLine(p.step.Description, trimmed)
		} else {
			p.phase.Description = appendLine(p.phase.Description, trimmed)
		}
		return
	}

	// Rule bullets.
	if p.section == sectionRules && strings.HasPrefix(trimmed, "- ") {
		item := strings.TrimSpace(strings.TrimPrefix(trimmed, "- "))
		switch p.ruleSubsect {
		case "mandatory steps":
			p.def.Rules.MandatorySteps = append(p.def.Rules.MandatorySteps, item)
		case "conditional steps":
			p.def.Rules.ConditionalSteps = append(p.def.Rules.ConditionalSteps, item)
		case "handoff criteria":
			p.def.Rules.HandoffCriteria = append(p.def.Rules.HandoffCriteria, item)
		}
		return
	}

	// Free text accumulates into the current section buffer.
	if trimmed != "" {
		p.buf = append(p.buf, trimmed)
	}
}

// setMetadata records a metadata bold-tag value.
func (p *docParser) setMetadata(key, value string) {
	switch key {
	case "Version":
		p.def.Version = value
	case "Last Updated":
		p.def.LastUpdated = value
	case "Status":
		p.def.Status = value
	case "Priority":
		p.def.Priority = value
	}
}

// flushSection assigns the accumulated free-text buffer to the field owned
// by the section that just ended.
func (p *docParser) flushSection() {
	text := strings.Join(p.buf, "\n")
	p.buf = nil

	switch p.section {
	case sectionOverview:
		p.def.Description = text
	case sectionErrorHandling:
		p.def.ErrorHandling = text
	case sectionSuccessCriteria:
		p.def.SuccessCriteria = text
	case sectionMetrics:
		p.def.Metrics = text
	}
}

// startPhase begins accumulating a new phase. Phase numbers are assigned
// sequentially in encounter order; the number written in the heading is
// informational only.
func (p *docParser) startPhase(name, duration string) {
	num := len(p.def.Phases) + 1
	p.phase = &workflow.Phase{
		PhaseID:                  fmt.Sprintf("phase_%d", num),
		PhaseNumber:              num,
		Name:                     strings.TrimSpace(name),
		EstimatedDurationMinutes: parseDuration(duration),
		Steps:                    []workflow.Step{},
	}
}

// closePhase finalises the phase being accumulated, if any.
func (p *docParser) closePhase() {
	if p.phase == nil {
		return
	}
	p.closeStep()
	p.def.Phases = append(p.def.Phases, *p.phase)
	p.phase = nil
}

// startStep begins accumulating a new step from a matched step line.
func (p *docParser) startStep(name, target string) {
	num := len(p.phase.Steps) + 1
	step := workflow.Step{
		StepID:      fmt.Sprintf("%s_step_%d", p.phase.PhaseID, num),
		StepNumber:  num,
		Name:        strings.TrimSpace(name),
		HandoffMode: workflow.HandoffNever,
		InputData:   map[string]any{},
		Metadata:    map[string]any{},
	}
	classifyTarget(&step, strings.TrimSpace(target))
	p.step = &step
}

// closeStep finalises the step being accumulated: handoff phrases and
// conditional branches are extracted from the completed description.
func (p *docParser) closeStep() {
	if p.step == nil {
		return
	}
	extractHandoff(p.step)
	extractConditions(p.step)
	p.phase.Steps = append(p.phase.Steps, *p.step)
	p.step = nil
}

// applyRules marks steps listed under "Mandatory Steps" as mandatory.
// Matching is by case-insensitive containment of the step name in the rule
// text, which tolerates rule phrasing like "Design Review (always)".
func (p *docParser) applyRules() {
	if len(p.def.Rules.MandatorySteps) == 0 {
		return
	}
	for pi := range p.def.Phases {
		for si := range p.def.Phases[pi].Steps {
			step := &p.def.Phases[pi].Steps[si]
			for _, rule := range p.def.Rules.MandatorySteps {
				if strings.Contains(strings.ToLower(rule), strings.ToLower(step.Name)) {
					step.Mandatory = true
					break
				}
			}
		}
	}
}

// classifyTarget resolves the right side of a step's arrow into a step type
// and, for agent steps, a normalized agent id.
func classifyTarget(step *workflow.Step, target string) {
	lower := strings.ToLower(target)

	switch {
	case strings.Contains(lower, "script"):
		step.StepType = workflow.StepTypeScript
		step.ScriptPath = extractScriptPath(target)
	case strings.Contains(lower, "manual"), strings.Contains(lower, "user"):
		step.StepType = workflow.StepTypeManual
	case strings.Contains(lower, "condition"):
		step.StepType = workflow.StepTypeCondition
	default:
		step.StepType = workflow.StepTypeAgent
		step.AgentID = NormalizeAgent(target)
	}
}

// extractScriptPath pulls a backtick-quoted path out of a script target,
// e.g. "run script `scripts/deploy.sh`". Empty when no quoted path exists.
func extractScriptPath(target string) string {
	start := strings.IndexByte(target, '`')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(target[start+1:], '`')
	if end < 0 {
		return ""
	}
	return target[start+1 : start+1+end]
}

// handoffStopWords terminate the agent reference captured after "hands off
// to". The capture group is greedy over words, so phrasing like "hands off
// to Backend Agent when tests pass" needs trimming at the first stop word.
var handoffStopWords = map[string]bool{
	"when": true, "if": true, "always": true, "immediately": true,
	"after": true, "before": true, "once": true, "unless": true,
	"and": true, "or": true, "so": true, "then": true, "for": true,
}

// trimHandoffTarget cuts the captured phrase at the first stop word and caps
// the agent reference at three words (the longest canonical display form).
func trimHandoffTarget(phrase string) string {
	words := strings.Fields(phrase)
	kept := make([]string, 0, 3)
	for _, w := range words {
		if handoffStopWords[strings.ToLower(strings.Trim(w, ".,"))] {
			break
		}
		kept = append(kept, w)
		if len(kept) == 3 {
			break
		}
	}
	return strings.Join(kept, " ")
}

// extractHandoff scans a completed step's description for handoff phrasing.
func extractHandoff(step *workflow.Step) {
	m := reHandsOff.FindStringSubmatch(step.Description)
	if m == nil {
		return
	}
	step.HandoffTo = NormalizeAgent(trimHandoffTarget(m[1]))
	step.HandoffMode = workflow.HandoffAlways

	lower := strings.ToLower(step.Description)
	if cm := reConditionalWord.FindStringSubmatch(step.Description); cm != nil {
		step.HandoffMode = workflow.HandoffConditional
		step.HandoffCriteria = strings.TrimSpace(cm[2])
	}
	if strings.Contains(lower, "always") {
		step.HandoffMode = workflow.HandoffAlways
	}
	if strings.Contains(lower, "on error") || strings.Contains(lower, "on failure") {
		step.HandoffMode = workflow.HandoffOnError
	}
}

// extractConditions turns each "{...?}" expression in the description into a
// workflow.Condition.
func extractConditions(step *workflow.Step) {
	for _, m := range reBraceCondition.FindAllStringSubmatch(step.Description, -1) {
		step.Conditions = append(step.Conditions, workflow.Condition{
			Expression: strings.TrimSpace(m[1]),
		})
	}
}

// NormalizeAgent maps a display-form agent reference to its canonical id.
// Known display forms use the canonical map; anything else degrades to a
// best-effort slug (lowercased, non-alphanumerics collapsed to hyphens).
func NormalizeAgent(display string) string {
	cleaned := strings.TrimSpace(display)
	cleaned = strings.TrimSuffix(cleaned, ".")
	lower := strings.ToLower(cleaned)

	if id, ok := canonicalAgents[lower]; ok {
		return id
	}

	// "X Agent" with an unknown X: drop the suffix before slugging.
	lower = strings.TrimSuffix(lower, " agent")

	slug := reSlugInvalid.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

// parseDuration converts a phase duration string to minutes.
// "N hours" -> N*60, "N minutes" -> N; anything else yields nil.
func parseDuration(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if m := reHours.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			minutes := n * 60
			return &minutes
		}
	}
	if m := reMinutes.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return &n
		}
	}
	return nil
}

// appendLine joins description lines with newlines, skipping empties at the
// start so descriptions never begin with a blank line.
func appendLine(existing, line string) string {
	if line == "" {
		if existing == "" {
			return existing
		}
		return existing + "\n"
	}
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

// Discover scans dir for workflow definition files matching "*.md", parses
// them concurrently, and returns the definitions sorted by workflow id.
// Files that cannot be read produce an error; the glob itself tolerates an
// empty or missing directory by returning an empty slice.
func Discover(dir string) ([]*workflow.Definition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []*workflow.Definition{}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(dir), "*.md")
	if err != nil {
		return nil, fmt.Errorf("parser: globbing workflow files in %q: %w", dir, err)
	}

	defs := make([]*workflow.Definition, len(matches))
	var g errgroup.Group
	g.SetLimit(8)
	for i, name := range matches {
		i, name := i, name
		g.Go(func() error {
			def, err := ParseFile(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("parser: discovering workflows: %w", err)
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].WorkflowID < defs[j].WorkflowID
	})
	return defs, nil
}

// Resolve locates the definition file for workflowID under dir. The primary
// candidate is "<id>.md"; because ids map hyphens to underscores, the
// fallback tries the id with underscores mapped back to hyphens.
func Resolve(dir, workflowID string) (string, error) {
	primary := filepath.Join(dir, workflowID+".md")
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}

	fallback := filepath.Join(dir, strings.ReplaceAll(workflowID, "_", "-")+".md")
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("parser: workflow %q not found in %q", workflowID, dir)
}
