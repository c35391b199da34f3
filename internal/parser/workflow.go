package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

var (
	workflowTypeRegex = regexp.MustCompile(`(?i)\*\*Workflow Type\*\*:\s*(\w+)`)
	stepLineRegex     = regexp.MustCompile(`^\s*(\d+)\.\s+(.+)$`)
	stepLooseRegex    = regexp.MustCompile(`^(\d+)\.\s*(.+)$`)
	decisionRowRegex  = regexp.MustCompile(`\|\s*([^|]+)\s*\|\s*([^|]+)\s*\|\s*([^|]+)\s*\|\s*([^|]+)\s*\|`)
	keyDecisionRegex  = regexp.MustCompile(`-\s*\*?\*?([^*\n]+?)\*?\*?\s*->\s*([^\n>]+?)(?:\s*->\s*([^\n]+))?$`)
)

type numberedStep struct {
	num  int
	text string
}

// extractWorkflow pulls numbered steps, decision tables, and arrow-form key
// decisions from a workflow section.
func extractWorkflow(content string) models.Workflow {
	var wf models.Workflow

	if m := workflowTypeRegex.FindStringSubmatch(content); m != nil {
		wf.Type = m[1]
	}

	steps := collectSteps(content, stepLineRegex)
	if len(steps) == 0 {
		steps = collectSteps(content, stepLooseRegex)
	}

	// Deduplicate, then order by step number. Ties keep first occurrence.
	seen := make(map[string]bool, len(steps))
	ordered := make([]numberedStep, 0, len(steps))
	for _, s := range steps {
		key := strconv.Itoa(s.num) + ":" + s.text
		if !seen[key] {
			seen[key] = true
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].num < ordered[j].num })

	for _, s := range ordered {
		wf.HighLevelSteps = append(wf.HighLevelSteps, s.text)
		wf.DetailedSteps = append(wf.DetailedSteps, models.WorkflowStep{
			Step:   s.num,
			Action: s.text,
		})
	}

	for _, row := range decisionRowRegex.FindAllStringSubmatch(content, -1) {
		decision := strings.TrimSpace(row[1])
		if strings.Contains(strings.ToLower(decision), "decision") || strings.Contains(decision, "---") {
			continue
		}
		wf.Decisions = append(wf.Decisions, models.DecisionPoint{
			Decision:  decision,
			Options:   strings.TrimSpace(row[2]),
			Choice:    strings.TrimSpace(row[3]),
			Rationale: strings.TrimSpace(row[4]),
		})
	}

	for _, line := range strings.Split(content, "\n") {
		m := keyDecisionRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		wf.Decisions = append(wf.Decisions, models.DecisionPoint{
			Decision:  strings.TrimSpace(m[1]),
			Choice:    strings.TrimSpace(m[2]),
			Rationale: strings.TrimSpace(m[3]),
		})
	}

	return wf
}

// collectSteps gathers numbered list lines, skipping sub-bullets.
func collectSteps(content string, re *regexp.Regexp) []numberedStep {
	var steps []numberedStep
	for _, line := range strings.Split(content, "\n") {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[2])
		if text == "" || strings.HasPrefix(text, "-") {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		steps = append(steps, numberedStep{num: num, text: text})
	}
	return steps
}
