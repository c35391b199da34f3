package parser

import (
	"regexp"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Canonical section names shared across format variants.
const (
	sectionHeader         = "header"
	sectionTrigger        = "trigger"
	sectionContext        = "context"
	sectionWorkflow       = "workflow"
	sectionDecisions      = "decisions"
	sectionKnowledge      = "knowledge"
	sectionCode           = "code"
	sectionOutputs        = "outputs"
	sectionIssues         = "issues"
	sectionVerification   = "verification"
	sectionAssessment     = "skill_assessment"
	sectionSkillPotential = "skill_potential"
	sectionTags           = "tags"
)

// sectionRule maps a heading pattern to a canonical section name. Rules are
// ordered; the first match wins.
type sectionRule struct {
	name    string
	pattern *regexp.Regexp
}

// Full reports label their sections A through J. The patterns also accept
// the plain heading names authors substitute for the lettered form.
var fullSectionRules = []sectionRule{
	{sectionHeader, regexp.MustCompile(`(?i)^#\s*(?:Section\s*A[:.]?|Task Report|Task Doc).*?(?:Header|Skill Trigger)`)},
	{sectionContext, regexp.MustCompile(`(?i)^(?:##\s*(?:Section\s*B[:.]?|Context|Inputs)|##\s*Problem Statement)`)},
	{sectionWorkflow, regexp.MustCompile(`(?i)^##\s*(?:Section\s*C[:.]?|Workflow|Work Performed)`)},
	{sectionKnowledge, regexp.MustCompile(`(?i)^##\s*(?:Section\s*D[:.]?|Knowledge|Knowledge Used|Knowledge Accessed)`)},
	{sectionCode, regexp.MustCompile(`(?i)^##\s*(?:Section\s*E[:.]?|Code|Code Written)`)},
	{sectionOutputs, regexp.MustCompile(`(?i)^##\s*(?:Section\s*F[:.]?|Output|Artifacts|Files)`)},
	{sectionIssues, regexp.MustCompile(`(?i)^##\s*(?:Section\s*G[:.]?|Issue|Issues|Problems)`)},
	{sectionVerification, regexp.MustCompile(`(?i)^##\s*(?:Section\s*H[:.]?|Verification|Validation|Test)`)},
	{sectionAssessment, regexp.MustCompile(`(?i)^##\s*(?:Section\s*I[:.]?|Skill.*Assessment|Reusability)`)},
	{sectionTags, regexp.MustCompile(`(?i)^##\s*(?:Section\s*J[:.]?|Tags)`)},
}

// Quick capture uses bare headings.
var quickSectionRules = []sectionRule{
	{sectionTrigger, regexp.MustCompile(`(?i)^##\s*Trigger`)},
	{sectionWorkflow, regexp.MustCompile(`(?i)^##\s*Workflow`)},
	{sectionDecisions, regexp.MustCompile(`(?i)^##\s*Key Decisions`)},
	{sectionKnowledge, regexp.MustCompile(`(?i)^##\s*Knowledge`)},
	{sectionCode, regexp.MustCompile(`(?i)^##\s*Code`)},
	{sectionOutputs, regexp.MustCompile(`(?i)^##\s*Output`)},
	{sectionIssues, regexp.MustCompile(`(?i)^##\s*Issues`)},
	{sectionSkillPotential, regexp.MustCompile(`(?i)^##\s*Skill Potential`)},
	{sectionTags, regexp.MustCompile(`(?i)^##\s*Tags`)},
}

// DetectFormat classifies a document as full, quick, or legacy.
func DetectFormat(content string) models.Format {
	lower := strings.ToLower(content)

	// Full reports carry lettered section markers
	if strings.Contains(lower, "section a") || strings.Contains(lower, "skill trigger profile") {
		return models.FormatFull
	}

	// Quick capture has an inline metadata header plus bare section headings
	if strings.Contains(lower, "| **type**:") || strings.Contains(prefix(lower, 500), "**date**:") {
		if strings.Contains(lower, "## trigger") && strings.Contains(lower, "## workflow") {
			return models.FormatQuick
		}
	}

	// Older reports use a task doc title or bullet metadata
	if strings.Contains(lower, "task doc") || strings.Contains(prefix(lower, 200), "- **date**:") {
		return models.FormatLegacy
	}

	return models.FormatQuick
}

// prefix returns the first n bytes of s, or all of s if shorter.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// suffix returns the last n bytes of s, or all of s if shorter.
func suffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// splitSections partitions the document into named sections. Text before the
// first recognized heading accumulates under "header". The heading line
// itself stays with its section.
func splitSections(content string, format models.Format) map[string]string {
	rules := quickSectionRules
	if format == models.FormatFull {
		rules = fullSectionRules
	}

	sections := make(map[string]string)
	current := sectionHeader
	var buf []string

	for _, line := range strings.Split(content, "\n") {
		name, ok := matchSectionHeading(line, rules)
		if ok {
			if len(buf) > 0 {
				sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
			}
			current = name
			buf = []string{line}
			continue
		}
		buf = append(buf, line)
	}
	if len(buf) > 0 {
		sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
	}

	return sections
}

func matchSectionHeading(line string, rules []sectionRule) (string, bool) {
	for _, rule := range rules {
		if rule.pattern.MatchString(line) {
			return rule.name, true
		}
	}
	return "", false
}
