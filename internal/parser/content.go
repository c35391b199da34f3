package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

var (
	reuseFlagRegex = regexp.MustCompile(`(?i)\[x\]\s*(?:Definitely|Likely)\s*reusable|reusable|should.*become.*skill.*\[x\]`)

	artifactRowRegex  = regexp.MustCompile("\\|\\s*`?([^|`]+)`?\\s*\\|\\s*([^|]+)\\s*\\|\\s*([^|]+)\\s*\\|(?:\\s*([^|]+)\\s*\\|)?")
	modifiedFileRegex = regexp.MustCompile("-\\s*`?([^`\\n:]+(?:\\.(?:py|js|ts|go|html|css|json|md|yaml|yml|xml))?)`?(?:\\s*[-:]?\\s*(.+))?")

	issueRowRegex     = regexp.MustCompile(`\|\s*([^|]+)\s*\|\s*([^|]+)\s*\|\s*([^|]+)\s*\|`)
	issueHeadingRegex = regexp.MustCompile(`(?i)##\s*Issues?`)
	issueBulletRegex  = regexp.MustCompile(`-\s*([^->:\n]+)\s*(?:->|:)\s*([^->\n]+)(?:\s*->\s*(.+))?`)

	checkLineRegex    = regexp.MustCompile(`-\s*([^:\n]+):\s*([^\n]+)`)
	criterionRegex    = regexp.MustCompile(`(?i)-\s*\[([x ])\]\s*(.+)`)
	expectedRegex     = regexp.MustCompile(`(?i)\*\*(?:After fix|Expected)\*\*:\s*\n?((?:-[^\n]+\n?)+)`)
	expectedItemRegex = regexp.MustCompile(`-\s*(.+)`)

	scoreFrequencyRegex   = regexp.MustCompile(`(?i)Frequency[^|]*\|\s*(\d)`)
	scoreConsistencyRegex = regexp.MustCompile(`(?i)Consistency[^|]*\|\s*(\d)`)
	scoreComplexityRegex  = regexp.MustCompile(`(?i)Complexity[^|]*\|\s*(\d)`)
	scoreCodifiableRegex  = regexp.MustCompile(`(?i)Codifiability[^|]*\|\s*(\d)`)
	scoreToolabilityRegex = regexp.MustCompile(`(?i)Tool-?ability[^|]*\|\s*(\d)`)
	scoreTotalRegex       = regexp.MustCompile(`(?:TOTAL|Total)[^|]*\|\s*(\d+)`)
	priorityBoxRegex      = regexp.MustCompile(`(?i)\[x\]\s*\*?\*?(\w+)\s*Priority`)
	skillPotentialRegex   = regexp.MustCompile(`(?i)Skill Potential:\s*(\w+)`)
	assessmentNotesRegex  = regexp.MustCompile(`(?i)\*\*Notes?\*\*:\s*` + labelCont)
)

// issueSkipWords marks bullet or table text that belongs to other sections
// reusing the same shapes.
var issueSkipWords = []string{
	"tests", "validation", "success criteria", "pr/diff", "scripts",
	"snippets", "configs", "docs updated", "template", "utility",
	"storage", "saved as", "location", "artifacts", "modified files",
	"environment", "starting state",
}

// extractCodeBlocks walks fenced code blocks, associating each with the
// nearest preceding ### heading and a reuse flag from surrounding text.
func extractCodeBlocks(content string) []models.CodeBlock {
	var blocks []models.CodeBlock
	lines := strings.Split(content, "\n")
	heading := ""
	offset := 0

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lineStart := offset
		offset += len(line) + 1

		if strings.HasPrefix(line, "###") {
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}
		if !strings.HasPrefix(line, "```") {
			continue
		}

		lang := strings.TrimSpace(strings.TrimPrefix(line, "```"))
		if fields := strings.Fields(lang); len(fields) > 0 {
			lang = fields[0]
		}

		var body []string
		closed := false
		end := offset
		for j := i + 1; j < len(lines); j++ {
			end += len(lines[j]) + 1
			if strings.HasPrefix(lines[j], "```") {
				closed = true
				i = j
				break
			}
			body = append(body, lines[j])
		}
		if !closed {
			break
		}
		offset = end

		// Reuse markers live near the block, not inside it
		winStart := lineStart - 500
		if winStart < 0 {
			winStart = 0
		}
		winEnd := end + 500
		if winEnd > len(content) {
			winEnd = len(content)
		}

		blocks = append(blocks, models.CodeBlock{
			Language:  lang,
			Code:      strings.TrimSpace(strings.Join(body, "\n")),
			Heading:   heading,
			ReuseFlag: reuseFlagRegex.MatchString(content[winStart:winEnd]),
		})
	}

	return blocks
}

// extractArtifacts pulls artifacts from output tables and modified-file
// bullets.
func extractArtifacts(content string) []models.Artifact {
	var artifacts []models.Artifact

	for _, row := range artifactRowRegex.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(row[1])
		lower := strings.ToLower(name)
		if strings.Contains(lower, "filename") ||
			(strings.Contains(lower, "file") && strings.Contains(strings.ToLower(row[2]), "change")) {
			continue
		}
		if strings.Contains(name, "---") {
			continue
		}

		template := false
		if row[4] != "" {
			flag := strings.ToLower(row[4])
			template = strings.Contains(flag, "[x]") || strings.Contains(flag, "yes")
		}

		artifacts = append(artifacts, models.Artifact{
			Name:              name,
			Kind:              strings.TrimSpace(row[2]),
			TemplatePotential: template,
			Notes:             strings.TrimSpace(row[3]),
		})
	}

	for _, m := range modifiedFileRegex.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || !strings.Contains(name, ".") {
			continue
		}
		artifacts = append(artifacts, models.Artifact{
			Name:     name,
			Kind:     "modified_file",
			PathHint: name,
			Notes:    strings.TrimSpace(m[2]),
		})
	}

	return artifacts
}

// validIssue filters out table and bullet text that is not an issue.
func validIssue(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(lower, "**") {
		return false
	}
	for _, skip := range issueSkipWords {
		if strings.Contains(lower, skip) {
			return false
		}
	}
	return len(text) > 5
}

// extractIssues pulls issues from table rows and arrow-form bullets.
func extractIssues(content string) []models.Issue {
	var issues []models.Issue

	for _, row := range issueRowRegex.FindAllStringSubmatch(content, -1) {
		symptom := strings.TrimSpace(row[1])
		lower := strings.ToLower(symptom)
		if strings.Contains(lower, "issue") || strings.Contains(symptom, "---") ||
			strings.Contains(lower, "symptom") {
			continue
		}
		if !validIssue(symptom) {
			continue
		}
		issues = append(issues, models.Issue{
			Symptom: symptom,
			Cause:   strings.TrimSpace(row[2]),
			Fix:     strings.TrimSpace(row[3]),
		})
	}

	// Bullet form lives under the Issues heading, bounded by the next heading
	if loc := issueHeadingRegex.FindStringIndex(content); loc != nil {
		end := len(content)
		if idx := strings.IndexByte(content[loc[1]:], '#'); idx >= 0 {
			end = loc[1] + idx
		}
		for _, b := range issueBulletRegex.FindAllStringSubmatch(content[loc[0]:end], -1) {
			symptom := strings.TrimSpace(b[1])
			if !validIssue(symptom) {
				continue
			}
			issues = append(issues, models.Issue{
				Symptom:    symptom,
				Fix:        strings.TrimSpace(b[2]),
				Prevention: strings.TrimSpace(b[3]),
			})
		}
	}

	return issues
}

// extractVerification pulls test checks, checkbox criteria, and expected
// results.
func extractVerification(content string) models.Verification {
	var ver models.Verification

	for _, m := range checkLineRegex.FindAllStringSubmatch(content, -1) {
		ver.Checks = append(ver.Checks, models.VerificationCheck{
			Test:   strings.TrimSpace(m[1]),
			Result: strings.TrimSpace(m[2]),
		})
	}

	for _, m := range criterionRegex.FindAllStringSubmatch(content, -1) {
		ver.SuccessCriteria = append(ver.SuccessCriteria, models.SuccessCriterion{
			Criterion: strings.TrimSpace(m[2]),
			Met:       strings.EqualFold(m[1], "x"),
		})
	}

	if m := expectedRegex.FindStringSubmatch(content); m != nil {
		for _, item := range expectedItemRegex.FindAllStringSubmatch(m[1], -1) {
			ver.Results = append(ver.Results, strings.TrimSpace(item[1]))
		}
	}

	return ver
}

// extractAssessment pulls dimension scores, the total, and the extraction
// priority.
func extractAssessment(content string) models.SkillAssessment {
	var assess models.SkillAssessment

	assess.Scores.Frequency = scoreDigit(scoreFrequencyRegex, content)
	assess.Scores.Consistency = scoreDigit(scoreConsistencyRegex, content)
	assess.Scores.Complexity = scoreDigit(scoreComplexityRegex, content)
	assess.Scores.Codifiability = scoreDigit(scoreCodifiableRegex, content)
	assess.Scores.Toolability = scoreDigit(scoreToolabilityRegex, content)

	if m := scoreTotalRegex.FindStringSubmatch(content); m != nil {
		assess.Total, _ = strconv.Atoi(m[1])
	}

	if m := priorityBoxRegex.FindStringSubmatch(content); m != nil {
		assess.Priority = strings.ToLower(m[1])
	}

	if m := skillPotentialRegex.FindStringSubmatch(content); m != nil {
		switch strings.ToLower(m[1]) {
		case "high":
			assess.Priority = "high"
		case "medium":
			assess.Priority = "medium"
		default:
			assess.Priority = "low"
		}
	}

	if m := assessmentNotesRegex.FindStringSubmatch(content); m != nil {
		assess.Notes = strings.TrimSpace(m[1])
	}

	return assess
}

func scoreDigit(re *regexp.Regexp, content string) int {
	if m := re.FindStringSubmatch(content); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}
