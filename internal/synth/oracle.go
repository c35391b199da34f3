package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Oracle turns one finalized cluster into a skill bundle. The records
// are the cluster's representative extractions in manifest order. A
// failed call is an error; the caller decides whether the cluster ships
// without a bundle.
type Oracle interface {
	Name() string
	Synthesize(ctx context.Context, manifest *models.ClusterManifest, records []*models.ExtractionRecord) (*models.SkillBundle, error)
}

// riskLevelHigh is the tag value that obligates a warnings section.
const riskLevelHigh = "high"

// Caps on how much representative material the template pulls into
// SKILL.md. Anything beyond goes to references/source_reports.md.
const (
	maxTemplateSteps    = 7
	maxTemplateIssues   = 5
	maxTemplateChecks   = 5
	maxTemplateTriggers = 3
)

// TemplateOracle is a local, deterministic oracle that assembles a
// bundle from the manifest and representative records. It is the
// default when no external oracle is wired and doubles as the offline
// fallback.
type TemplateOracle struct{}

// Name implements Oracle.
func (TemplateOracle) Name() string { return "template" }

// Synthesize implements Oracle. The same manifest and records always
// produce the same bundle bytes.
func (TemplateOracle) Synthesize(_ context.Context, m *models.ClusterManifest, records []*models.ExtractionRecord) (*models.SkillBundle, error) {
	if m == nil {
		return nil, fmt.Errorf("template oracle: nil manifest")
	}
	name := sanitizeSkillName(m.ClusterID)
	desc := templateDescription(m, records)

	var docIDs []string
	for _, r := range records {
		docIDs = append(docIDs, r.DocID)
	}
	sort.Strings(docIDs)

	bundle := &models.SkillBundle{
		SkillName:   name,
		Description: desc,
		SkillMD:     templateSkillMD(name, desc, m, records),
		ReferencesFiles: map[string]string{
			"references/source_reports.md": sourceReportsMD(records),
		},
		Traceability: models.Traceability{
			SourceDocIDs:   docIDs,
			SectionSources: sectionSources(records),
		},
	}
	return bundle, nil
}

// templateDescription builds the activation description from the shared
// trigger phrases, falling back to the shared tags.
func templateDescription(m *models.ClusterManifest, records []*models.ExtractionRecord) string {
	if len(m.TopPhrases) > 0 {
		phrases := m.TopPhrases
		if len(phrases) > maxTemplateTriggers {
			phrases = phrases[:maxTemplateTriggers]
		}
		return fmt.Sprintf("Use when a task involves %s.", strings.Join(phrases, " or "))
	}
	if len(m.TopTags) > 0 {
		return fmt.Sprintf("Procedures for %s work, distilled from %d related task reports.",
			strings.Join(m.TopTags, " and "), len(m.MemberDocIDs))
	}
	return fmt.Sprintf("Procedures distilled from %d related task reports in cluster %s.",
		len(m.MemberDocIDs), m.ClusterID)
}

// templateSkillMD assembles the SKILL.md body. Sections with no source
// material are omitted rather than left empty.
func templateSkillMD(name, desc string, m *models.ClusterManifest, records []*models.ExtractionRecord) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "name: %s\n", name)
	fmt.Fprintf(&b, "description: %s\n", desc)
	b.WriteString("version: 1.0.0\n")
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", humanTitle(m, name))

	b.WriteString("## Purpose\n")
	if ps := firstProblemStatement(records); ps != "" {
		b.WriteString(ps + "\n\n")
	} else {
		fmt.Fprintf(&b, "%s Distilled from %d task reports.\n\n", desc, len(m.MemberDocIDs))
	}

	if phrases := triggerPhrases(m, records); len(phrases) > 0 {
		b.WriteString("## Triggers\n")
		for _, p := range phrases {
			fmt.Fprintf(&b, "- %q\n", p)
		}
		b.WriteString("\n")
	}

	if steps := workflowSteps(records); len(steps) > 0 {
		b.WriteString("## Workflow\n")
		for i, step := range steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		b.WriteString("\n")
	}

	if issues := issueLines(records); len(issues) > 0 {
		b.WriteString("## Common issues\n")
		for _, line := range issues {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}

	if warnings := warningLines(records); len(warnings) > 0 {
		b.WriteString("## Warnings\n")
		for _, line := range warnings {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}

	if checks := verificationChecks(records); len(checks) > 0 {
		b.WriteString("## Verification\n")
		for _, c := range checks {
			b.WriteString("- [ ] " + c + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## References\n")
	b.WriteString("- [source_reports.md](references/source_reports.md)\n")
	b.WriteString("- traceability.json maps each section back to its source reports.\n")
	return b.String()
}

// humanTitle prefers the shared tags for a readable title and falls back
// to the skill name with dashes spelled out.
func humanTitle(m *models.ClusterManifest, name string) string {
	s := strings.ReplaceAll(name, "-", " ")
	if len(m.TopTags) > 0 {
		s = strings.Join(m.TopTags, " ")
	}
	runes := []rune(s)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}

func firstProblemStatement(records []*models.ExtractionRecord) string {
	for _, r := range records {
		if s := strings.TrimSpace(r.Context.ProblemStatement); s != "" {
			return s
		}
	}
	return ""
}

func triggerPhrases(m *models.ClusterManifest, records []*models.ExtractionRecord) []string {
	phrases := append([]string(nil), m.TopPhrases...)
	if len(phrases) == 0 {
		for _, r := range records {
			if s := strings.TrimSpace(r.Trigger.WhatTriggered); s != "" {
				phrases = append(phrases, s)
			}
		}
	}
	if len(phrases) > maxTemplateTriggers {
		phrases = phrases[:maxTemplateTriggers]
	}
	return phrases
}

// workflowSteps takes the high level steps of the first record that has
// any. Mixing step lists across reports produces nonsense orderings.
func workflowSteps(records []*models.ExtractionRecord) []string {
	for _, r := range records {
		steps := r.Workflow.HighLevelSteps
		if len(steps) == 0 {
			for _, d := range r.Workflow.DetailedSteps {
				if s := strings.TrimSpace(d.Action); s != "" {
					steps = append(steps, s)
				}
			}
		}
		if len(steps) > 0 {
			if len(steps) > maxTemplateSteps {
				steps = steps[:maxTemplateSteps]
			}
			return steps
		}
	}
	return nil
}

func issueLines(records []*models.ExtractionRecord) []string {
	var lines []string
	for _, r := range records {
		for _, issue := range r.Issues {
			if len(lines) == maxTemplateIssues {
				return lines
			}
			line := issue.Symptom
			if issue.Fix != "" {
				line += " Fix: " + issue.Fix
			}
			lines = append(lines, line)
		}
	}
	return lines
}

// warningLines collects prevention notes. High risk clusters always get
// at least one line so the guidance obligation is met.
func warningLines(records []*models.ExtractionRecord) []string {
	var lines []string
	risky := false
	for _, r := range records {
		if r.Tags.Risk == riskLevelHigh {
			risky = true
		}
		for _, issue := range r.Issues {
			if s := strings.TrimSpace(issue.Prevention); s != "" {
				lines = append(lines, s)
			}
		}
	}
	if risky && len(lines) == 0 {
		lines = append(lines, "The source reports flag this work as high risk. Rehearse each step in a staging environment before touching production.")
	}
	if len(lines) > maxTemplateIssues {
		lines = lines[:maxTemplateIssues]
	}
	return lines
}

func verificationChecks(records []*models.ExtractionRecord) []string {
	var checks []string
	for _, r := range records {
		for _, c := range r.Verification.Checks {
			if len(checks) == maxTemplateChecks {
				return checks
			}
			if s := strings.TrimSpace(c.Test); s != "" {
				checks = append(checks, s)
			}
		}
	}
	return checks
}

// sourceReportsMD summarizes each representative for the references
// folder, one section per report.
func sourceReportsMD(records []*models.ExtractionRecord) string {
	var b strings.Builder
	b.WriteString("# Source reports\n")
	for _, r := range records {
		fmt.Fprintf(&b, "\n## %s\n", r.DocID)
		if r.SourcePath != "" {
			fmt.Fprintf(&b, "- Path: %s\n", r.SourcePath)
		}
		if r.Metadata.TaskType != "" {
			fmt.Fprintf(&b, "- Task type: %s\n", r.Metadata.TaskType)
		}
		if s := strings.TrimSpace(r.Trigger.WhatTriggered); s != "" {
			fmt.Fprintf(&b, "- Trigger: %s\n", s)
		}
		if s := strings.TrimSpace(r.Context.Objective); s != "" {
			fmt.Fprintf(&b, "- Objective: %s\n", s)
		}
	}
	return b.String()
}

// sectionSources records which documents fed the workflow and issue
// sections of the generated SKILL.md.
func sectionSources(records []*models.ExtractionRecord) map[string][]string {
	sources := make(map[string][]string)
	for _, r := range records {
		if len(r.Workflow.HighLevelSteps) > 0 || len(r.Workflow.DetailedSteps) > 0 {
			sources["workflow"] = append(sources["workflow"], r.DocID)
		}
		if len(r.Issues) > 0 {
			sources["issues"] = append(sources["issues"], r.DocID)
		}
		if len(r.Verification.Checks) > 0 {
			sources["verification"] = append(sources["verification"], r.DocID)
		}
	}
	for section := range sources {
		sort.Strings(sources[section])
	}
	if len(sources) == 0 {
		return nil
	}
	return sources
}

// sanitizeSkillName lowercases s and collapses every run of characters
// outside [a-z0-9] into a single dash, the kebab case skill folders use.
func sanitizeSkillName(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	return b.String()
}
