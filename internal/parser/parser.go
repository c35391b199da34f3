// Package parser turns semi-structured task reports into canonical
// extraction records. Parsing never fails for a whole document: a missing
// or malformed section degrades to an empty field plus a parse warning.
package parser

import (
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Parse extracts a canonical record from raw document text. The returned
// record is always well formed; missing sections surface only as warnings.
func Parse(sourcePath, content string) *models.ExtractionRecord {
	format := DetectFormat(content)
	sections := splitSections(content, format)

	rec := &models.ExtractionRecord{
		DocID:          DocID(sourcePath, content),
		SourcePath:     sourcePath,
		FormatDetected: format,
		RawSections:    sections,
	}

	// Header metadata may also sit in the first kilobyte of quick captures
	headerContent := sections[sectionHeader] + "\n" + prefix(content, 1000)
	rec.Metadata = extractMetadata(headerContent)

	contextContent := sections[sectionContext]
	if contextContent == "" {
		contextContent = sections[sectionHeader]
	}
	rec.Context = extractContext(contextContent)

	triggerContent := sections[sectionTrigger]
	if triggerContent == "" {
		triggerContent = sections[sectionHeader]
	}
	rec.Trigger = extractTrigger(triggerContent)

	// Trigger fallback chain: early blockquote, then objective, then
	// requirements
	if rec.Trigger.WhatTriggered == "" {
		rec.Trigger.WhatTriggered = extractBlockquotes(prefix(content, 2000))
	}
	if rec.Trigger.WhatTriggered == "" {
		rec.Trigger.WhatTriggered = rec.Context.Objective
	}
	if rec.Trigger.WhatTriggered == "" {
		rec.Trigger.WhatTriggered = rec.Context.Requirements
	}

	workflowContent := sections[sectionWorkflow]
	if workflowContent == "" && format == models.FormatLegacy {
		// Legacy reports put numbered steps straight in the header
		if header := sections[sectionHeader]; strings.Contains(header, "1. ") {
			workflowContent = header
		}
	}
	rec.Workflow = extractWorkflow(workflowContent)

	// Quick capture keeps decisions in their own section
	if decisions := sections[sectionDecisions]; decisions != "" {
		wf := extractWorkflow(decisions)
		rec.Workflow.Decisions = append(rec.Workflow.Decisions, wf.Decisions...)
	}

	rec.Knowledge = extractKnowledge(sections[sectionKnowledge])
	rec.CodeBlocks = mergeCodeBlocks(
		extractCodeBlocks(sections[sectionCode]),
		extractCodeBlocks(content),
	)
	rec.Artifacts = extractArtifacts(sections[sectionOutputs])
	rec.Issues = extractIssues(sections[sectionIssues])
	rec.Verification = extractVerification(sections[sectionVerification])

	// Scores may sit in a dedicated section, the skill potential note, the
	// tags block, or a table anywhere in the document
	assessmentContent := sections[sectionAssessment] + "\n" +
		sections[sectionSkillPotential] + "\n" + sections[sectionTags]
	if strings.Contains(content, "Dimension") && strings.Contains(content, "Score") {
		assessmentContent += "\n" + content
	}
	rec.Assessment = extractAssessment(assessmentContent)

	// Inline tags often trail the document
	rec.Tags = extractTags(sections[sectionTags] + "\n" + suffix(content, 1000))

	rec.ParseWarnings = collectWarnings(rec)
	return rec
}

// mergeCodeBlocks concatenates block lists, dropping duplicate bodies.
func mergeCodeBlocks(lists ...[]models.CodeBlock) []models.CodeBlock {
	seen := make(map[string]bool)
	var merged []models.CodeBlock
	for _, list := range lists {
		for _, block := range list {
			key := contentHash(block.Code)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, block)
		}
	}
	return merged
}

// collectWarnings names the fields a downstream consumer would most miss.
func collectWarnings(rec *models.ExtractionRecord) []string {
	var warnings []string

	if rec.Metadata.Date == "" {
		warnings = append(warnings, "Missing: metadata.date")
	}
	if rec.Trigger.WhatTriggered == "" {
		warnings = append(warnings, "Missing: trigger.what_triggered")
	}
	if len(rec.Workflow.HighLevelSteps) == 0 {
		warnings = append(warnings, "Missing: workflow.high_level_steps")
	}
	if len(rec.CodeBlocks) == 0 {
		warnings = append(warnings, "Empty: code_written.blocks")
	}
	if len(rec.Tags.Languages) == 0 {
		warnings = append(warnings, "Missing: tags.languages")
	}
	if len(rec.Tags.Domains) == 0 {
		warnings = append(warnings, "Missing: tags.domains")
	}

	return warnings
}
