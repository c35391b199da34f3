package parser

import (
	"regexp"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// labelCont matches a labeled value plus its continuation lines. A
// continuation line is any non-empty line not opening a new bold label.
const labelCont = `([^\n]+(?:\n(?:[^*\n][^\n]*|\*[^*\n][^\n]*))*)`

var (
	metaDateRegex       = regexp.MustCompile(`\*\*Date\*\*:\s*(\d{4}-\d{2}-\d{2})`)
	metaBulletDateRegex = regexp.MustCompile(`-\s*\*\*Date\*\*:\s*(\d{4}-\d{2}-\d{2})`)
	metaTaskIDRegex     = regexp.MustCompile(`\*\*Task ID\*\*:\s*([^|*\n]+)`)
	metaTypeRegex       = regexp.MustCompile(`\*\*Type\*\*:\s*([^|*\n]+)`)
	metaDomainRegex     = regexp.MustCompile(`\*\*Domain(?:/Module)?\*\*:\s*([^|*\n]+)`)
	metaComplexityRegex = regexp.MustCompile(`\*\*Complexity\*\*:\s*(\w+)`)
	metaTimeRegex       = regexp.MustCompile(`\*\*Time Spent\*\*:\s*([^\n]+)`)
	metaRepoRegex       = regexp.MustCompile(`\*\*Repo/Branch(?:/PR/Commits)?\*\*:\s*([^\n]+)`)

	triggerWhatRegex    = regexp.MustCompile(`(?is)\*\*What triggered[^*]*\*\*[:\s]*\n?>?\s*(.+?)(?:\n\n|\n\*\*|$)`)
	triggerDraftRegex   = regexp.MustCompile(`(?is)\*\*Draft Skill Trigger\*\*[:\s]*\n?>?\s*(.+?)(?:\n\n|\n\*\*|$)`)
	triggerKeywordRegex = regexp.MustCompile(`(?i)\*\*Keywords?[^*]*\*\*[:\s]*\n?((?:>?\s*-[^\n]+\n?)+|[^\n*]+)`)
	triggerMarkerRegex  = regexp.MustCompile(`(?i)\*\*Context Markers?\*\*[:\s]*\n?((?:>?\s*-[^\n]+\n?)+|[^\n*]+)`)
	quotedItemRegex     = regexp.MustCompile(`[-*>]\s*"?([^"\n]+)"?`)
	markerItemRegex     = regexp.MustCompile(`[-*>]\s*([^\n]+)`)

	ctxObjectiveRegex    = regexp.MustCompile(`\*\*Objective\*\*:\s*([^\n]+)`)
	ctxProblemRegex      = regexp.MustCompile(`(?i)(?:Problem Statement|Requirements/Problem)[:\s]*\n?\*?\*?([^\n*]+(?:\n[^\n*]+)*)`)
	ctxStartingRegex     = regexp.MustCompile(`(?i)\*\*Starting state\*\*:\s*\n?((?:\s*-[^\n]+\n?)+|[^\n*]+)`)
	ctxEnvironmentRegex  = regexp.MustCompile(`(?i)\*\*Environment(?:/Versions?)?\*\*:\s*\n?((?:\s*-[^\n]+\n?)+|[^\n*]+)`)
	ctxConstraintsRegex  = regexp.MustCompile(`(?i)\*\*Constraints?(?:/Dependencies)?\*\*:\s*\n?((?:\s*-[^\n]+\n?)+|[^\n*]+)`)
	ctxRequirementsRegex = regexp.MustCompile(`\*\*Requirements?(?:/Problem)?\*\*:\s*([^\n]+)`)
	ctxCriteriaRegex     = regexp.MustCompile(`(?i)\*\*Success criteria\*\*:\s*\n?((?:\s*-[^\n]+\n?)+)`)
	ctxCriteriaItemRegex = regexp.MustCompile(`-\s*(?:\[[x ]\]\s*)?(.+)`)

	knowDBRegex       = regexp.MustCompile(`(?i)\*\*(?:DB|Database)[^*]*\*\*:\s*` + labelCont)
	knowAPIRegex      = regexp.MustCompile(`(?i)\*\*API[^*]*\*\*:\s*` + labelCont)
	knowCodebaseRegex = regexp.MustCompile(`(?i)\*\*(?:Code(?:base)?|Code patterns?)[^*]*\*\*:\s*` + labelCont)
	knowBulletRegex   = regexp.MustCompile(`-\s*\*\*([^*]+)\*\*:\s*([^\n]+)`)

	tagLanguagesRegex  = regexp.MustCompile(`(?i)(?:\*\*)?Languages?(?:\*\*)?:\s*([^|\n]+)`)
	tagFrameworksRegex = regexp.MustCompile(`(?i)(?:\*\*)?Frameworks?(?:/Libs?)?(?:\*\*)?:\s*([^|\n]+)`)
	tagDomainsRegex    = regexp.MustCompile(`(?i)(?:\*\*)?Domains?(?:\*\*)?:\s*([^|\n]+)`)
	tagServicesRegex   = regexp.MustCompile(`(?i)(?:\*\*)?(?:External\s*)?Services?(?:\*\*)?:\s*([^|\n]+)`)
	tagPatternsRegex   = regexp.MustCompile(`(?i)(?:\*\*)?Patterns?(?:\*\*)?:\s*([^|\n]+)`)
	tagToolsRegex      = regexp.MustCompile(`(?i)(?:\*\*)?(?:Tools?|Operational)(?:\*\*)?:\s*([^|\n]+)`)
	tagRiskRegex       = regexp.MustCompile(`(?i)(?:\*\*)?(?:Safety[ /]?)?Risk(?:\s*Level)?(?:\*\*)?:\s*([^|\n]+)`)
)

// extractMetadata pulls header metadata from both the inline pipe form and
// the legacy bullet form.
func extractMetadata(content string) models.Metadata {
	var meta models.Metadata

	if m := metaDateRegex.FindStringSubmatch(content); m != nil {
		meta.Date = m[1]
	}
	if m := metaTaskIDRegex.FindStringSubmatch(content); m != nil {
		meta.TaskID = strings.TrimSpace(m[1])
	}
	if m := metaTypeRegex.FindStringSubmatch(content); m != nil {
		meta.TaskType = strings.TrimSpace(m[1])
	}
	if m := metaDomainRegex.FindStringSubmatch(content); m != nil {
		meta.Domain = strings.TrimSpace(m[1])
	}
	if m := metaComplexityRegex.FindStringSubmatch(content); m != nil {
		meta.Complexity = strings.TrimSpace(m[1])
	}
	if m := metaTimeRegex.FindStringSubmatch(content); m != nil {
		meta.TimeSpent = strings.TrimSpace(m[1])
	}
	if meta.Date == "" {
		if m := metaBulletDateRegex.FindStringSubmatch(content); m != nil {
			meta.Date = m[1]
		}
	}
	if m := metaRepoRegex.FindStringSubmatch(content); m != nil {
		meta.RepoBranch = strings.TrimSpace(m[1])
	}

	return meta
}

// extractBlockquotes joins the content of all blockquote runs.
func extractBlockquotes(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			text := strings.TrimSpace(strings.TrimLeft(trimmed, "> "))
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

// extractTrigger pulls trigger fields from a trigger section.
func extractTrigger(content string) models.Trigger {
	var trig models.Trigger

	if quoted := extractBlockquotes(content); quoted != "" {
		trig.WhatTriggered = quoted
	}

	// A labeled field overrides the blockquote form
	if m := triggerWhatRegex.FindStringSubmatch(content); m != nil {
		trig.WhatTriggered = strings.TrimLeft(strings.TrimSpace(m[1]), "> ")
	}

	if m := triggerKeywordRegex.FindStringSubmatch(content); m != nil {
		for _, item := range quotedItemRegex.FindAllStringSubmatch(m[1], -1) {
			kw := strings.Trim(item[1], ` "'`)
			if kw != "" {
				trig.Keywords = append(trig.Keywords, kw)
			}
		}
	}

	if m := triggerMarkerRegex.FindStringSubmatch(content); m != nil {
		for _, item := range markerItemRegex.FindAllStringSubmatch(m[1], -1) {
			marker := strings.TrimSpace(item[1])
			if marker != "" {
				trig.ContextMarkers = append(trig.ContextMarkers, marker)
			}
		}
	}

	if m := triggerDraftRegex.FindStringSubmatch(content); m != nil {
		trig.DraftTrigger = strings.TrimLeft(strings.TrimSpace(m[1]), "> ")
	}

	return trig
}

// extractContext pulls the context and inputs fields.
func extractContext(content string) models.ContextInputs {
	var ctx models.ContextInputs

	if m := ctxObjectiveRegex.FindStringSubmatch(content); m != nil {
		ctx.Objective = strings.TrimSpace(m[1])
	}
	if m := ctxProblemRegex.FindStringSubmatch(content); m != nil {
		ctx.ProblemStatement = strings.TrimSpace(m[1])
	}
	if m := ctxStartingRegex.FindStringSubmatch(content); m != nil {
		ctx.StartingState = strings.TrimSpace(m[1])
	}
	if m := ctxEnvironmentRegex.FindStringSubmatch(content); m != nil {
		ctx.Environment = strings.TrimSpace(m[1])
	}
	if m := ctxConstraintsRegex.FindStringSubmatch(content); m != nil {
		ctx.Constraints = strings.TrimSpace(m[1])
	}
	if m := ctxRequirementsRegex.FindStringSubmatch(content); m != nil {
		ctx.Requirements = strings.TrimSpace(m[1])
	}
	if m := ctxCriteriaRegex.FindStringSubmatch(content); m != nil {
		for _, item := range ctxCriteriaItemRegex.FindAllStringSubmatch(m[1], -1) {
			criterion := strings.TrimSpace(item[1])
			if criterion != "" {
				ctx.SuccessCriteria = append(ctx.SuccessCriteria, criterion)
			}
		}
	}

	return ctx
}

// extractKnowledge pulls knowledge sources from labeled fields and bullets.
func extractKnowledge(content string) models.Knowledge {
	var know models.Knowledge

	if m := knowDBRegex.FindStringSubmatch(content); m != nil {
		detail := strings.TrimSpace(m[1])
		know.Database = detail
		know.Sources = append(know.Sources, models.KnowledgeSource{Type: "database", Detail: detail})
	}
	if m := knowAPIRegex.FindStringSubmatch(content); m != nil {
		detail := strings.TrimSpace(m[1])
		know.API = detail
		know.Sources = append(know.Sources, models.KnowledgeSource{Type: "api", Detail: detail})
	}
	if m := knowCodebaseRegex.FindStringSubmatch(content); m != nil {
		detail := strings.TrimSpace(m[1])
		know.Codebase = detail
		know.Sources = append(know.Sources, models.KnowledgeSource{Type: "codebase", Detail: detail})
	}

	labeled := map[string]bool{
		"db": true, "database": true, "api": true,
		"code": true, "codebase": true, "code patterns": true,
	}
	for _, m := range knowBulletRegex.FindAllStringSubmatch(content, -1) {
		category := strings.ToLower(strings.TrimSpace(m[1]))
		if labeled[category] {
			continue
		}
		know.Sources = append(know.Sources, models.KnowledgeSource{
			Type:   category,
			Detail: strings.TrimSpace(m[2]),
		})
	}

	return know
}

// extractTags pulls and normalizes the tag facets.
func extractTags(content string) models.TagSet {
	var tags models.TagSet

	if m := tagLanguagesRegex.FindStringSubmatch(content); m != nil {
		tags.Languages = splitTags(m[1])
	}
	if m := tagFrameworksRegex.FindStringSubmatch(content); m != nil {
		tags.Frameworks = splitTags(m[1])
	}
	if m := tagDomainsRegex.FindStringSubmatch(content); m != nil {
		tags.Domains = splitTags(m[1])
	}
	if m := tagServicesRegex.FindStringSubmatch(content); m != nil {
		services := make([]string, 0)
		for _, s := range splitTags(m[1]) {
			if s != "none" {
				services = append(services, s)
			}
		}
		tags.Services = services
	}
	if m := tagPatternsRegex.FindStringSubmatch(content); m != nil {
		tags.Patterns = splitTags(m[1])
	}
	if m := tagToolsRegex.FindStringSubmatch(content); m != nil {
		tags.Tools = splitTags(m[1])
	}
	if m := tagRiskRegex.FindStringSubmatch(content); m != nil {
		tags.Risk = NormalizeTag(m[1])
	}

	tags.Languages = Dedupe(tags.Languages)
	tags.Frameworks = Dedupe(tags.Frameworks)
	tags.Domains = Dedupe(tags.Domains)
	tags.Services = Dedupe(tags.Services)
	tags.Patterns = Dedupe(tags.Patterns)
	tags.Tools = Dedupe(tags.Tools)

	return tags
}
