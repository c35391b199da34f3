// Package card projects extraction records into doc cards, the compact
// summaries every downstream clustering decision operates on. Building a
// card is pure: the same record always yields a byte-identical card, so
// unchanged documents produce unchanged artifacts across runs.
package card

import (
	"unicode/utf8"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const (
	maxKeywords       = 10
	maxTopSteps       = 5
	maxArtifactNames  = 5
	maxIssueSummaries = 5
	issueSummaryRunes = 80
)

// Builder turns extraction records into doc cards. It carries the domain
// rollup table so every card gets its bucket key stamped at build time.
type Builder struct {
	rollups bucket.Rollups
}

// NewBuilder returns a Builder using the given rollup table.
func NewBuilder(rollups bucket.Rollups) *Builder {
	return &Builder{rollups: rollups}
}

// Build projects a record into its doc card.
func (b *Builder) Build(rec *models.ExtractionRecord) *models.DocCard {
	c := &models.DocCard{
		DocID:          rec.DocID,
		FormatDetected: rec.FormatDetected,
		Scores: models.CardScores{
			Total:         rec.Assessment.Total,
			Frequency:     rec.Assessment.Scores.Frequency,
			Consistency:   rec.Assessment.Scores.Consistency,
			Complexity:    rec.Assessment.Scores.Complexity,
			Codifiability: rec.Assessment.Scores.Codifiability,
			Toolability:   rec.Assessment.Scores.Toolability,
			Priority:      rec.Assessment.Priority,
		},
		Tags: models.CardTags{
			Domains:    normalizeFacet(rec.Tags.Domains),
			Patterns:   normalizeFacet(rec.Tags.Patterns),
			Frameworks: normalizeFacet(rec.Tags.Frameworks),
			Languages:  normalizeFacet(rec.Tags.Languages),
			Tools:      normalizeFacet(rec.Tags.Tools),
			Risk:       rec.Tags.Risk,
		},
		TriggerSummary:  triggerSummary(rec.Trigger),
		Keywords:        head(rec.Trigger.Keywords, maxKeywords),
		TopSteps:        head(rec.Workflow.HighLevelSteps, maxTopSteps),
		ArtifactNames:   artifactNames(rec.Artifacts),
		IssueSummaries:  issueSummaries(rec.Issues),
		HasReusableCode: hasReusableCode(rec.CodeBlocks),
		HasIssues:       len(rec.Issues) > 0,
		HasArtifacts:    len(rec.Artifacts) > 0,
		WarningCount:    len(rec.ParseWarnings),
	}
	c.BucketKey = bucket.KeyFor(c.Tags, b.rollups)
	return c
}

// BuildAll projects a slice of records, preserving input order.
func (b *Builder) BuildAll(recs []*models.ExtractionRecord) []*models.DocCard {
	cards := make([]*models.DocCard, 0, len(recs))
	for _, rec := range recs {
		cards = append(cards, b.Build(rec))
	}
	return cards
}

// triggerSummary prefers the distilled draft trigger over the raw
// what-triggered text.
func triggerSummary(tr models.Trigger) string {
	if tr.DraftTrigger != "" {
		return tr.DraftTrigger
	}
	return tr.WhatTriggered
}

// normalizeFacet normalizes one tag facet, dropping empty and "unknown"
// entries and keeping the first occurrence of each tag.
func normalizeFacet(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, raw := range tags {
		tag := parser.NormalizeTag(raw)
		if tag == "" || tag == bucket.UnknownFacet {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func head(items []string, n int) []string {
	if len(items) == 0 {
		return nil
	}
	if len(items) > n {
		items = items[:n]
	}
	return append([]string(nil), items...)
}

func artifactNames(artifacts []models.Artifact) []string {
	var out []string
	for _, a := range artifacts {
		if len(out) == maxArtifactNames {
			break
		}
		if a.Name == "" {
			continue
		}
		out = append(out, a.Name)
	}
	return out
}

func issueSummaries(issues []models.Issue) []string {
	var out []string
	for _, is := range issues {
		if len(out) == maxIssueSummaries {
			break
		}
		if is.Symptom == "" {
			continue
		}
		out = append(out, truncateRunes(is.Symptom, issueSummaryRunes))
	}
	return out
}

func hasReusableCode(blocks []models.CodeBlock) bool {
	for _, blk := range blocks {
		if blk.ReuseFlag {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
