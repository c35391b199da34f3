// Package models contains domain models for skill-mill.
package models

// CardScores is the compact score projection carried on a doc card.
type CardScores struct {
	Total         int    `json:"total,omitempty"`
	Frequency     int    `json:"frequency,omitempty"`
	Consistency   int    `json:"consistency,omitempty"`
	Complexity    int    `json:"complexity,omitempty"`
	Codifiability int    `json:"codifiability,omitempty"`
	Toolability   int    `json:"toolability,omitempty"`
	Priority      string `json:"priority,omitempty"`
}

// CardTags holds the normalized tag facets used for bucketing and clustering.
type CardTags struct {
	Domains    []string `json:"domains,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Risk       string   `json:"risk,omitempty"`
}

// All returns every tag across facets as one flat list, facet order fixed.
func (t CardTags) All() []string {
	out := make([]string, 0, len(t.Domains)+len(t.Patterns)+len(t.Frameworks)+len(t.Languages)+len(t.Tools))
	out = append(out, t.Domains...)
	out = append(out, t.Patterns...)
	out = append(out, t.Frameworks...)
	out = append(out, t.Languages...)
	out = append(out, t.Tools...)
	return out
}

// EnrichmentNote records that the oracle changed a card's tags.
type EnrichmentNote struct {
	Enriched          bool    `json:"enriched"`
	OriginalBucketKey string  `json:"original_bucket_key,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// DocCard is the disposable summary used for all clustering decisions.
// It is a pure projection of its ExtractionRecord: rebuilding the card
// from the same record yields byte-identical output.
type DocCard struct {
	DocID           string          `json:"doc_id"`
	FormatDetected  Format          `json:"format_detected"`
	Scores          CardScores      `json:"scores"`
	Tags            CardTags        `json:"tags"`
	TriggerSummary  string          `json:"trigger_summary,omitempty"`
	Keywords        []string        `json:"keywords,omitempty"`
	TopSteps        []string        `json:"top_workflow_steps,omitempty"`
	ArtifactNames   []string        `json:"artifact_names,omitempty"`
	IssueSummaries  []string        `json:"issue_summaries,omitempty"`
	HasReusableCode bool            `json:"has_reusable_code"`
	HasIssues       bool            `json:"has_issues"`
	HasArtifacts    bool            `json:"has_artifacts"`
	WarningCount    int             `json:"warning_count"`
	BucketKey       string          `json:"bucket_key"`
	Enrichment      *EnrichmentNote `json:"_enrichment,omitempty"`
}

// Bucket is a coarse deterministic partition of doc cards by bucket key.
type Bucket struct {
	BucketKey    string   `json:"bucket_key"`
	MemberDocIDs []string `json:"member_doc_ids"`
}
