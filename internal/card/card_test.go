package card

import (
	"fmt"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

func newTestBuilder() *Builder {
	return NewBuilder(bucket.NewRollups(config.DefaultDomainRollups()))
}

func sampleRecord() *models.ExtractionRecord {
	return &models.ExtractionRecord{
		DocID:          "report_90015098",
		SourcePath:     "corpus/report.md",
		FormatDetected: models.FormatFull,
		Trigger: models.Trigger{
			WhatTriggered: "Customers reported duplicate invoices after the nightly sync.",
			Keywords:      []string{"billing", "duplicate-invoice", "idempotency"},
		},
		Workflow: models.Workflow{
			HighLevelSteps: []string{
				"Reproduce the duplicate insert locally",
				"Add an idempotency key to the sync upsert",
				"Backfill and dedupe existing rows",
			},
		},
		CodeBlocks: []models.CodeBlock{
			{Language: "python", Code: "def upsert(): ...", ReuseFlag: true},
			{Language: "sql", Code: "DELETE FROM dupes"},
		},
		Artifacts: []models.Artifact{
			{Name: "billing/sync.py", Kind: "modified"},
			{Name: "scripts/dedupe_invoices.sql", Kind: "new", TemplatePotential: true},
		},
		Issues: []models.Issue{
			{Symptom: "Nightly sync inserted the same invoice twice", Cause: "no unique constraint"},
		},
		Assessment: models.SkillAssessment{
			Scores: models.ScoreSet{
				Frequency: 4, Consistency: 5, Complexity: 3, Codifiability: 4, Toolability: 3,
			},
			Total:    19,
			Priority: "high",
		},
		Tags: models.TagSet{
			Languages:  []string{"python", "sql"},
			Frameworks: []string{"django"},
			Tools:      []string{"pytest"},
			Domains:    []string{"backend", "billing"},
			Patterns:   []string{"bug-fix", "data-validation"},
			Risk:       "low",
		},
	}
}

func TestBuildProjection(t *testing.T) {
	c := newTestBuilder().Build(sampleRecord())

	assert.Equal(t, &models.DocCard{
		DocID:          "report_90015098",
		FormatDetected: models.FormatFull,
		Scores: models.CardScores{
			Total: 19, Frequency: 4, Consistency: 5, Complexity: 3,
			Codifiability: 4, Toolability: 3, Priority: "high",
		},
		Tags: models.CardTags{
			Domains:    []string{"backend", "billing"},
			Patterns:   []string{"bug-fix", "data-validation"},
			Frameworks: []string{"django"},
			Languages:  []string{"python", "sql"},
			Tools:      []string{"pytest"},
			Risk:       "low",
		},
		TriggerSummary: "Customers reported duplicate invoices after the nightly sync.",
		Keywords:       []string{"billing", "duplicate-invoice", "idempotency"},
		TopSteps: []string{
			"Reproduce the duplicate insert locally",
			"Add an idempotency key to the sync upsert",
			"Backfill and dedupe existing rows",
		},
		ArtifactNames:   []string{"billing/sync.py", "scripts/dedupe_invoices.sql"},
		IssueSummaries:  []string{"Nightly sync inserted the same invoice twice"},
		HasReusableCode: true,
		HasIssues:       true,
		HasArtifacts:    true,
		BucketKey:       "api-development::bug-fix",
	}, c)
}

func TestBuildIdempotent(t *testing.T) {
	b := newTestBuilder()
	rec := sampleRecord()

	first, err := json.Marshal(b.Build(rec))
	require.NoError(t, err)
	second, err := json.Marshal(b.Build(rec))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildCaps(t *testing.T) {
	rec := &models.ExtractionRecord{DocID: "doc_x"}
	for i := 0; i < 12; i++ {
		rec.Trigger.Keywords = append(rec.Trigger.Keywords, fmt.Sprintf("kw-%02d", i))
		rec.Workflow.HighLevelSteps = append(rec.Workflow.HighLevelSteps, fmt.Sprintf("step %d", i))
		rec.Artifacts = append(rec.Artifacts, models.Artifact{Name: fmt.Sprintf("file%d.py", i)})
		rec.Issues = append(rec.Issues, models.Issue{Symptom: fmt.Sprintf("issue %d", i)})
	}

	c := newTestBuilder().Build(rec)

	assert.Len(t, c.Keywords, maxKeywords)
	assert.Len(t, c.TopSteps, maxTopSteps)
	assert.Len(t, c.ArtifactNames, maxArtifactNames)
	assert.Len(t, c.IssueSummaries, maxIssueSummaries)
	assert.Equal(t, "kw-00", c.Keywords[0])
	assert.Equal(t, "step 0", c.TopSteps[0])
}

func TestBuildTruncatesIssueSummaries(t *testing.T) {
	long := strings.Repeat("x", 200)
	multibyte := strings.Repeat("é", 120)
	rec := &models.ExtractionRecord{
		DocID:  "doc_y",
		Issues: []models.Issue{{Symptom: long}, {Symptom: multibyte}},
	}

	c := newTestBuilder().Build(rec)

	require.Len(t, c.IssueSummaries, 2)
	assert.Equal(t, strings.Repeat("x", 80), c.IssueSummaries[0])
	assert.Equal(t, strings.Repeat("é", 80), c.IssueSummaries[1])
}

func TestBuildNormalizesTags(t *testing.T) {
	rec := &models.ExtractionRecord{
		DocID: "doc_z",
		Tags: models.TagSet{
			Domains:  []string{"Data Analysis", "unknown", "data-analysis", ""},
			Patterns: []string{"Bug Fix", "bug-fix"},
		},
	}

	c := newTestBuilder().Build(rec)

	assert.Equal(t, []string{"data-analysis"}, c.Tags.Domains)
	assert.Equal(t, []string{"bug-fix"}, c.Tags.Patterns)
	assert.Equal(t, "data-analysis::bug-fix", c.BucketKey)
}

func TestBuildUnknownBucket(t *testing.T) {
	tests := []struct {
		name string
		tags models.TagSet
		want string
	}{
		{"no tags at all", models.TagSet{}, bucket.UnknownKey},
		{"only unknown entries", models.TagSet{Domains: []string{"unknown"}, Patterns: []string{"unknown"}}, bucket.UnknownKey},
		{"domain only", models.TagSet{Domains: []string{"testing"}}, "testing::unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestBuilder().Build(&models.ExtractionRecord{DocID: "d", Tags: tt.tags})
			assert.Equal(t, tt.want, c.BucketKey)
		})
	}
}

func TestTriggerSummaryPrefersDraft(t *testing.T) {
	rec := sampleRecord()
	rec.Trigger.DraftTrigger = "Fix duplicate rows produced by a non-idempotent sync job"

	c := newTestBuilder().Build(rec)

	assert.Equal(t, "Fix duplicate rows produced by a non-idempotent sync job", c.TriggerSummary)
}

func TestBuildSkipsEmptyNamesAndSymptoms(t *testing.T) {
	rec := &models.ExtractionRecord{
		DocID:     "doc_w",
		Artifacts: []models.Artifact{{Name: ""}, {Name: "kept.py"}},
		Issues:    []models.Issue{{Symptom: ""}, {Symptom: "kept"}},
	}

	c := newTestBuilder().Build(rec)

	assert.Equal(t, []string{"kept.py"}, c.ArtifactNames)
	assert.Equal(t, []string{"kept"}, c.IssueSummaries)
	assert.True(t, c.HasArtifacts)
	assert.True(t, c.HasIssues)
}

func TestBuildWarningCount(t *testing.T) {
	rec := &models.ExtractionRecord{
		DocID:         "doc_v",
		ParseWarnings: []string{"Missing: metadata.date", "Missing: tags.languages"},
	}

	c := newTestBuilder().Build(rec)

	assert.Equal(t, 2, c.WarningCount)
}

func TestBuildAllPreservesOrder(t *testing.T) {
	b := newTestBuilder()
	recs := []*models.ExtractionRecord{
		{DocID: "doc_b"}, {DocID: "doc_a"}, {DocID: "doc_c"},
	}

	cards := b.BuildAll(recs)

	require.Len(t, cards, 3)
	assert.Equal(t, "doc_b", cards[0].DocID)
	assert.Equal(t, "doc_a", cards[1].DocID)
	assert.Equal(t, "doc_c", cards[2].DocID)
}
