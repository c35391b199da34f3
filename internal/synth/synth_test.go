package synth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

type failingSynthOracle struct {
	calls int
}

func (o *failingSynthOracle) Name() string { return "failing" }

func (o *failingSynthOracle) Synthesize(context.Context, *models.ClusterManifest, []*models.ExtractionRecord) (*models.SkillBundle, error) {
	o.calls++
	return nil, errors.New("oracle unavailable")
}

type flakyOracle struct {
	deny  int
	calls int
}

func (o *flakyOracle) Name() string { return "flaky" }

func (o *flakyOracle) Synthesize(ctx context.Context, m *models.ClusterManifest, records []*models.ExtractionRecord) (*models.SkillBundle, error) {
	o.calls++
	if o.calls <= o.deny {
		return nil, errors.New("oracle unavailable")
	}
	return TemplateOracle{}.Synthesize(ctx, m, records)
}

type fixedBundleOracle struct {
	bundle models.SkillBundle
}

func (o *fixedBundleOracle) Name() string { return "fixed" }

func (o *fixedBundleOracle) Synthesize(context.Context, *models.ClusterManifest, []*models.ExtractionRecord) (*models.SkillBundle, error) {
	b := o.bundle
	return &b, nil
}

func testSynthConfig() config.Synthesis {
	return config.Synthesis{
		Enabled:       true,
		TimeoutSecs:   1,
		MaxRetries:    3,
		BackoffBaseMS: 1,
		BackoffMaxMS:  5,
	}
}

func testManifest(id string, reps ...string) *models.ClusterManifest {
	return &models.ClusterManifest{
		ClusterID:       id,
		MemberDocIDs:    reps,
		TopTags:         []string{"backend", "bug-fix"},
		TopPhrases:      []string{"checkout timeout"},
		Representatives: reps,
		Confidence:      0.8,
	}
}

func testRecord(docID string) *models.ExtractionRecord {
	return &models.ExtractionRecord{
		DocID:      docID,
		SourcePath: "corpus/" + docID + ".md",
		Metadata:   models.Metadata{TaskType: "bug-fix"},
		Trigger: models.Trigger{
			WhatTriggered: "Checkout requests timed out under load",
			Keywords:      []string{"checkout", "timeout"},
		},
		Context: models.ContextInputs{
			ProblemStatement: "Checkout requests exceeded the gateway timeout during peak traffic.",
			Objective:        "Restore p99 checkout latency below two seconds.",
		},
		Workflow: models.Workflow{
			HighLevelSteps: []string{
				"Reproduce the timeout with the load script",
				"Inspect connection pool metrics",
				"Raise the pool ceiling and redeploy",
			},
		},
		Issues: []models.Issue{{
			Symptom:    "Pool exhaustion under concurrent checkouts.",
			Fix:        "Raise max_connections and add jittered retries.",
			Prevention: "Alert on pool saturation above 80 percent.",
		}},
		Verification: models.Verification{
			Checks: []models.VerificationCheck{{Test: "Load test holds p99 under two seconds", Result: "pass"}},
		},
		Tags: models.TagSet{Domains: []string{"backend"}, Risk: "high"},
	}
}

func loaderFor(records map[string]*models.ExtractionRecord) RecordLoader {
	return func(docID string) (*models.ExtractionRecord, error) {
		return records[docID], nil
	}
}

func TestTemplateOracle_Deterministic(t *testing.T) {
	m := testManifest("api-development--bug-fix-c1", "doc_1", "doc_2")
	records := []*models.ExtractionRecord{testRecord("doc_1"), testRecord("doc_2")}

	first, err := TemplateOracle{}.Synthesize(context.Background(), m, records)
	require.NoError(t, err)
	second, err := TemplateOracle{}.Synthesize(context.Background(), m, records)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "api-development-bug-fix-c1", first.SkillName)
	assert.Contains(t, first.Description, "checkout timeout")
	assert.GreaterOrEqual(t, len([]rune(first.Description)), 20)
	assert.Equal(t, []string{"doc_1", "doc_2"}, first.Traceability.SourceDocIDs)
	assert.Contains(t, first.ReferencesFiles, "references/source_reports.md")
}

func TestTemplateOracle_SkillMDLayout(t *testing.T) {
	m := testManifest("api-development--bug-fix-c1", "doc_1")
	bundle, err := TemplateOracle{}.Synthesize(context.Background(), m, []*models.ExtractionRecord{testRecord("doc_1")})
	require.NoError(t, err)

	md := bundle.SkillMD
	assert.True(t, len(md) < 10*1024, "SKILL.md must stay lean")
	assert.Contains(t, md, "---\nname: api-development-bug-fix-c1\n")
	assert.Contains(t, md, "# Backend bug-fix\n")
	assert.Contains(t, md, "## Triggers\n- \"checkout timeout\"\n")
	assert.Contains(t, md, "## Workflow\n1. Reproduce the timeout with the load script\n")
	assert.Contains(t, md, "## Common issues\n- Pool exhaustion under concurrent checkouts. Fix: Raise max_connections and add jittered retries.\n")
	assert.Contains(t, md, "## Verification\n- [ ] Load test holds p99 under two seconds\n")
	assert.Contains(t, md, "[source_reports.md](references/source_reports.md)")
}

func TestTemplateOracle_HighRiskGetsWarnings(t *testing.T) {
	rec := testRecord("doc_1")
	rec.Issues = nil
	m := testManifest("ops--migration-c1", "doc_1")

	bundle, err := TemplateOracle{}.Synthesize(context.Background(), m, []*models.ExtractionRecord{rec})
	require.NoError(t, err)
	assert.Contains(t, bundle.SkillMD, "## Warnings")

	rec.Tags.Risk = "low"
	bundle, err = TemplateOracle{}.Synthesize(context.Background(), m, []*models.ExtractionRecord{rec})
	require.NoError(t, err)
	assert.NotContains(t, bundle.SkillMD, "## Warnings")
}

func TestSanitizeSkillName(t *testing.T) {
	cases := map[string]string{
		"api-development--bug-fix-c1": "api-development-bug-fix-c1",
		"API Development // Bug Fix!": "api-development-bug-fix",
		"  Frontend_):  ":             "frontend",
		"---":                         "",
		"":                            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeSkillName(in), "input %q", in)
	}
}

func TestSynthesizer_WritesSkillFolder(t *testing.T) {
	dir := t.TempDir()
	s := New(TemplateOracle{}, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}

	bundles, stats, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err)
	require.Contains(t, bundles, "api-development--bug-fix-c1")

	assert.Equal(t, 1, stats.Clusters)
	assert.Equal(t, 1, stats.OracleCalls)
	assert.Equal(t, 1, stats.BundlesWritten)
	assert.Zero(t, stats.Failures)

	skillDir := filepath.Join(dir, "api-development-bug-fix-c1")
	md, err := os.ReadFile(filepath.Join(skillDir, "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, bundles["api-development--bug-fix-c1"].SkillMD, string(md))

	_, err = os.Stat(filepath.Join(skillDir, "references", "source_reports.md"))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(skillDir, "traceability.json"))
	require.NoError(t, err)
	var trace models.Traceability
	require.NoError(t, json.Unmarshal(raw, &trace))
	assert.Equal(t, []string{"doc_1"}, trace.SourceDocIDs)
}

func TestSynthesizer_OracleFailureLeavesClusterWithoutBundle(t *testing.T) {
	dir := t.TempDir()
	oracle := &failingSynthOracle{}
	s := New(oracle, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}

	bundles, stats, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err, "oracle failure must not fail the pass")
	assert.Empty(t, bundles)
	assert.Equal(t, 3, oracle.calls, "every retry should be spent")
	assert.Equal(t, 1, stats.Failures)
	assert.Zero(t, stats.BundlesWritten)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no skill folder without a bundle")
}

func TestSynthesizer_RetriesUntilSuccess(t *testing.T) {
	dir := t.TempDir()
	oracle := &flakyOracle{deny: 2}
	s := New(oracle, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}

	bundles, stats, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err)
	assert.Len(t, bundles, 1)
	assert.Equal(t, 3, oracle.calls)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, 1, stats.BundlesWritten)
}

func TestSynthesizer_SkipsClusterWithoutRecords(t *testing.T) {
	oracle := &failingSynthOracle{}
	s := New(oracle, testSynthConfig(), t.TempDir())

	bundles, stats, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_gone")}, loaderFor(nil))
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.OracleCalls)
	assert.Zero(t, oracle.calls)
}

func TestSynthesizer_MaxClustersCap(t *testing.T) {
	cfg := testSynthConfig()
	cfg.MaxClusters = 2
	s := New(TemplateOracle{}, cfg, t.TempDir())

	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}
	manifests := []*models.ClusterManifest{
		testManifest("frontend--feature-c1", "doc_1"),
		testManifest("api-development--bug-fix-c1", "doc_1"),
		testManifest("backend--refactor-c1", "doc_1"),
	}

	bundles, stats, err := s.Run(context.Background(), manifests, loaderFor(records))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Clusters)
	assert.Contains(t, bundles, "api-development--bug-fix-c1")
	assert.Contains(t, bundles, "backend--refactor-c1")
	assert.NotContains(t, bundles, "frontend--feature-c1")
}

func TestSynthesizer_Disabled(t *testing.T) {
	cfg := testSynthConfig()
	cfg.Enabled = false
	oracle := &failingSynthOracle{}
	s := New(oracle, cfg, t.TempDir())

	bundles, stats, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(nil))
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.Equal(t, Stats{}, stats)
	assert.Zero(t, oracle.calls)
}

func TestSynthesizer_SkillNameCollision(t *testing.T) {
	dir := t.TempDir()
	oracle := &fixedBundleOracle{bundle: models.SkillBundle{
		SkillName:   "shared-skill",
		Description: "Use when two clusters insist on the same skill name.",
		SkillMD:     "# Shared skill\n",
	}}
	s := New(oracle, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}
	manifests := []*models.ClusterManifest{
		testManifest("api-development--bug-fix-c1", "doc_1"),
		testManifest("backend--refactor-c1", "doc_1"),
	}

	bundles, stats, err := s.Run(context.Background(), manifests, loaderFor(records))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.BundlesWritten)
	assert.Equal(t, "shared-skill", bundles["api-development--bug-fix-c1"].SkillName)
	assert.Equal(t, "shared-skill-2", bundles["backend--refactor-c1"].SkillName)

	_, err = os.Stat(filepath.Join(dir, "shared-skill", "SKILL.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "shared-skill-2", "SKILL.md"))
	require.NoError(t, err)
}

func TestSynthesizer_DropsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	oracle := &fixedBundleOracle{bundle: models.SkillBundle{
		SkillName:   "escape-artist",
		Description: "Use when an oracle response tries to write outside its folder.",
		SkillMD:     "# Escape artist\n",
		ReferencesFiles: map[string]string{
			"references/ok.md": "kept\n",
			"../outside.md":    "dropped\n",
		},
	}}
	s := New(oracle, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}

	_, _, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "escape-artist", "references", "ok.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "outside.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestSynthesizer_ReplacesStaleSkillFolder(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "api-development-bug-fix-c1", "references", "stale.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0o644))

	s := New(TemplateOracle{}, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}
	_, _, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale files must not survive resynthesis")
	_, err = os.Stat(filepath.Join(dir, "api-development-bug-fix-c1", "SKILL.md"))
	require.NoError(t, err)
}

func TestSynthesizer_PrunesFoldersOfGoneClusters(t *testing.T) {
	dir := t.TempDir()
	gone := filepath.Join(dir, "retired-skill")
	require.NoError(t, os.MkdirAll(gone, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gone, "SKILL.md"), []byte("# Old\n"), 0o644))

	s := New(TemplateOracle{}, testSynthConfig(), dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}
	_, _, err := s.Run(context.Background(), []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(records))
	require.NoError(t, err)

	_, err = os.Stat(gone)
	assert.True(t, os.IsNotExist(err), "folders of clusters that no longer exist must be pruned")
	_, err = os.Stat(filepath.Join(dir, "api-development-bug-fix-c1", "SKILL.md"))
	require.NoError(t, err)
}

func TestSynthesizer_CappedPassDoesNotPrune(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "unvisited-skill")
	require.NoError(t, os.MkdirAll(kept, 0o755))

	cfg := testSynthConfig()
	cfg.MaxClusters = 1
	s := New(TemplateOracle{}, cfg, dir)
	records := map[string]*models.ExtractionRecord{"doc_1": testRecord("doc_1")}
	manifests := []*models.ClusterManifest{
		testManifest("api-development--bug-fix-c1", "doc_1"),
		testManifest("frontend--feature-c1", "doc_1"),
	}
	_, _, err := s.Run(context.Background(), manifests, loaderFor(records))
	require.NoError(t, err)

	_, err = os.Stat(kept)
	assert.NoError(t, err, "a capped pass must not prune folders it never visited")
}

func TestSynthesizer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(TemplateOracle{}, testSynthConfig(), t.TempDir())
	_, _, err := s.Run(ctx, []*models.ClusterManifest{testManifest("api-development--bug-fix-c1", "doc_1")}, loaderFor(nil))
	assert.ErrorIs(t, err, context.Canceled)
}
