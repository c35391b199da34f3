package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// testStore creates an artifact store over a temporary work directory.
func testStore(t *testing.T) (*Store, *config.Config, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "artifact_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	cfg := config.Default()
	cfg.Root = tmpDir
	if err := cfg.EnsureDirs(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	cleanup := func() { os.RemoveAll(tmpDir) }
	return NewStore(cfg), cfg, cleanup
}

func TestExtractionRoundTrip(t *testing.T) {
	store, _, cleanup := testStore(t)
	defer cleanup()

	rec := &models.ExtractionRecord{
		DocID:          "doc_1",
		SourcePath:     "corpus/doc_1.md",
		FormatDetected: models.FormatFull,
		Trigger: models.Trigger{
			WhatTriggered: "Fix the checkout timeout",
			Keywords:      []string{"checkout", "timeout"},
		},
		Tags: models.TagSet{
			Domains:  []string{"backend"},
			Patterns: []string{"bug-fix"},
		},
		ParseWarnings: []string{"workflow: no steps found"},
	}

	require.NoError(t, store.WriteExtraction(rec))

	got, err := store.ReadExtraction("doc_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, got)

	missing, err := store.ReadExtraction("doc_404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCardRoundTrip(t *testing.T) {
	store, _, cleanup := testStore(t)
	defer cleanup()

	card := &models.DocCard{
		DocID:          "doc_1",
		FormatDetected: models.FormatFull,
		Tags: models.CardTags{
			Domains:  []string{"backend"},
			Patterns: []string{"bug-fix"},
		},
		TriggerSummary: "Fix the checkout timeout",
		Keywords:       []string{"checkout", "timeout"},
		HasIssues:      true,
		BucketKey:      "backend::bug-fix",
	}

	require.NoError(t, store.WriteCard(card))

	got, err := store.ReadCard("doc_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, card, got)

	// The enriched copy lives in its own directory
	enriched := *card
	enriched.Tags.Domains = []string{"backend", "payments"}
	enriched.Enrichment = &models.EnrichmentNote{
		Enriched:          true,
		OriginalBucketKey: "backend::bug-fix",
	}
	require.NoError(t, store.WriteEnrichedCard(&enriched))

	gotEnriched, err := store.ReadEnrichedCard("doc_1")
	require.NoError(t, err)
	require.NotNil(t, gotEnriched)
	assert.Equal(t, &enriched, gotEnriched)

	// Plain copy is untouched
	gotPlain, err := store.ReadCard("doc_1")
	require.NoError(t, err)
	assert.Equal(t, card, gotPlain)

	missing, err := store.ReadEnrichedCard("doc_404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWriteStableSkipsIdenticalWrites(t *testing.T) {
	store, cfg, cleanup := testStore(t)
	defer cleanup()

	card := &models.DocCard{DocID: "doc_1", BucketKey: "backend::bug-fix"}
	require.NoError(t, store.WriteCard(card))

	path := filepath.Join(cfg.CardsDir(), "doc_1.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, byte('\n'), first[len(first)-1], "artifacts end with a newline")

	// Identical content must not touch the file
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, past, past))
	require.NoError(t, store.WriteCard(card))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "identical write must leave the file alone")

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Changed content rewrites
	edited := *card
	edited.WarningCount = 2
	require.NoError(t, store.WriteCard(&edited))

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.ModTime().Equal(past))
}

func TestBucketFilesAndPruning(t *testing.T) {
	store, cfg, cleanup := testStore(t)
	defer cleanup()

	buckets := []models.Bucket{
		{BucketKey: "api-development::bug-fix", MemberDocIDs: []string{"doc_1", "doc_2"}},
		{BucketKey: "unknown::unknown", MemberDocIDs: []string{"doc_3"}},
	}
	require.NoError(t, store.WriteBuckets(buckets))

	_, err := os.Stat(filepath.Join(cfg.BucketsDir(), "bucket_api-development--bug-fix.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.BucketsDir(), "bucket_unknown--unknown.json"))
	require.NoError(t, err)

	got, err := store.ReadBuckets()
	require.NoError(t, err)
	assert.Equal(t, buckets, got)

	// A bucket that vanishes takes its file with it
	require.NoError(t, store.WriteBuckets(buckets[:1]))

	_, err = os.Stat(filepath.Join(cfg.BucketsDir(), "bucket_unknown--unknown.json"))
	assert.True(t, os.IsNotExist(err))

	got, err = store.ReadBuckets()
	require.NoError(t, err)
	assert.Equal(t, buckets[:1], got)
}

func TestFinalClustersRoundTripAndPrune(t *testing.T) {
	store, _, cleanup := testStore(t)
	defer cleanup()

	clusters := []*models.Cluster{
		{
			ClusterID:    "api-development--bug-fix-c1",
			BucketKey:    "api-development::bug-fix",
			MemberDocIDs: []string{"doc_1", "doc_2"},
			Signature: models.ClusterSignature{
				Tags:           []string{"backend", "bug-fix"},
				TriggerPhrases: []string{"timeout"},
			},
			Confidence: 0.86,
			IsMerged:   true,
		},
		{
			ClusterID:    "frontend--feature-c1",
			BucketKey:    "frontend::feature",
			MemberDocIDs: []string{"doc_3"},
			Confidence:   0.5,
			Singleton:    true,
		},
	}
	require.NoError(t, store.WriteFinalClusters(clusters))

	got, err := store.ReadFinalClusters()
	require.NoError(t, err)
	assert.Equal(t, clusters, got)

	require.NoError(t, store.WriteFinalClusters(clusters[1:]))

	got, err = store.ReadFinalClusters()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "frontend--feature-c1", got[0].ClusterID)
}

func TestManifests(t *testing.T) {
	store, _, cleanup := testStore(t)
	defer cleanup()

	manifests := []*models.ClusterManifest{
		{
			ClusterID:       "api-development--bug-fix-c1",
			MemberDocIDs:    []string{"doc_1", "doc_2"},
			TopTags:         []string{"backend"},
			Representatives: []string{"doc_1"},
			Confidence:      0.86,
		},
		{
			ClusterID:       "frontend--feature-c1",
			MemberDocIDs:    []string{"doc_3"},
			Representatives: []string{"doc_3"},
			Confidence:      0.5,
		},
	}
	require.NoError(t, store.WriteManifests(manifests))

	got, err := store.ListManifests()
	require.NoError(t, err)
	assert.Equal(t, manifests, got)

	one, err := store.ReadManifest("frontend--feature-c1")
	require.NoError(t, err)
	assert.Equal(t, manifests[1], one)

	missing, err := store.ReadManifest("no-such-cluster")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.WriteManifests(manifests[:1]))

	got, err = store.ListManifests()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "api-development--bug-fix-c1", got[0].ClusterID)
}

func TestReports(t *testing.T) {
	store, cfg, cleanup := testStore(t)
	defer cleanup()

	none, err := store.ReadQualityReport()
	require.NoError(t, err)
	assert.Nil(t, none)

	summary := &models.RunSummary{
		RunID:     "run_1",
		StartedAt: "2026-08-20T10:00:00Z",
		Phases: []models.PhaseResult{
			{Name: models.PhaseScan, DurationMS: 12},
			{Name: models.PhaseParse, DurationMS: 480},
		},
		Totals: models.RunTotals{DocsScanned: 10, DocsParsed: 10},
	}
	require.NoError(t, store.WriteRunSummary(summary))

	gotSummary, err := store.ReadRunSummary()
	require.NoError(t, err)
	assert.Equal(t, summary, gotSummary)

	report := &models.QualityReport{
		Clusters: []models.ClusterGates{
			{
				ClusterID:             "api-development--bug-fix-c1",
				ActivationClarity:     true,
				ProgressiveDisclosure: true,
				NoGenericFiller:       true,
				RiskGuidance:          true,
				Traceability:          true,
			},
		},
		IdempotenceOK: true,
	}
	require.NoError(t, store.WriteQualityReport(report))

	gotReport, err := store.ReadQualityReport()
	require.NoError(t, err)
	assert.Equal(t, report, gotReport)

	require.NoError(t, store.WriteCorpusManifest([]models.CorpusEntry{
		{DocID: "doc_1", Path: "corpus/doc_1.md", ContentHash: "hash_a"},
	}))
	_, err = os.Stat(filepath.Join(cfg.ReportsDir(), "corpus_manifest.json"))
	require.NoError(t, err)
}
