//go:build fts5

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/Yehonatan-Bar/skill-mill/internal/artifact"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const alphaDoc = `# Retry storm on checkout
**Date**: 2025-07-14 | **Type**: bug-fix | **Domain**: api-development | **Complexity**: medium

## Trigger

> Checkout calls piled up after the payment gateway slowed down.

**Keywords**:
- retry storm
- checkout timeout

## Workflow

1. Traced the pileup to unbounded client retries
2. Added exponential backoff with a retry cap

## Issues

- Retry storm amplified the outage: capped retries with backoff -> alert on retry rate

## Tags

Languages: Go
Domains: api-development
Patterns: retry-logic
`

const betaDoc = `# Gateway latency triggers client retries
**Date**: 2025-07-15 | **Type**: bug-fix | **Domain**: api-development | **Complexity**: medium

## Trigger

> Order submissions retried in a tight loop while the gateway was degraded.

**Keywords**:
- retry storm
- gateway latency

## Workflow

1. Confirmed the client retried without jitter
2. Introduced jittered backoff shared with the checkout fix

## Tags

Languages: Go
Domains: api-development
Patterns: retry-logic
`

const gammaDoc = `# Widget filter panel renders blank
**Date**: 2025-07-16 | **Type**: bug-fix | **Domain**: frontend | **Complexity**: low

## Trigger

> The widget filter panel rendered blank after the toolkit upgrade.

**Keywords**:
- widget filter
- blank panel

## Workflow

1. Bisected the toolkit upgrade to the breaking prop rename
2. Renamed the filter props and added a render test

## Tags

Languages: TypeScript
Domains: frontend
Patterns: ui-component
`

func corpusDocs() map[string]string {
	return map[string]string{
		"alpha.md": alphaDoc,
		"beta.md":  betaDoc,
		"gamma.md": gammaDoc,
	}
}

type pipelineFixture struct {
	cfg       *config.Config
	artifacts *artifact.Store
	state     *gorm.StateStore
}

func newFixture(t *testing.T, docs map[string]string) *pipelineFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Workers = 2
	require.NoError(t, os.MkdirAll(cfg.CorpusPath(), 0o750))
	require.NoError(t, cfg.EnsureDirs())
	for name, content := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.CorpusPath(), name), []byte(content), 0o644))
	}

	store, err := gorm.NewStore(gorm.Config{Path: cfg.StateDBPath(), MaxConns: 2, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &pipelineFixture{
		cfg:       cfg,
		artifacts: artifact.NewStore(cfg),
		state:     gorm.NewStateStore(store),
	}
}

func (f *pipelineFixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(f.cfg, f.artifacts, f.state, opts...)
	require.NoError(t, err)
	return p
}

func (f *pipelineFixture) writeDoc(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.CorpusPath(), name), []byte(content), 0o644))
}

func (f *pipelineFixture) removeDoc(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(f.cfg.CorpusPath(), name)))
}

// docIDsByPath maps corpus paths to current doc ids via the change journal.
func (f *pipelineFixture) docIDsByPath(t *testing.T) map[string]string {
	t.Helper()
	records, err := f.state.ListActiveChangeRecords(context.Background())
	require.NoError(t, err)
	byPath := make(map[string]string, len(records))
	for _, r := range records {
		byPath[r.Path] = r.DocID
	}
	return byPath
}

type progressRecorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *progressRecorder) Broadcast(event interface{}) {
	evt, ok := event.(models.ProgressEvent)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *progressRecorder) Events() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProgressEvent(nil), r.events...)
}

// cancelOnPhase cancels the run context the moment the named phase
// starts, simulating an interruption mid-run.
type cancelOnPhase struct {
	phase  string
	cancel context.CancelFunc
}

func (c *cancelOnPhase) Broadcast(event interface{}) {
	evt, ok := event.(models.ProgressEvent)
	if ok && evt.Phase == c.phase && evt.Message == "started" {
		c.cancel()
	}
}

// unavailableOracle rejects every enrichment batch.
type unavailableOracle struct{}

func (unavailableOracle) Name() string { return "unavailable" }

func (unavailableOracle) Enrich(context.Context, []models.EnrichmentRequest) ([]models.EnrichmentResponse, error) {
	return nil, errors.New("oracle unavailable")
}

func TestPhaseNames(t *testing.T) {
	names := PhaseNames()
	require.Len(t, names, 10)
	assert.Equal(t, models.PhaseScan, names[0])
	assert.Equal(t, models.PhaseAudit, names[6])
	assert.Equal(t, models.PhaseSynthesize, names[9])
}

func TestPipeline_FullRun(t *testing.T) {
	f := newFixture(t, corpusDocs())
	rec := &progressRecorder{}
	p := f.pipeline(t, WithProgress(rec))

	summary, err := p.Run(context.Background(), Options{RunID: "run_full"})
	require.NoError(t, err)

	assert.Equal(t, "run_full", summary.RunID)
	assert.Empty(t, summary.Error)
	require.Len(t, summary.Phases, 10)
	for _, ph := range summary.Phases {
		assert.False(t, ph.Skipped, ph.Name)
		assert.Empty(t, ph.Error, ph.Name)
	}

	totals := summary.Totals
	assert.Equal(t, 3, totals.DocsScanned)
	assert.Equal(t, 0, totals.DocsExcluded)
	assert.Equal(t, 3, totals.DocsParsed)
	assert.Equal(t, 3, totals.CardsBuilt)
	assert.Equal(t, 2, totals.Buckets)
	assert.Equal(t, 2, totals.ClustersCreated)
	assert.Equal(t, 2, totals.Manifests)
	assert.Equal(t, 2, totals.BundlesWritten)
	assert.Equal(t, 2, totals.GatesPassed)
	assert.Equal(t, 0, totals.GatesFailed)

	// The two api reports share tags and trigger phrases, the frontend
	// report stands alone.
	final, err := f.artifacts.ReadFinalClusters()
	require.NoError(t, err)
	require.Len(t, final, 2)
	byKey := make(map[string]*models.Cluster, len(final))
	for _, c := range final {
		byKey[c.BucketKey] = c
	}
	require.Contains(t, byKey, "api-development::retry-logic")
	require.Contains(t, byKey, "frontend::ui-component")
	assert.Len(t, byKey["api-development::retry-logic"].MemberDocIDs, 2)
	assert.False(t, byKey["api-development::retry-logic"].Singleton)
	assert.True(t, byKey["frontend::ui-component"].Singleton)

	stored, err := f.state.ListClusters(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	report, err := f.artifacts.ReadQualityReport()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.IdempotenceOK)
	assert.Empty(t, report.SanityErrors)
	require.Len(t, report.Clusters, 2)
	for _, g := range report.Clusters {
		assert.True(t, g.Passed(), g.ClusterID)
		assert.NotEmpty(t, g.SkillName, g.ClusterID)
	}

	skills, err := os.ReadDir(f.cfg.SkillsDir())
	require.NoError(t, err)
	assert.Len(t, skills, 2)

	run, err := f.state.LatestRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "completed", run.Status)

	hits, err := f.state.SearchExtractions(context.Background(), "retry", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.NotEmpty(t, hits[0].ClusterID)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, models.PhaseScan, events[0].Phase)
	last := events[len(events)-1]
	assert.Equal(t, models.PhaseSynthesize, last.Phase)
	assert.Equal(t, "complete", last.Message)
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 10, last.Total)
}

const untaggedDoc = `# Nightly ledger export stalls
**Date**: 2025-07-17 | **Complexity**: low

## Trigger

> The nightly ledger export hung until the batch window closed.

**Keywords**:
- ledger export
- batch window

## Workflow

1. Found the export waiting on an unindexed reconciliation query
2. Added the covering index and a statement timeout
`

func TestPipeline_OracleFailureDegradesGracefully(t *testing.T) {
	f := newFixture(t, map[string]string{"ledger.md": untaggedDoc})
	p := f.pipeline(t, WithEnrichmentOracle(&unavailableOracle{}))

	summary, err := p.Run(context.Background(), Options{RunID: "run_degraded"})
	require.NoError(t, err)

	assert.Empty(t, summary.Error)
	require.Len(t, summary.Phases, 10)
	for _, ph := range summary.Phases {
		assert.False(t, ph.Skipped, ph.Name)
		assert.Empty(t, ph.Error, ph.Name)
	}

	totals := summary.Totals
	assert.Equal(t, 1, totals.DocsParsed)
	assert.Equal(t, 1, totals.CardsBuilt)
	assert.Equal(t, 0, totals.CardsEnriched)
	assert.GreaterOrEqual(t, totals.OracleFailures, 1)
	assert.Equal(t, 1, totals.Buckets)
	assert.Equal(t, 1, totals.ClustersCreated)
	assert.Equal(t, 1, totals.BundlesWritten)

	// The card keeps its empty tags and still lands in the unknown
	// bucket's cluster.
	final, err := f.artifacts.ReadFinalClusters()
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, "unknown::unknown", final[0].BucketKey)
	assert.Equal(t, "unknown--unknown-c1", final[0].ClusterID)
	assert.True(t, final[0].Singleton)

	docID := f.docIDsByPath(t)["corpus/ledger.md"]
	require.NotEmpty(t, docID)
	card, err := f.artifacts.ReadEnrichedCard(docID)
	require.NoError(t, err)
	assert.Empty(t, card.Tags.Domains)
	assert.Empty(t, card.Tags.Patterns)
	assert.Nil(t, card.Enrichment)
}

func TestPipeline_UnchangedCorpusShortCircuits(t *testing.T) {
	f := newFixture(t, corpusDocs())
	p := f.pipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, Options{RunID: "run_1"})
	require.NoError(t, err)

	summary, err := p.Run(ctx, Options{RunID: "run_2"})
	require.NoError(t, err)

	require.Len(t, summary.Phases, 10)
	assert.False(t, summary.Phases[0].Skipped)
	for _, ph := range summary.Phases[1:] {
		assert.True(t, ph.Skipped, ph.Name)
	}
	assert.Equal(t, 3, summary.Totals.DocsScanned)
	assert.Equal(t, 3, summary.Totals.DocsUnchanged)
	assert.Equal(t, 0, summary.Totals.DocsParsed)

	run, err := f.state.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "completed", run.Status)
}

func TestPipeline_EditedDocumentReprocessed(t *testing.T) {
	f := newFixture(t, corpusDocs())
	ctx := context.Background()

	_, err := f.pipeline(t).Run(ctx, Options{RunID: "run_1"})
	require.NoError(t, err)

	before := f.docIDsByPath(t)
	oldBeta := before["corpus/beta.md"]
	require.NotEmpty(t, oldBeta)

	gammaClusterPath := filepath.Join(f.cfg.ClustersFinalDir(), "frontend--ui-component-c1.json")
	gammaBefore, err := os.ReadFile(gammaClusterPath)
	require.NoError(t, err)

	f.writeDoc(t, "beta.md", betaDoc+"\nFollowup: rollout finished without a recurrence.\n")
	summary, err := f.pipeline(t).Run(ctx, Options{RunID: "run_2"})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Totals.DocsScanned)
	assert.Equal(t, 2, summary.Totals.DocsUnchanged)
	assert.Equal(t, 1, summary.Totals.DocsParsed)
	assert.Equal(t, 1, summary.Totals.DirtyClusters)

	// The edit minted a new doc id; the old identity is retired and its
	// artifacts pruned.
	after := f.docIDsByPath(t)
	newBeta := after["corpus/beta.md"]
	require.NotEmpty(t, newBeta)
	assert.NotEqual(t, oldBeta, newBeta)
	assert.False(t, f.artifacts.HasExtraction(oldBeta))
	assert.True(t, f.artifacts.HasExtraction(newBeta))

	final, err := f.artifacts.ReadFinalClusters()
	require.NoError(t, err)
	require.Len(t, final, 2)
	for _, c := range final {
		if c.BucketKey == "api-development::retry-logic" {
			assert.Len(t, c.MemberDocIDs, 2)
			assert.Contains(t, c.MemberDocIDs, newBeta)
		}
	}

	// The untouched singleton recomputed to the same bytes.
	gammaAfter, err := os.ReadFile(gammaClusterPath)
	require.NoError(t, err)
	assert.Equal(t, string(gammaBefore), string(gammaAfter))

	report, err := f.artifacts.ReadQualityReport()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.IdempotenceOK)
}

func TestPipeline_RemovedDocumentRetired(t *testing.T) {
	f := newFixture(t, corpusDocs())
	ctx := context.Background()

	_, err := f.pipeline(t).Run(ctx, Options{RunID: "run_1"})
	require.NoError(t, err)

	gammaID := f.docIDsByPath(t)["corpus/gamma.md"]
	require.NotEmpty(t, gammaID)

	f.removeDoc(t, "gamma.md")
	summary, err := f.pipeline(t).Run(ctx, Options{RunID: "run_2"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Totals.DocsScanned)
	assert.Equal(t, 2, summary.Totals.DocsUnchanged)
	assert.Equal(t, 0, summary.Totals.DocsParsed)
	assert.Equal(t, 1, summary.Totals.DirtyClusters)

	stored, err := f.state.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "api-development::retry-logic", stored[0].BucketKey)

	// Artifacts, search rows, and the skill folder follow the document out.
	assert.False(t, f.artifacts.HasExtraction(gammaID))
	hits, err := f.state.SearchExtractions(ctx, "widget", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	skills, err := os.ReadDir(f.cfg.SkillsDir())
	require.NoError(t, err)
	assert.Len(t, skills, 1)
}

func TestPipeline_SkipSynthesis(t *testing.T) {
	f := newFixture(t, corpusDocs())
	ctx := context.Background()

	summary, err := f.pipeline(t).Run(ctx, Options{RunID: "run_skip", SkipSynthesis: true})
	require.NoError(t, err)

	require.Len(t, summary.Phases, 10)
	for _, ph := range summary.Phases[:9] {
		assert.False(t, ph.Skipped, ph.Name)
	}
	assert.True(t, summary.Phases[9].Skipped)
	assert.Equal(t, 0, summary.Totals.BundlesWritten)

	skills, err := os.ReadDir(f.cfg.SkillsDir())
	require.NoError(t, err)
	assert.Empty(t, skills)

	// Clusters are finalized and gated even without bundles.
	stored, err := f.state.ListClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	report, err := f.artifacts.ReadQualityReport()
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Clusters, 2)
	assert.Equal(t, 2, summary.Totals.GatesPassed)

	// A later full run over the untouched corpus still owes the
	// synthesis phase, so it must not stop after scan.
	second, err := f.pipeline(t).Run(ctx, Options{RunID: "run_finish"})
	require.NoError(t, err)
	assert.Equal(t, 3, second.Totals.DocsUnchanged)
	assert.Equal(t, 0, second.Totals.DocsParsed)
	assert.False(t, second.Phases[9].Skipped)
	assert.Equal(t, 2, second.Totals.BundlesWritten)

	skills, err = os.ReadDir(f.cfg.SkillsDir())
	require.NoError(t, err)
	assert.Len(t, skills, 2)

	// With synthesis now journaled for this corpus state, the next
	// run short-circuits.
	third, err := f.pipeline(t).Run(ctx, Options{RunID: "run_idle"})
	require.NoError(t, err)
	for _, ph := range third.Phases[1:] {
		assert.True(t, ph.Skipped, ph.Name)
	}
}

func TestPipeline_ResumeAfterFailedRun(t *testing.T) {
	f := newFixture(t, corpusDocs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancelOnPhase{phase: models.PhaseSynthesize, cancel: cancel}
	summary1, err := f.pipeline(t, WithProgress(sink)).Run(ctx, Options{RunID: "run_broken"})
	require.Error(t, err)
	require.NotNil(t, summary1)
	assert.NotEmpty(t, summary1.Error)

	run1, err := f.state.LatestRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run1)
	assert.Equal(t, "failed", run1.Status)

	// Resume restores the checkpointed phases and finishes the rest.
	summary2, err := f.pipeline(t).Run(context.Background(), Options{RunID: "run_resumed", Resume: true})
	require.NoError(t, err)
	require.Len(t, summary2.Phases, 10)
	assert.False(t, summary2.Phases[0].Skipped)
	for _, ph := range summary2.Phases[1:9] {
		assert.True(t, ph.Skipped, ph.Name)
	}
	assert.False(t, summary2.Phases[9].Skipped)
	assert.Equal(t, 2, summary2.Totals.BundlesWritten)
	assert.Equal(t, 2, summary2.Totals.GatesPassed)

	skills, err := os.ReadDir(f.cfg.SkillsDir())
	require.NoError(t, err)
	assert.Len(t, skills, 2)

	// The resumed run committed everything; the corpus now reads as
	// unchanged.
	summary3, err := f.pipeline(t).Run(context.Background(), Options{RunID: "run_after"})
	require.NoError(t, err)
	assert.Equal(t, 3, summary3.Totals.DocsUnchanged)
	for _, ph := range summary3.Phases[1:] {
		assert.True(t, ph.Skipped, ph.Name)
	}
}
