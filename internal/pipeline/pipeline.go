// Package pipeline orchestrates a full extraction and clustering run
// over the corpus: scan, parse, card, enrich, bucket, cluster, audit,
// representatives, quality, synthesize. Each phase checkpoints when it
// completes so an interrupted run can resume, and documents whose
// content hash is unchanged never re-enter the deterministic path.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Yehonatan-Bar/skill-mill/internal/artifact"
	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/card"
	"github.com/Yehonatan-Bar/skill-mill/internal/cluster"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/internal/enrich"
	"github.com/Yehonatan-Bar/skill-mill/internal/graph"
	"github.com/Yehonatan-Bar/skill-mill/internal/metrics"
	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/internal/quality"
	"github.com/Yehonatan-Bar/skill-mill/internal/synth"
	"github.com/Yehonatan-Bar/skill-mill/internal/tracker"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// enrichCacheTTL bounds how long cached oracle responses stay valid.
const enrichCacheTTL = 24 * time.Hour

// idempotenceSample is how many unchanged documents the quality phase
// rebuilds to verify card building stayed byte-stable.
const idempotenceSample = 5

// Progress receives run progress events. The audit server's SSE
// broadcaster satisfies it; a nil sink drops events.
type Progress interface {
	Broadcast(event interface{})
}

// Options control a single run.
type Options struct {
	// RunID overrides the generated run id.
	RunID string
	// Resume skips phases already checkpointed for the same corpus state.
	Resume bool
	// SkipSynthesis stops the run after the quality phase.
	SkipSynthesis bool
}

// Pipeline executes runs over shared stores. One Pipeline serves many
// sequential runs; Run must not be called concurrently.
type Pipeline struct {
	cfg       *config.Config
	artifacts *artifact.Store
	state     *gorm.StateStore
	tracker   *tracker.Tracker
	builder   *card.Builder
	clusterer *cluster.Clusterer
	auditor   *cluster.Auditor
	enricher  *enrich.Adapter
	synth     *synth.Synthesizer
	exporter  *graph.Exporter
	progress  Progress

	enrichOracle enrich.Oracle
	synthOracle  synth.Oracle
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProgress attaches a progress event sink.
func WithProgress(p Progress) Option {
	return func(pl *Pipeline) { pl.progress = p }
}

// WithEnrichmentOracle replaces the default heuristic enrichment oracle.
func WithEnrichmentOracle(o enrich.Oracle) Option {
	return func(pl *Pipeline) { pl.enrichOracle = o }
}

// WithSynthesisOracle replaces the default template synthesis oracle.
func WithSynthesisOracle(o synth.Oracle) Option {
	return func(pl *Pipeline) { pl.synthOracle = o }
}

// New wires a pipeline over the given configuration and stores.
func New(cfg *config.Config, artifacts *artifact.Store, state *gorm.StateStore, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		artifacts: artifacts,
		state:     state,
		tracker:   tracker.New(state),
		builder:   card.NewBuilder(bucket.NewRollups(cfg.DomainRollups)),
		clusterer: cluster.NewClusterer(cfg.Clustering),
		auditor:   cluster.NewAuditor(cfg.Clustering),
		exporter:  graph.NewExporter(cfg.GraphAddr),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.enrichOracle == nil {
		p.enrichOracle = enrich.NewHeuristicOracle(cfg.DomainVocabulary, cfg.PatternVocabulary)
	}
	var enrichOpts []enrich.Option
	if cfg.RedisAddr != "" {
		enrichOpts = append(enrichOpts, enrich.WithCache(enrich.NewRedisCache(cfg.RedisAddr, enrichCacheTTL)))
	}
	adapter, err := enrich.NewAdapter(p.enrichOracle, cfg, enrichOpts...)
	if err != nil {
		return nil, fmt.Errorf("enrichment adapter: %w", err)
	}
	p.enricher = adapter

	if p.synthOracle == nil {
		p.synthOracle = synth.TemplateOracle{}
	}
	p.synth = synth.New(p.synthOracle, cfg.Synthesis, cfg.SkillsDir())
	return p, nil
}

// PhaseNames lists the run phases in execution order.
func PhaseNames() []string {
	return []string{
		models.PhaseScan, models.PhaseParse, models.PhaseCard,
		models.PhaseEnrich, models.PhaseBucket, models.PhaseCluster,
		models.PhaseAudit, models.PhaseRepresentatives,
		models.PhaseQuality, models.PhaseSynthesize,
	}
}

// runState carries everything one run accumulates across phases.
type runState struct {
	opts       Options
	runID      string
	corpusHash string
	phaseIndex int

	scan    *ScanResult
	changes *tracker.ChangeSet

	records  []*models.ExtractionRecord // changed documents, manifest order
	newCards []*models.DocCard          // cards built this run, records order
	cards    map[string]*models.DocCard // full post-enrichment card set

	buckets     []models.Bucket
	stats       bucket.Stats
	incremental []*models.Cluster
	final       []*models.Cluster
	manifests   []*models.ClusterManifest
	bundles     map[string]*models.SkillBundle
	report      *models.QualityReport

	idemOK    bool
	idemDiffs []string

	totals models.RunTotals
}

// manifestIndex maps cluster id to manifest.
func (st *runState) manifestIndex() map[string]*models.ClusterManifest {
	idx := make(map[string]*models.ClusterManifest, len(st.manifests))
	for _, m := range st.manifests {
		idx[m.ClusterID] = m
	}
	return idx
}

// Run executes one pipeline run and returns its summary. The summary is
// journaled and written to the reports directory even when the run
// fails partway.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RunSummary, error) {
	runID := opts.RunID
	if runID == "" {
		runID = "run_" + uuid.New().String()[:8]
	}

	if err := p.cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := p.state.StartRun(ctx, runID); err != nil {
		return nil, err
	}
	log.Info().Str("runID", runID).Bool("resume", opts.Resume).Msg("Pipeline run started")

	started := time.Now()
	st := &runState{opts: opts, runID: runID, idemOK: true}
	summary := &models.RunSummary{
		RunID:     runID,
		StartedAt: started.UTC().Format(time.RFC3339),
	}

	runErr := p.runPhases(ctx, st, summary)

	summary.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	summary.Totals = st.totals
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	metrics.RecordRun(ctx, status, time.Since(started))

	// The journal and report must land even after cancellation.
	finishCtx := ctx
	if ctx.Err() != nil {
		finishCtx = context.Background()
	}
	if err := p.state.FinishRun(finishCtx, runID, st.totals, runErr); err != nil {
		log.Error().Err(err).Str("runID", runID).Msg("Run journal update failed")
	}
	if err := p.artifacts.WriteRunSummary(summary); err != nil {
		log.Error().Err(err).Msg("Run summary write failed")
	}

	evt := log.Info()
	if runErr != nil {
		evt = log.Error().Err(runErr)
	}
	evt.Str("runID", runID).
		Str("status", status).
		Dur("elapsed", time.Since(started)).
		Int("docs", st.totals.DocsScanned).
		Int("unchanged", st.totals.DocsUnchanged).
		Int("clusters", len(st.final)).
		Int("bundles", st.totals.BundlesWritten).
		Msg("Pipeline run finished")
	return summary, runErr
}

type phaseFn func(ctx context.Context, st *runState) error

// runPhases drives the phase sequence. A run over an unchanged corpus
// stops after scan once synthesis has completed for this corpus state;
// until then the downstream phases still run so a skip-synthesis run
// can be finished later without touching the corpus.
func (p *Pipeline) runPhases(ctx context.Context, st *runState, summary *models.RunSummary) error {
	if err := p.phase(ctx, st, summary, models.PhaseScan, p.phaseScan, nil); err != nil {
		return err
	}

	if st.changes.NoChanges() {
		synthesized, err := p.state.HasCheckpoint(ctx, models.PhaseSynthesize, st.corpusHash)
		if err != nil {
			return err
		}
		if synthesized || st.opts.SkipSynthesis {
			p.skipRemaining(st, summary, PhaseNames()[1:])
			log.Info().Str("runID", st.runID).Msg("Corpus unchanged since last run, nothing to do")
			return nil
		}
		log.Info().Str("runID", st.runID).
			Msg("Corpus unchanged but synthesis is pending, continuing")
	}

	steps := []struct {
		name    string
		run     phaseFn
		restore phaseFn
	}{
		{models.PhaseParse, p.phaseParse, p.restoreParse},
		{models.PhaseCard, p.phaseCard, p.restoreCard},
		{models.PhaseEnrich, p.phaseEnrich, p.restoreEnrich},
		{models.PhaseBucket, p.phaseBucket, p.restoreBucket},
		{models.PhaseCluster, p.phaseCluster, p.restoreCluster},
		{models.PhaseAudit, p.phaseAudit, p.restoreAudit},
		{models.PhaseRepresentatives, p.phaseRepresentatives, p.restoreRepresentatives},
		{models.PhaseQuality, p.phaseQuality, p.restoreQuality},
	}
	for _, s := range steps {
		if err := p.phase(ctx, st, summary, s.name, s.run, s.restore); err != nil {
			return err
		}
	}

	if st.opts.SkipSynthesis {
		p.skipRemaining(st, summary, []string{models.PhaseSynthesize})
		log.Info().Str("runID", st.runID).Msg("Synthesis skipped by request")
	} else if err := p.phase(ctx, st, summary, models.PhaseSynthesize, p.phaseSynthesize, p.restoreSynthesize); err != nil {
		return err
	}

	return p.finalize(ctx, st)
}

// phase runs one phase with timing, checkpointing, progress events, and
// metrics. When resuming and the phase is already checkpointed for this
// corpus state, restore loads its outputs instead of recomputing them.
func (p *Pipeline) phase(ctx context.Context, st *runState, summary *models.RunSummary, name string, run, restore phaseFn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.emit(st, name, "started")

	if st.opts.Resume && restore != nil {
		done, err := p.state.HasCheckpoint(ctx, name, st.corpusHash)
		if err != nil {
			return err
		}
		if done {
			if err := restore(ctx, st); err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
			summary.Phases = append(summary.Phases, models.PhaseResult{Name: name, Skipped: true})
			st.phaseIndex++
			log.Info().Str("phase", name).Str("runID", st.runID).
				Msg("Phase already complete for this corpus state, restored")
			p.emit(st, name, "restored")
			return nil
		}
	}

	phaseStart := time.Now()
	err := run(ctx, st)
	elapsed := time.Since(phaseStart)
	metrics.RecordPhase(ctx, name, elapsed, err)

	result := models.PhaseResult{Name: name, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		summary.Phases = append(summary.Phases, result)
		p.emit(st, name, "failed: "+err.Error())
		return fmt.Errorf("%s phase: %w", name, err)
	}
	summary.Phases = append(summary.Phases, result)
	st.phaseIndex++

	if st.corpusHash != "" {
		if cpErr := p.state.SaveCheckpoint(ctx, st.runID, name, st.corpusHash); cpErr != nil {
			log.Warn().Err(cpErr).Str("phase", name).Msg("Checkpoint write failed")
		}
	}
	p.emit(st, name, "complete")
	log.Info().Str("phase", name).Str("runID", st.runID).Dur("elapsed", elapsed).Msg("Phase complete")
	return nil
}

// skipRemaining records the named phases as skipped.
func (p *Pipeline) skipRemaining(st *runState, summary *models.RunSummary, names []string) {
	for _, name := range names {
		summary.Phases = append(summary.Phases, models.PhaseResult{Name: name, Skipped: true})
		st.phaseIndex++
		p.emit(st, name, "skipped")
	}
}

// emit broadcasts a progress event. Completed counts phases, so audit
// clients can render run-level progress.
func (p *Pipeline) emit(st *runState, phase, msg string) {
	if p.progress == nil {
		return
	}
	p.progress.Broadcast(models.ProgressEvent{
		RunID:     st.runID,
		Phase:     phase,
		Completed: st.phaseIndex,
		Total:     len(PhaseNames()),
		Message:   msg,
	})
}

// workers returns the configured worker count, defaulting to GOMAXPROCS.
func (p *Pipeline) workers() int {
	if p.cfg.Workers > 0 {
		return p.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (p *Pipeline) phaseScan(ctx context.Context, st *runState) error {
	scan, err := scanCorpus(p.cfg)
	if err != nil {
		return err
	}
	st.scan = scan
	st.corpusHash = tracker.CorpusHash(scan.Manifest)
	if err := p.artifacts.WriteCorpusManifest(scan.Manifest); err != nil {
		return err
	}

	changes, err := p.tracker.Track(ctx, scan.Manifest)
	if err != nil {
		return err
	}
	st.changes = changes

	st.totals.DocsScanned = len(scan.Manifest)
	st.totals.DocsExcluded = scan.Excluded
	st.totals.DocsUnchanged = len(changes.Unchanged)
	st.totals.DirtyClusters = len(changes.DirtyClusters)
	metrics.AddDocs(ctx, "scanned", len(scan.Manifest))
	metrics.AddDocs(ctx, "excluded", scan.Excluded)
	metrics.AddDocs(ctx, "unchanged", len(changes.Unchanged))
	metrics.AddClusterEvents(ctx, "dirty", len(changes.DirtyClusters))
	return nil
}

// phaseParse extracts records for the changed documents, fanning out
// across documents with a bounded worker pool.
func (p *Pipeline) phaseParse(ctx context.Context, st *runState) error {
	contents := make(map[string]string, len(st.scan.Docs))
	for _, doc := range st.scan.Docs {
		contents[doc.Entry.DocID] = doc.Content
	}

	changed := st.changes.Changed
	records := make([]*models.ExtractionRecord, len(changed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, entry := range changed {
		i, entry := i, entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec := parser.Parse(entry.Path, contents[entry.DocID])
			if err := p.artifacts.WriteExtraction(rec); err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.records = records
	st.totals.DocsParsed = len(records)
	for _, rec := range records {
		st.totals.ParseWarnings += len(rec.ParseWarnings)
	}
	metrics.AddDocs(ctx, "parsed", len(records))
	log.Info().
		Int("documents", len(records)).
		Int("warnings", st.totals.ParseWarnings).
		Msg("Parse complete")
	return nil
}

func (p *Pipeline) restoreParse(_ context.Context, st *runState) error {
	records := make([]*models.ExtractionRecord, 0, len(st.changes.Changed))
	for _, entry := range st.changes.Changed {
		rec, err := p.artifacts.ReadExtraction(entry.DocID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("extraction record missing for %s", entry.DocID)
		}
		records = append(records, rec)
	}
	st.records = records
	st.totals.DocsParsed = len(records)
	for _, rec := range records {
		st.totals.ParseWarnings += len(rec.ParseWarnings)
	}
	return nil
}

// phaseCard projects the changed records into doc cards.
func (p *Pipeline) phaseCard(ctx context.Context, st *runState) error {
	cards := make([]*models.DocCard, len(st.records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, rec := range st.records {
		i, rec := i, rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := p.builder.Build(rec)
			if err := p.artifacts.WriteCard(c); err != nil {
				return err
			}
			cards[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.newCards = cards
	st.totals.CardsBuilt = len(cards)
	log.Info().Int("cards", len(cards)).Msg("Card build complete")
	return nil
}

func (p *Pipeline) restoreCard(_ context.Context, st *runState) error {
	cards := make([]*models.DocCard, 0, len(st.changes.Changed))
	for _, entry := range st.changes.Changed {
		c, err := p.artifacts.ReadCard(entry.DocID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("card missing for %s", entry.DocID)
		}
		cards = append(cards, c)
	}
	st.newCards = cards
	st.totals.CardsBuilt = len(cards)
	return nil
}

// phaseEnrich asks the oracle to fill missing tag facets on the new
// cards, then persists every card to the post-enrichment store whether
// the oracle touched it or not.
func (p *Pipeline) phaseEnrich(ctx context.Context, st *runState) error {
	stats, err := p.enricher.Process(ctx, st.newCards)
	if err != nil {
		return err
	}
	for _, c := range st.newCards {
		if err := p.artifacts.WriteEnrichedCard(c); err != nil {
			return err
		}
	}

	st.totals.CardsEnriched = stats.Enriched
	st.totals.OracleCalls += stats.Candidates - stats.CacheHits
	st.totals.OracleFailures += stats.Failures
	metrics.AddOracleCalls(ctx, p.enrichOracle.Name(), stats.Candidates-stats.CacheHits, stats.Failures)
	return nil
}

func (p *Pipeline) restoreEnrich(_ context.Context, st *runState) error {
	cards := make([]*models.DocCard, 0, len(st.changes.Changed))
	enriched := 0
	for _, entry := range st.changes.Changed {
		c, err := p.artifacts.ReadEnrichedCard(entry.DocID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("enriched card missing for %s", entry.DocID)
		}
		if c.Enrichment != nil && c.Enrichment.Enriched {
			enriched++
		}
		cards = append(cards, c)
	}
	st.newCards = cards
	st.totals.CardsEnriched = enriched
	return nil
}

// ensureCards loads the post-enrichment card for every corpus document.
// Changed documents were written this run; unchanged ones come from the
// previous successful run. A missing card means the work tree and state
// database disagree, which no amount of degrading can paper over.
func (p *Pipeline) ensureCards(st *runState) error {
	if st.cards != nil {
		return nil
	}
	cards := make(map[string]*models.DocCard, len(st.scan.Manifest))
	for _, entry := range st.scan.Manifest {
		c, err := p.artifacts.ReadEnrichedCard(entry.DocID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("enriched card missing for unchanged document %s", entry.DocID)
		}
		cards[entry.DocID] = c
	}
	st.cards = cards
	return nil
}

func (p *Pipeline) phaseBucket(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}
	all := make([]*models.DocCard, 0, len(st.cards))
	for _, entry := range st.scan.Manifest {
		all = append(all, st.cards[entry.DocID])
	}

	st.buckets = bucket.Partition(all)
	st.stats = bucket.ComputeStats(st.buckets)
	if err := p.artifacts.WriteBuckets(st.buckets); err != nil {
		return err
	}
	st.totals.Buckets = len(st.buckets)
	log.Info().
		Int("buckets", len(st.buckets)).
		Float64("avgSize", st.stats.AvgBucketSize).
		Int("unknownDocs", st.stats.UnknownDocs).
		Msg("Bucket partition complete")
	return nil
}

func (p *Pipeline) restoreBucket(_ context.Context, st *runState) error {
	buckets, err := p.artifacts.ReadBuckets()
	if err != nil {
		return err
	}
	st.buckets = buckets
	st.stats = bucket.ComputeStats(buckets)
	st.totals.Buckets = len(buckets)
	return nil
}

func (p *Pipeline) phaseCluster(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}
	clusters, err := p.clusterer.ClusterAll(ctx, st.buckets, st.cards, p.workers())
	if err != nil {
		return err
	}
	if err := p.artifacts.WriteIncrementalClusters(clusters); err != nil {
		return err
	}
	st.incremental = clusters
	st.totals.ClustersCreated = len(clusters)
	metrics.AddClusterEvents(ctx, "created", len(clusters))
	return nil
}

func (p *Pipeline) restoreCluster(_ context.Context, st *runState) error {
	clusters, err := p.artifacts.ReadIncrementalClusters()
	if err != nil {
		return err
	}
	st.incremental = clusters
	st.totals.ClustersCreated = len(clusters)
	return nil
}

// phaseAudit runs the cross-bucket merge and the purity audit, then
// mirrors the finalized set into the state database. A merge pass that
// stays inconsistent after its internal retry is kept unmerged rather
// than failing the run.
func (p *Pipeline) phaseAudit(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}

	merged, merges, mergeErr := p.auditor.MergePass(st.incremental, st.cards)
	if mergeErr != nil {
		log.Error().Err(mergeErr).Msg("Merge pass inconsistent twice, keeping clusters unmerged")
	}
	final, purity := p.auditor.PurityPass(merged, st.cards)

	splits := 0
	for _, r := range purity {
		if r.Split {
			splits++
		}
	}

	if err := p.artifacts.WriteFinalClusters(final); err != nil {
		return err
	}
	if err := p.state.ReplaceClusters(ctx, st.runID, final); err != nil {
		return err
	}

	st.final = final
	st.totals.ClustersMerged = len(merges)
	st.totals.ClustersSplit = splits
	metrics.AddClusterEvents(ctx, "merged", len(merges))
	metrics.AddClusterEvents(ctx, "split", splits)
	return nil
}

func (p *Pipeline) restoreAudit(_ context.Context, st *runState) error {
	final, err := p.artifacts.ReadFinalClusters()
	if err != nil {
		return err
	}
	st.final = final
	return nil
}

func (p *Pipeline) phaseRepresentatives(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}
	manifests := make([]*models.ClusterManifest, 0, len(st.final))
	for _, c := range st.final {
		sel := cluster.SelectRepresentatives(c, st.cards)
		m := cluster.BuildManifest(c, sel)
		manifests = append(manifests, &m)
	}
	if err := p.artifacts.WriteManifests(manifests); err != nil {
		return err
	}
	st.manifests = manifests
	st.totals.Manifests = len(manifests)
	log.Info().Int("manifests", len(manifests)).Msg("Representative selection complete")
	return nil
}

func (p *Pipeline) restoreRepresentatives(_ context.Context, st *runState) error {
	manifests, err := p.artifacts.ListManifests()
	if err != nil {
		return err
	}
	st.manifests = manifests
	st.totals.Manifests = len(manifests)
	return nil
}

// phaseQuality evaluates the gates over the finalized clusters. Bundles
// do not exist yet, so bundle-scoped checks degrade; the synthesize
// phase re-evaluates with real bundle content.
func (p *Pipeline) phaseQuality(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}

	st.idemOK, st.idemDiffs = p.checkIdempotence(st)

	report := p.evaluate(st)
	if err := p.artifacts.WriteQualityReport(report); err != nil {
		return err
	}
	st.report = report
	p.applyGateTotals(st, report)
	return nil
}

func (p *Pipeline) restoreQuality(_ context.Context, st *runState) error {
	report, err := p.artifacts.ReadQualityReport()
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("quality report missing")
	}
	st.report = report
	st.idemOK = report.IdempotenceOK
	p.applyGateTotals(st, report)
	return nil
}

// phaseSynthesize asks the oracle for one skill bundle per finalized
// cluster, then re-runs the quality gates now that bundle content
// exists, replacing the pre-synthesis report.
func (p *Pipeline) phaseSynthesize(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}
	bundles, stats, err := p.synth.Run(ctx, st.manifests, p.artifacts.ReadExtraction)
	if err != nil {
		return err
	}
	st.bundles = bundles
	st.totals.OracleCalls += stats.OracleCalls
	st.totals.OracleFailures += stats.Failures
	st.totals.BundlesWritten = stats.BundlesWritten
	metrics.AddOracleCalls(ctx, p.synthOracle.Name(), stats.OracleCalls, stats.Failures)
	metrics.AddBundles(ctx, stats.BundlesWritten)

	report := p.evaluate(st)
	if err := p.artifacts.WriteQualityReport(report); err != nil {
		return err
	}
	st.report = report
	p.applyGateTotals(st, report)
	return nil
}

func (p *Pipeline) restoreSynthesize(_ context.Context, st *runState) error {
	report, err := p.artifacts.ReadQualityReport()
	if err != nil {
		return err
	}
	if report != nil {
		st.report = report
		p.applyGateTotals(st, report)
	}
	return nil
}

// evaluate assembles the gate inputs from the run state.
func (p *Pipeline) evaluate(st *runState) *models.QualityReport {
	return quality.Evaluate(quality.Inputs{
		Clusters:         st.final,
		Manifests:        st.manifestIndex(),
		Bundles:          st.bundles,
		Cards:            st.cards,
		HasExtraction:    p.artifacts.HasExtraction,
		Totals:           st.totals,
		BucketStats:      st.stats,
		IdempotenceOK:    st.idemOK,
		IdempotenceDiffs: st.idemDiffs,
	})
}

func (p *Pipeline) applyGateTotals(st *runState, report *models.QualityReport) {
	passed, failed := 0, 0
	for _, g := range report.Clusters {
		if g.Passed() {
			passed++
		} else {
			failed++
		}
	}
	st.totals.GatesPassed = passed
	st.totals.GatesFailed = failed
}

// checkIdempotence rebuilds cards for a sample of unchanged documents
// and compares bytes against the stored pre-enrichment cards. Changed
// documents were just rebuilt, so only unchanged ones prove stability.
func (p *Pipeline) checkIdempotence(st *runState) (bool, []string) {
	sample := st.changes.Unchanged
	if len(sample) == 0 {
		return true, nil
	}
	if len(sample) > idempotenceSample {
		sample = sample[:idempotenceSample]
	}

	records := make([]*models.ExtractionRecord, 0, len(sample))
	stored := make(map[string]*models.DocCard, len(sample))
	for _, entry := range sample {
		rec, err := p.artifacts.ReadExtraction(entry.DocID)
		if err != nil || rec == nil {
			return false, []string{fmt.Sprintf("idempotence: extraction record missing for %s", entry.DocID)}
		}
		c, err := p.artifacts.ReadCard(entry.DocID)
		if err != nil || c == nil {
			return false, []string{fmt.Sprintf("idempotence: no stored card for %s", entry.DocID)}
		}
		records = append(records, rec)
		stored[entry.DocID] = c
	}
	return quality.CheckIdempotence(p.builder, records, stored, idempotenceSample)
}

// finalize commits the processed state, refreshes the search index,
// prunes stale per-document artifacts, and mirrors the topology to the
// provenance graph. Only the commit and the index refresh can fail the
// run; the rest is housekeeping.
func (p *Pipeline) finalize(ctx context.Context, st *runState) error {
	if err := p.ensureCards(st); err != nil {
		return err
	}
	membership := tracker.MembershipFromClusters(st.final)
	if err := p.tracker.CommitProcessed(ctx, st.scan.Manifest, membership); err != nil {
		return err
	}

	if err := p.state.UpsertExtractionSummaries(ctx, p.summaryRows(st, membership)); err != nil {
		return err
	}
	present := make([]string, 0, len(st.scan.Manifest))
	for _, entry := range st.scan.Manifest {
		present = append(present, entry.DocID)
	}
	if err := p.state.PruneExtractionSummaries(ctx, present); err != nil {
		return err
	}

	keep := make(map[string]bool, len(st.scan.Manifest))
	for _, entry := range st.scan.Manifest {
		keep[entry.DocID] = true
	}
	if err := p.artifacts.PruneDocArtifacts(keep); err != nil {
		log.Warn().Err(err).Msg("Stale artifact prune failed")
	}

	if p.exporter.Enabled() {
		if err := p.exporter.Export(ctx, st.final, st.manifestIndex()); err != nil {
			log.Warn().Err(err).Msg("Graph export failed, results unaffected")
		}
	}

	metrics.AddGateResults(ctx, st.totals.GatesPassed, st.totals.GatesFailed)
	return nil
}

// summaryRows projects the card set into searchable audit rows.
func (p *Pipeline) summaryRows(st *runState, membership map[string][]string) []gorm.ExtractionSummary {
	rows := make([]gorm.ExtractionSummary, 0, len(st.scan.Manifest))
	for _, entry := range st.scan.Manifest {
		c := st.cards[entry.DocID]
		if c == nil {
			continue
		}
		row := gorm.ExtractionSummary{
			DocID:          c.DocID,
			TriggerSummary: c.TriggerSummary,
			Tags:           strings.Join(c.Tags.All(), " "),
			IssueText:      strings.Join(c.IssueSummaries, " "),
			BucketKey:      c.BucketKey,
			WarningCount:   c.WarningCount,
		}
		if ids := membership[c.DocID]; len(ids) > 0 {
			row.ClusterID = ids[0]
		}
		rows = append(rows, row)
	}
	return rows
}
