// Package enrich is the boundary to the tag enrichment oracle. It finds
// cards whose domain or pattern facet is empty, asks the oracle in
// bounded batches, validates what comes back against the tag
// vocabularies, and rebuckets the cards it changed. Oracle failures
// leave cards untouched; this component never blocks the pipeline.
package enrich

import (
	"context"
	"encoding/hex"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/crypto/blake2b"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const backoffMultiplier = 2.0

// Stats summarizes one enrichment pass for the run report.
type Stats struct {
	Candidates int `json:"candidates"`
	CacheHits  int `json:"cache_hits"`
	Batches    int `json:"batches"`
	Enriched   int `json:"enriched"`
	Rebucketed int `json:"rebucketed"`
	Failures   int `json:"oracle_failures"`
}

// Adapter drives the oracle for one card set.
type Adapter struct {
	oracle   Oracle
	cache    Cache
	cfg      config.Enrichment
	rollups  bucket.Rollups
	domains  map[string]struct{}
	patterns map[string]struct{}
	codec    tokenizer.Codec
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCache attaches a response cache.
func WithCache(c Cache) Option {
	return func(a *Adapter) { a.cache = c }
}

// NewAdapter builds an adapter from the pipeline configuration. The
// vocabularies and rollup table come from cfg; batching and retry limits
// from cfg.Enrichment.
func NewAdapter(oracle Oracle, cfg *config.Config, opts ...Option) (*Adapter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		oracle:   oracle,
		cfg:      cfg.Enrichment,
		rollups:  bucket.NewRollups(cfg.DomainRollups),
		domains:  tagSet(cfg.DomainVocabulary),
		patterns: tagSet(cfg.PatternVocabulary),
		codec:    codec,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NeedsEnrichment reports whether a card is missing the facets bucketing
// depends on. Card facets never contain "unknown" entries, so empty
// means missing.
func NeedsEnrichment(c *models.DocCard) bool {
	return len(c.Tags.Domains) == 0 || len(c.Tags.Patterns) == 0
}

// Process enriches the cards that need it, mutating them in place.
// The only error it returns is context cancellation; oracle failures
// are absorbed and counted.
func (a *Adapter) Process(ctx context.Context, cards []*models.DocCard) (Stats, error) {
	var stats Stats

	pending := a.collect(ctx, cards, &stats)
	if len(pending) == 0 {
		return stats, ctx.Err()
	}

	byID := make(map[string]*models.DocCard, len(pending))
	for _, p := range pending {
		byID[p.card.DocID] = p.card
	}

	for _, batch := range a.planBatches(pending) {
		stats.Batches++
		reqs := make([]models.EnrichmentRequest, 0, len(batch))
		for _, p := range batch {
			reqs = append(reqs, p.req)
		}

		resps, err := a.callOracle(ctx, reqs)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failures += len(batch)
			log.Warn().Err(err).
				Str("oracle", a.oracle.Name()).
				Int("batchSize", len(batch)).
				Msg("Oracle batch failed, cards keep their tags")
			continue
		}

		keys := make(map[string]string, len(batch))
		for _, p := range batch {
			keys[p.card.DocID] = p.key
		}
		for _, resp := range resps {
			c, ok := byID[resp.DocID]
			if !ok {
				log.Debug().Str("docID", resp.DocID).Msg("Oracle response for unknown document")
				continue
			}
			a.apply(c, resp, &stats)
			if a.cache != nil {
				a.cache.Put(ctx, keys[resp.DocID], resp)
			}
		}
	}

	log.Info().
		Int("candidates", stats.Candidates).
		Int("enriched", stats.Enriched).
		Int("cacheHits", stats.CacheHits).
		Int("failures", stats.Failures).
		Msg("Enrichment pass complete")
	return stats, ctx.Err()
}

type pendingCard struct {
	card   *models.DocCard
	req    models.EnrichmentRequest
	key    string
	tokens int
}

// collect gathers enrichment candidates in doc id order, serving what it
// can from the cache.
func (a *Adapter) collect(ctx context.Context, cards []*models.DocCard, stats *Stats) []pendingCard {
	candidates := make([]*models.DocCard, 0)
	for _, c := range cards {
		if NeedsEnrichment(c) {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DocID < candidates[j].DocID })
	stats.Candidates = len(candidates)

	pending := make([]pendingCard, 0, len(candidates))
	for _, c := range candidates {
		req := requestFor(c)
		data, err := json.Marshal(req)
		if err != nil {
			continue
		}
		key := cacheKey(c.DocID, data)
		if a.cache != nil {
			if resp, ok := a.cache.Get(ctx, key); ok {
				stats.CacheHits++
				a.apply(c, resp, stats)
				continue
			}
		}
		pending = append(pending, pendingCard{card: c, req: req, key: key, tokens: a.countTokens(data)})
	}
	return pending
}

func requestFor(c *models.DocCard) models.EnrichmentRequest {
	return models.EnrichmentRequest{
		DocID:          c.DocID,
		TriggerSummary: c.TriggerSummary,
		Keywords:       c.Keywords,
		PartialTags:    c.Tags,
	}
}

func cacheKey(docID string, reqJSON []byte) string {
	sum := blake2b.Sum256(reqJSON)
	return "skillmill:enrich:" + docID + ":" + hex.EncodeToString(sum[:8])
}

// planBatches packs pending cards into oracle batches bounded by both
// card count and token budget. A request too large for the budget on
// its own still ships, alone.
func (a *Adapter) planBatches(pending []pendingCard) [][]pendingCard {
	var batches [][]pendingCard
	var current []pendingCard
	tokens := 0
	for _, p := range pending {
		full := len(current) >= a.cfg.BatchCards || (len(current) > 0 && tokens+p.tokens > a.cfg.BatchTokens)
		if full {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, p)
		tokens += p.tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (a *Adapter) countTokens(data []byte) int {
	ids, _, err := a.codec.Encode(string(data))
	if err != nil {
		return len(data) / 4
	}
	return len(ids)
}

// callOracle runs one batch with timeout and exponential backoff.
func (a *Adapter) callOracle(ctx context.Context, reqs []models.EnrichmentRequest) ([]models.EnrichmentResponse, error) {
	backoff := a.cfg.BackoffBase()
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
		resps, err := a.oracle.Enrich(callCtx, reqs)
		cancel()
		if err == nil {
			return resps, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == a.cfg.MaxRetries {
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Oracle call failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffMultiplier)
		if limit := a.cfg.BackoffMax(); backoff > limit {
			backoff = limit
		}
	}
	return nil, lastErr
}

// apply merges a validated response into its card. Cards whose tags
// change get an enrichment note with their original bucket key and a
// recomputed key.
func (a *Adapter) apply(c *models.DocCard, resp models.EnrichmentResponse, stats *Stats) {
	changed := false
	c.Tags.Domains = mergeFacet(c.Tags.Domains, resp.Tags.Domains, a.domains, &changed)
	c.Tags.Patterns = mergeFacet(c.Tags.Patterns, resp.Tags.Patterns, a.patterns, &changed)
	c.Tags.Frameworks = mergeFacet(c.Tags.Frameworks, resp.Tags.Frameworks, nil, &changed)
	c.Tags.Languages = mergeFacet(c.Tags.Languages, resp.Tags.Languages, nil, &changed)
	c.Tags.Tools = mergeFacet(c.Tags.Tools, resp.Tags.Tools, nil, &changed)
	if !changed {
		return
	}

	stats.Enriched++
	original := c.BucketKey
	c.Enrichment = &models.EnrichmentNote{
		Enriched:          true,
		OriginalBucketKey: original,
		Confidence:        resp.Confidence,
	}
	c.BucketKey = bucket.KeyFor(c.Tags, a.rollups)
	if c.BucketKey != original {
		stats.Rebucketed++
	}
}

// mergeFacet appends validated incoming tags to a facet. When vocab is
// non-nil, off-vocabulary tags are discarded.
func mergeFacet(existing, incoming []string, vocab map[string]struct{}, changed *bool) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		seen[tag] = struct{}{}
	}
	out := existing
	for _, raw := range incoming {
		tag := parser.NormalizeTag(raw)
		if tag == "" || tag == bucket.UnknownFacet {
			continue
		}
		if vocab != nil {
			if _, ok := vocab[tag]; !ok {
				continue
			}
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		*changed = true
	}
	return out
}

func tagSet(vocab []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vocab))
	for _, tag := range vocab {
		set[parser.NormalizeTag(tag)] = struct{}{}
	}
	return set
}
