// Package cluster groups doc cards into skill clusters. The clusterer
// assigns cards incrementally against mutable cluster signatures, the
// auditor repairs fragmentation (merge) and incohesion (purity split),
// and the selector picks the members that represent each cluster during
// synthesis.
package cluster

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
	"github.com/Yehonatan-Bar/skill-mill/pkg/similarity"
)

const descriptionLimit = 200

// Clusterer performs incremental assignment within buckets. Cards are
// processed in ascending doc id order, so a bucket's partition depends
// only on its card set and the thresholds.
type Clusterer struct {
	cfg     config.Clustering
	weights similarity.Weights
}

// NewClusterer builds a clusterer from the clustering configuration.
func NewClusterer(cfg config.Clustering) *Clusterer {
	return &Clusterer{
		cfg:     cfg,
		weights: similarity.Weights{Tags: cfg.TagWeight, Trigger: cfg.TriggerWeight},
	}
}

// clusterState pairs a cluster with the running term counts its
// signature is recomputed from. Counts cover all members, so signature
// updates never rescan history.
type clusterState struct {
	cluster      *models.Cluster
	tagCounts    map[string]int
	phraseCounts map[string]int
	sigTags      similarity.TermSet
	sigPhrases   similarity.TermSet
	affinitySum  float64
}

// ClusterBucket clusters one bucket's cards. Cluster IDs derive from the
// bucket key and a creation ordinal, so re-runs reproduce identity.
func (cl *Clusterer) ClusterBucket(bucketKey string, cards []*models.DocCard) []*models.Cluster {
	ordered := append([]*models.DocCard(nil), cards...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DocID < ordered[j].DocID })

	var states []*clusterState
	if len(ordered) < cl.cfg.MinBucketSize {
		// Sub-minimum buckets skip affinity evaluation entirely.
		for _, c := range ordered {
			states = append(states, cl.seed(bucketKey, len(states)+1, c))
		}
		return collect(states)
	}

	for _, c := range ordered {
		cardTags := similarity.NewTermSet(c.Tags.All()...)
		cardTrigger := cardTriggerTerms(c)

		best := -1.0
		var bestState *clusterState
		for _, st := range states {
			score := similarity.Affinity(cardTags, st.sigTags, cardTrigger, st.sigPhrases, cl.weights)
			if score > best {
				best = score
				bestState = st
			}
		}

		if bestState != nil && best >= cl.cfg.AssignThreshold {
			cl.assign(bestState, c, best)
			continue
		}
		states = append(states, cl.seed(bucketKey, len(states)+1, c))
	}
	return collect(states)
}

// seed creates a singleton cluster from a card.
func (cl *Clusterer) seed(bucketKey string, ordinal int, c *models.DocCard) *clusterState {
	st := &clusterState{
		cluster: &models.Cluster{
			ClusterID:    fmt.Sprintf("%s-c%d", bucket.SafeKey(bucketKey), ordinal),
			BucketKey:    bucketKey,
			MemberDocIDs: []string{c.DocID},
			Singleton:    true,
		},
		tagCounts:    make(map[string]int),
		phraseCounts: make(map[string]int),
		affinitySum:  1.0,
	}
	similarity.CountTerms(st.tagCounts, c.Tags.All())
	similarity.CountTerms(st.phraseCounts, c.Keywords)
	st.cluster.Signature.Name = st.cluster.ClusterID
	st.cluster.Signature.Description = truncate(c.TriggerSummary, descriptionLimit)
	st.cluster.Confidence = 1.0
	cl.refreshSignature(st)
	return st
}

// assign adds a card to an existing cluster and refreshes its signature.
func (cl *Clusterer) assign(st *clusterState, c *models.DocCard, affinity float64) {
	st.cluster.MemberDocIDs = append(st.cluster.MemberDocIDs, c.DocID)
	st.cluster.Singleton = false
	similarity.CountTerms(st.tagCounts, c.Tags.All())
	similarity.CountTerms(st.phraseCounts, c.Keywords)
	st.affinitySum += affinity
	st.cluster.Confidence = st.affinitySum / float64(len(st.cluster.MemberDocIDs))
	cl.refreshSignature(st)
}

func (cl *Clusterer) refreshSignature(st *clusterState) {
	st.cluster.Signature.Tags = similarity.TopK(st.tagCounts, cl.cfg.SignatureTopTags)
	st.cluster.Signature.TriggerPhrases = similarity.TopK(st.phraseCounts, cl.cfg.SignatureTopPhrases)
	st.sigTags = similarity.NewTermSet(st.cluster.Signature.Tags...)
	st.sigPhrases = phraseTerms(st.cluster.Signature.TriggerPhrases)
}

func collect(states []*clusterState) []*models.Cluster {
	clusters := make([]*models.Cluster, 0, len(states))
	for _, st := range states {
		sort.Strings(st.cluster.MemberDocIDs)
		clusters = append(clusters, st.cluster)
	}
	return clusters
}

// cardTriggerTerms tokenizes the card's trigger summary plus keywords
// into words for overlap scoring.
func cardTriggerTerms(c *models.DocCard) similarity.TermSet {
	terms := similarity.Tokenize(c.TriggerSummary)
	for _, kw := range c.Keywords {
		similarity.AddTerms(terms, kw)
	}
	return terms
}

// phraseTerms tokenizes signature phrases into words.
func phraseTerms(phrases []string) similarity.TermSet {
	terms := make(similarity.TermSet)
	for _, p := range phrases {
		similarity.AddTerms(terms, p)
	}
	return terms
}

// ClusterAll clusters every bucket, fanning out across buckets while
// keeping the in-bucket order sequential. Results are flattened in
// bucket order, so the global cluster list is deterministic.
func (cl *Clusterer) ClusterAll(ctx context.Context, buckets []models.Bucket, cards map[string]*models.DocCard, workers int) ([]*models.Cluster, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([][]*models.Cluster, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range buckets {
		i, b := i, b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			members := make([]*models.DocCard, 0, len(b.MemberDocIDs))
			for _, docID := range b.MemberDocIDs {
				c, ok := cards[docID]
				if !ok {
					log.Warn().Str("docID", docID).Str("bucket", b.BucketKey).Msg("Card missing for bucket member")
					continue
				}
				members = append(members, c)
			}
			results[i] = cl.ClusterBucket(b.BucketKey, members)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var clusters []*models.Cluster
	for _, rs := range results {
		clusters = append(clusters, rs...)
	}
	log.Info().
		Int("buckets", len(buckets)).
		Int("clusters", len(clusters)).
		Msg("Incremental clustering complete")
	return clusters, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
