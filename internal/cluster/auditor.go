package cluster

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
	"github.com/Yehonatan-Bar/skill-mill/pkg/similarity"
)

// auditSampleSize bounds how many member cards a purity check reads.
const auditSampleSize = 10

// Auditor runs the two post-clustering repair passes: cross-bucket merge
// and purity splitting. Both are idempotent on already-repaired input.
type Auditor struct {
	cfg     config.Clustering
	weights similarity.Weights
}

// NewAuditor builds an auditor from the clustering configuration.
func NewAuditor(cfg config.Clustering) *Auditor {
	return &Auditor{
		cfg:     cfg,
		weights: similarity.Weights{Tags: cfg.TagWeight, Trigger: cfg.TriggerWeight},
	}
}

// MergeRecord documents one absorb event from the merge pass.
type MergeRecord struct {
	Survivor string  `json:"survivor"`
	Absorbed string  `json:"absorbed"`
	Affinity float64 `json:"affinity"`
}

// PurityResult documents one audited cluster.
type PurityResult struct {
	ClusterID   string   `json:"cluster_id"`
	MemberCount int      `json:"member_count"`
	Cohesion    float64  `json:"cohesion"`
	Pure        bool     `json:"pure"`
	Split       bool     `json:"split"`
	Children    []string `json:"children,omitempty"`
}

// MergePass combines clusters whose signatures score at or above the
// merge threshold, keeping the larger cluster's identity. A document
// claimed by two clusters afterwards aborts the pass; it is retried once
// from the original input, and on a second failure the input is returned
// unmerged alongside the error.
func (a *Auditor) MergePass(clusters []*models.Cluster, cards map[string]*models.DocCard) ([]*models.Cluster, []MergeRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		merged, records, err := a.runMerge(clusters, cards)
		if err == nil {
			log.Info().
				Int("before", len(clusters)).
				Int("after", len(merged)).
				Int("merges", len(records)).
				Msg("Merge pass complete")
			return merged, records, nil
		}
		lastErr = err
		log.Error().Err(err).Int("attempt", attempt).Msg("Merge pass inconsistent, retrying")
	}
	return clusters, nil, lastErr
}

type mergeState struct {
	cluster   *models.Cluster
	tagSet    similarity.TermSet
	phraseSet similarity.TermSet
	absorbed  bool
}

func (a *Auditor) runMerge(clusters []*models.Cluster, cards map[string]*models.DocCard) ([]*models.Cluster, []MergeRecord, error) {
	states := make([]*mergeState, 0, len(clusters))
	for _, c := range clusters {
		cp := copyCluster(c)
		states = append(states, &mergeState{
			cluster:   cp,
			tagSet:    similarity.NewTermSet(cp.Signature.Tags...),
			phraseSet: phraseTerms(cp.Signature.TriggerPhrases),
		})
	}

	var records []MergeRecord
	for {
		performed := false
		active := activeBySize(states)
		for i := 0; i < len(active); i++ {
			survivor := active[i]
			if survivor.absorbed {
				continue
			}
			for j := i + 1; j < len(active); j++ {
				candidate := active[j]
				if candidate.absorbed {
					continue
				}
				score := similarity.Affinity(survivor.tagSet, candidate.tagSet, survivor.phraseSet, candidate.phraseSet, a.weights)
				if score < a.cfg.MergeThreshold {
					continue
				}
				if err := a.absorb(survivor, candidate, cards); err != nil {
					return nil, nil, err
				}
				candidate.absorbed = true
				performed = true
				records = append(records, MergeRecord{
					Survivor: survivor.cluster.ClusterID,
					Absorbed: candidate.cluster.ClusterID,
					Affinity: score,
				})
			}
		}
		if !performed {
			break
		}
	}

	result := make([]*models.Cluster, 0, len(states))
	for _, st := range states {
		if !st.absorbed {
			result = append(result, st.cluster)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClusterID < result[j].ClusterID })

	if err := verifyClaims(result); err != nil {
		return nil, nil, err
	}
	return result, records, nil
}

// activeBySize orders live clusters by member count descending, cluster
// id ascending, so the larger side of every merge is the survivor.
func activeBySize(states []*mergeState) []*mergeState {
	active := make([]*mergeState, 0, len(states))
	for _, st := range states {
		if !st.absorbed {
			active = append(active, st)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		ci, cj := active[i].cluster, active[j].cluster
		if ci.MemberCount() != cj.MemberCount() {
			return ci.MemberCount() > cj.MemberCount()
		}
		return ci.ClusterID < cj.ClusterID
	})
	return active
}

// absorb folds candidate into survivor: sorted member union, provenance,
// confidence weighted by member count, signature rebuilt from members.
func (a *Auditor) absorb(survivor, candidate *mergeState, cards map[string]*models.DocCard) error {
	s, c := survivor.cluster, candidate.cluster

	union, err := unionMembers(s.MemberDocIDs, c.MemberDocIDs)
	if err != nil {
		return err
	}

	total := float64(len(union))
	s.Confidence = (s.Confidence*float64(s.MemberCount()) + c.Confidence*float64(c.MemberCount())) / total

	s.MemberDocIDs = union
	s.Singleton = len(union) == 1
	s.IsMerged = true
	s.SourceClusters = mergeProvenance(s.SourceClusters, s.ClusterID, c.SourceClusters, c.ClusterID)
	s.SourceBuckets = mergeBuckets(s, c)

	a.rebuildSignature(s, cards)
	survivor.tagSet = similarity.NewTermSet(s.Signature.Tags...)
	survivor.phraseSet = phraseTerms(s.Signature.TriggerPhrases)
	return nil
}

func unionMembers(a, b []string) ([]string, error) {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range b {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("document %s claimed by two clusters", id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func mergeProvenance(existing []string, selfID string, otherSources []string, otherID string) []string {
	set := make(map[string]struct{})
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" {
				set[id] = struct{}{}
			}
		}
	}
	if len(existing) == 0 {
		add(selfID)
	} else {
		add(existing...)
	}
	if len(otherSources) == 0 {
		add(otherID)
	} else {
		add(otherSources...)
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func mergeBuckets(s, c *models.Cluster) []string {
	set := make(map[string]struct{})
	for _, b := range s.SourceBuckets {
		set[b] = struct{}{}
	}
	for _, b := range c.SourceBuckets {
		set[b] = struct{}{}
	}
	if s.BucketKey != "" {
		set[s.BucketKey] = struct{}{}
	}
	if c.BucketKey != "" {
		set[c.BucketKey] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func verifyClaims(clusters []*models.Cluster) error {
	claims := make(map[string]string)
	for _, c := range clusters {
		for _, id := range c.MemberDocIDs {
			if prev, dup := claims[id]; dup {
				return fmt.Errorf("document %s claimed by clusters %s and %s", id, prev, c.ClusterID)
			}
			claims[id] = c.ClusterID
		}
	}
	return nil
}

// PurityPass audits clusters over the size threshold and splits the
// incohesive ones by re-clustering their members at a stricter
// assignment threshold. Children carry split provenance; a cluster whose
// members will not separate even at the stricter threshold is kept.
func (a *Auditor) PurityPass(clusters []*models.Cluster, cards map[string]*models.DocCard) ([]*models.Cluster, []PurityResult) {
	var out []*models.Cluster
	var results []PurityResult

	for _, c := range clusters {
		if c.MemberCount() <= a.cfg.AuditMinSize {
			out = append(out, c)
			continue
		}

		sample := a.auditSample(c, cards)
		cohesion := meanPairwiseJaccard(sample)
		res := PurityResult{
			ClusterID:   c.ClusterID,
			MemberCount: c.MemberCount(),
			Cohesion:    cohesion,
			Pure:        cohesion >= a.cfg.PurityThreshold,
		}

		if res.Pure {
			out = append(out, c)
			results = append(results, res)
			continue
		}

		children := a.split(c, cards)
		if len(children) <= 1 {
			log.Info().
				Str("clusterID", c.ClusterID).
				Float64("cohesion", cohesion).
				Msg("Cluster below purity threshold but inseparable, keeping")
			out = append(out, c)
			results = append(results, res)
			continue
		}

		res.Split = true
		for _, child := range children {
			res.Children = append(res.Children, child.ClusterID)
			out = append(out, child)
		}
		results = append(results, res)
		log.Info().
			Str("clusterID", c.ClusterID).
			Float64("cohesion", cohesion).
			Int("children", len(children)).
			Msg("Split incohesive cluster")
	}
	return out, results
}

// split re-clusters a cluster's members with the assignment threshold
// raised by the split boost.
func (a *Auditor) split(c *models.Cluster, cards map[string]*models.DocCard) []*models.Cluster {
	members := make([]*models.DocCard, 0, c.MemberCount())
	for _, id := range c.MemberDocIDs {
		if card, ok := cards[id]; ok {
			members = append(members, card)
		}
	}

	stricter := a.cfg
	stricter.AssignThreshold += a.cfg.SplitBoost
	stricter.MinBucketSize = 0

	children := NewClusterer(stricter).ClusterBucket(c.BucketKey, members)
	if len(children) <= 1 {
		return nil
	}

	for i, child := range children {
		child.ClusterID = fmt.Sprintf("%s-s%d", c.ClusterID, i+1)
		child.Signature.Name = child.ClusterID
		child.SplitFrom = c.ClusterID
		child.SourceClusters = append([]string(nil), c.SourceClusters...)
		child.SourceBuckets = append([]string(nil), c.SourceBuckets...)
		child.IsMerged = c.IsMerged
	}
	return children
}

// auditSample picks a diversity sample of member cards: up to three
// high-priority, two with issues, two with artifacts, remainder in
// member order.
func (a *Auditor) auditSample(c *models.Cluster, cards map[string]*models.DocCard) []*models.DocCard {
	present := make([]*models.DocCard, 0, c.MemberCount())
	for _, id := range c.MemberDocIDs {
		if card, ok := cards[id]; ok {
			present = append(present, card)
		}
	}
	if len(present) <= auditSampleSize {
		return present
	}

	var highPriority, withIssues, withArtifacts []*models.DocCard
	for _, card := range present {
		switch {
		case card.Scores.Priority == "high":
			highPriority = append(highPriority, card)
		case card.HasIssues:
			withIssues = append(withIssues, card)
		case card.HasArtifacts:
			withArtifacts = append(withArtifacts, card)
		}
	}

	sample := make([]*models.DocCard, 0, auditSampleSize)
	taken := make(map[string]struct{}, auditSampleSize)
	take := func(group []*models.DocCard, limit int) {
		for _, card := range group {
			if limit == 0 || len(sample) == auditSampleSize {
				return
			}
			if _, dup := taken[card.DocID]; dup {
				continue
			}
			taken[card.DocID] = struct{}{}
			sample = append(sample, card)
			limit--
		}
	}
	take(highPriority, 3)
	take(withIssues, 2)
	take(withArtifacts, 2)
	take(present, auditSampleSize-len(sample))
	return sample
}

// meanPairwiseJaccard measures cohesion as the mean tag-set Jaccard over
// all card pairs. Fewer than two cards count as fully cohesive.
func meanPairwiseJaccard(cards []*models.DocCard) float64 {
	if len(cards) < 2 {
		return 1.0
	}
	sets := make([]similarity.TermSet, len(cards))
	for i, c := range cards {
		sets[i] = similarity.NewTermSet(c.Tags.All()...)
	}
	sum := 0.0
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += similarity.JaccardSimilarity(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// rebuildSignature recomputes a cluster's signature terms from its
// members' cards.
func (a *Auditor) rebuildSignature(c *models.Cluster, cards map[string]*models.DocCard) {
	tagCounts := make(map[string]int)
	phraseCounts := make(map[string]int)
	for _, id := range c.MemberDocIDs {
		card, ok := cards[id]
		if !ok {
			continue
		}
		similarity.CountTerms(tagCounts, card.Tags.All())
		similarity.CountTerms(phraseCounts, card.Keywords)
	}
	c.Signature.Tags = similarity.TopK(tagCounts, a.cfg.SignatureTopTags)
	c.Signature.TriggerPhrases = similarity.TopK(phraseCounts, a.cfg.SignatureTopPhrases)
}

func copyCluster(c *models.Cluster) *models.Cluster {
	out := *c
	out.MemberDocIDs = append([]string(nil), c.MemberDocIDs...)
	out.SourceClusters = append([]string(nil), c.SourceClusters...)
	out.SourceBuckets = append([]string(nil), c.SourceBuckets...)
	out.Signature.Tags = append([]string(nil), c.Signature.Tags...)
	out.Signature.TriggerPhrases = append([]string(nil), c.Signature.TriggerPhrases...)
	return &out
}
