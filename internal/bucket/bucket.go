// Package bucket partitions doc cards into coarse deterministic groups
// keyed by their primary domain and pattern tags. Buckets bound the
// pairwise work the clusterer does: cards in different buckets are never
// compared.
package bucket

import (
	"math"
	"sort"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const (
	// Separator joins the domain and pattern halves of a bucket key.
	Separator = "::"
	// UnknownFacet stands in for a missing domain or pattern tag.
	UnknownFacet = "unknown"
)

// UnknownKey is the catch-all bucket for cards missing both facets.
// Its members are revisited after enrichment fills their tags.
const UnknownKey = UnknownFacet + Separator + UnknownFacet

// Rollups maps synonym domain tags onto their canonical rollup domain.
// The table is external configuration; this package only consumes it.
type Rollups struct {
	canonical map[string]string
}

// NewRollups builds the reverse synonym index from a rollup table of
// canonical domain to synonym list. When a synonym appears under more
// than one rollup, the lexically smallest rollup name claims it.
func NewRollups(table map[string][]string) Rollups {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	canonical := make(map[string]string)
	for _, name := range names {
		rollup := parser.NormalizeTag(name)
		for _, synonym := range table[name] {
			syn := parser.NormalizeTag(synonym)
			if syn == "" {
				continue
			}
			if _, claimed := canonical[syn]; !claimed {
				canonical[syn] = rollup
			}
		}
	}
	return Rollups{canonical: canonical}
}

// Apply returns the canonical rollup domain for a tag, or the tag
// unchanged when no rollup covers it.
func (r Rollups) Apply(domain string) string {
	if rollup, ok := r.canonical[domain]; ok {
		return rollup
	}
	return domain
}

// KeyFor computes the bucket key for a card's tag facets. The first
// domain tag (after rollup) and the first pattern tag form the key;
// a missing facet falls back to the unknown sentinel. The function is
// pure, so the same tags always produce the same key.
func KeyFor(tags models.CardTags, rollups Rollups) string {
	domain := UnknownFacet
	if len(tags.Domains) > 0 {
		domain = rollups.Apply(parser.NormalizeTag(tags.Domains[0]))
	}
	pattern := UnknownFacet
	if len(tags.Patterns) > 0 {
		pattern = parser.NormalizeTag(tags.Patterns[0])
	}
	if domain == "" {
		domain = UnknownFacet
	}
	if pattern == "" {
		pattern = UnknownFacet
	}
	return domain + Separator + pattern
}

// Partition groups cards by their bucket key. Members are sorted by
// doc id and buckets by key, so the same card set always yields the
// same partition regardless of input order.
func Partition(cards []*models.DocCard) []models.Bucket {
	byKey := make(map[string][]string)
	for _, c := range cards {
		key := c.BucketKey
		if key == "" {
			key = UnknownKey
		}
		byKey[key] = append(byKey[key], c.DocID)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buckets := make([]models.Bucket, 0, len(keys))
	for _, key := range keys {
		members := byKey[key]
		sort.Strings(members)
		buckets = append(buckets, models.Bucket{
			BucketKey:    key,
			MemberDocIDs: members,
		})
	}
	return buckets
}

var safeKeyReplacer = strings.NewReplacer("/", "-", "\\", "-", ":", "-")

// SafeKey converts a bucket key into a string usable as a file name.
func SafeKey(key string) string {
	return safeKeyReplacer.Replace(key)
}

// Stats summarizes a bucket partition for run reports and quality gates.
type Stats struct {
	TotalBuckets     int     `json:"total_buckets"`
	TotalDocuments   int     `json:"total_documents"`
	AvgBucketSize    float64 `json:"avg_bucket_size"`
	MaxBucketSize    int     `json:"max_bucket_size"`
	MinBucketSize    int     `json:"min_bucket_size"`
	SingletonBuckets int     `json:"singleton_buckets"`
	UnknownDocs      int     `json:"unknown_bucket_docs"`
}

// ComputeStats derives partition statistics from a bucket set.
func ComputeStats(buckets []models.Bucket) Stats {
	s := Stats{TotalBuckets: len(buckets)}
	if len(buckets) == 0 {
		return s
	}
	s.MinBucketSize = len(buckets[0].MemberDocIDs)
	for _, b := range buckets {
		size := len(b.MemberDocIDs)
		s.TotalDocuments += size
		if size > s.MaxBucketSize {
			s.MaxBucketSize = size
		}
		if size < s.MinBucketSize {
			s.MinBucketSize = size
		}
		if size == 1 {
			s.SingletonBuckets++
		}
		if b.BucketKey == UnknownKey {
			s.UnknownDocs += size
		}
	}
	s.AvgBucketSize = math.Round(float64(s.TotalDocuments)/float64(len(buckets))*10) / 10
	return s
}

// UnknownShare returns the fraction of documents sitting in the unknown
// bucket, 0 when the partition is empty.
func (s Stats) UnknownShare() float64 {
	if s.TotalDocuments == 0 {
		return 0
	}
	return float64(s.UnknownDocs) / float64(s.TotalDocuments)
}
