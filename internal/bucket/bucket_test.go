package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

func TestRollupsApply(t *testing.T) {
	rollups := NewRollups(config.DefaultDomainRollups())

	tests := []struct {
		name   string
		domain string
		want   string
	}{
		{"synonym maps to rollup", "backend", "api-development"},
		{"excel joins data analysis", "excel", "data-analysis"},
		{"html generation joins frontend", "html-generation", "frontend"},
		{"rollup name maps to itself", "frontend", "frontend"},
		{"uncovered domain passes through", "database", "database"},
		{"unknown passes through", "unknown", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rollups.Apply(tt.domain))
		})
	}
}

func TestRollupsConflictingSynonym(t *testing.T) {
	rollups := NewRollups(map[string][]string{
		"zeta-domain":  {"shared"},
		"alpha-domain": {"shared"},
	})

	// Lexically smallest rollup claims a contested synonym.
	assert.Equal(t, "alpha-domain", rollups.Apply("shared"))
}

func TestKeyFor(t *testing.T) {
	rollups := NewRollups(config.DefaultDomainRollups())

	tests := []struct {
		name string
		tags models.CardTags
		want string
	}{
		{
			name: "both facets present",
			tags: models.CardTags{Domains: []string{"database"}, Patterns: []string{"migration"}},
			want: "database::migration",
		},
		{
			name: "rollup applied to domain",
			tags: models.CardTags{Domains: []string{"fastapi"}, Patterns: []string{"bug-fix"}},
			want: "api-development::bug-fix",
		},
		{
			name: "first tag wins per facet",
			tags: models.CardTags{Domains: []string{"testing", "backend"}, Patterns: []string{"refactor", "bug-fix"}},
			want: "testing::refactor",
		},
		{
			name: "missing domain",
			tags: models.CardTags{Patterns: []string{"etl"}},
			want: "unknown::etl",
		},
		{
			name: "missing pattern",
			tags: models.CardTags{Domains: []string{"monitoring"}},
			want: "monitoring::unknown",
		},
		{
			name: "both missing",
			tags: models.CardTags{},
			want: UnknownKey,
		},
		{
			name: "raw tag normalized before lookup",
			tags: models.CardTags{Domains: []string{"Data Analysis"}, Patterns: []string{"Bug Fix"}},
			want: "data-analysis::bug-fix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyFor(tt.tags, rollups))
		})
	}
}

func TestPartition(t *testing.T) {
	cards := []*models.DocCard{
		{DocID: "doc_c", BucketKey: "database::migration"},
		{DocID: "doc_a", BucketKey: "database::migration"},
		{DocID: "doc_b", BucketKey: "frontend::ui-component"},
		{DocID: "doc_d", BucketKey: ""},
	}

	buckets := Partition(cards)

	assert.Equal(t, []models.Bucket{
		{BucketKey: "database::migration", MemberDocIDs: []string{"doc_a", "doc_c"}},
		{BucketKey: "frontend::ui-component", MemberDocIDs: []string{"doc_b"}},
		{BucketKey: UnknownKey, MemberDocIDs: []string{"doc_d"}},
	}, buckets)
}

func TestPartitionOrderIndependent(t *testing.T) {
	forward := []*models.DocCard{
		{DocID: "doc_1", BucketKey: "a::x"},
		{DocID: "doc_2", BucketKey: "b::y"},
		{DocID: "doc_3", BucketKey: "a::x"},
	}
	reversed := []*models.DocCard{forward[2], forward[1], forward[0]}

	assert.Equal(t, Partition(forward), Partition(reversed))
}

func TestPartitionEmpty(t *testing.T) {
	assert.Empty(t, Partition(nil))
}

func TestSafeKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"database::migration", "database--migration"},
		{"ci/cd::deploy", "ci-cd--deploy"},
		{`win\path::x`, "win-path--x"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeKey(tt.key))
	}
}

func TestComputeStats(t *testing.T) {
	buckets := []models.Bucket{
		{BucketKey: "a::x", MemberDocIDs: []string{"d1", "d2", "d3", "d4"}},
		{BucketKey: "b::y", MemberDocIDs: []string{"d5"}},
		{BucketKey: UnknownKey, MemberDocIDs: []string{"d6", "d7"}},
	}

	stats := ComputeStats(buckets)

	assert.Equal(t, 3, stats.TotalBuckets)
	assert.Equal(t, 7, stats.TotalDocuments)
	assert.InDelta(t, 2.3, stats.AvgBucketSize, 0.001)
	assert.Equal(t, 4, stats.MaxBucketSize)
	assert.Equal(t, 1, stats.MinBucketSize)
	assert.Equal(t, 1, stats.SingletonBuckets)
	assert.Equal(t, 2, stats.UnknownDocs)
	assert.InDelta(t, 2.0/7.0, stats.UnknownShare(), 0.001)
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)

	assert.Zero(t, stats.TotalBuckets)
	assert.Zero(t, stats.TotalDocuments)
	assert.Zero(t, stats.AvgBucketSize)
	assert.Zero(t, stats.UnknownShare())
}
