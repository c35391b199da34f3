package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

func TestRepTargetCount(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 3},
		{5, 3},
		{6, 5},
		{15, 5},
		{16, 8},
		{100, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RepTargetCount(tt.size), "size %d", tt.size)
	}
}

func TestScoreMemberMissingCard(t *testing.T) {
	s := scoreMember("doc_gone", nil)
	assert.Equal(t, MemberScore{DocID: "doc_gone"}, s)
}

func TestScoreMember(t *testing.T) {
	tests := []struct {
		name string
		card *models.DocCard
		want MemberScore
	}{
		{
			name: "all components",
			card: &models.DocCard{
				Scores:          models.CardScores{Total: 19, Priority: "high"},
				HasIssues:       true,
				HasReusableCode: true,
				HasArtifacts:    true,
				WarningCount:    1,
			},
			want: MemberScore{
				DocID:        "doc_1",
				Total:        97,
				Priority:     30,
				Reusability:  19,
				Completeness: 8,
				HasIssues:    true,
				HasCode:      true,
				HasArtifacts: true,
				Coverage:     []string{"issues", "code", "artifacts"},
			},
		},
		{
			name: "reusability capped",
			card: &models.DocCard{Scores: models.CardScores{Total: 40, Priority: "low"}},
			want: MemberScore{DocID: "doc_1", Total: 45, Priority: 10, Reusability: 25, Completeness: 10},
		},
		{
			name: "completeness floored at zero",
			card: &models.DocCard{Scores: models.CardScores{Priority: "medium"}, WarningCount: 9},
			want: MemberScore{DocID: "doc_1", Total: 20, Priority: 20},
		},
		{
			name: "unscored card",
			card: &models.DocCard{},
			want: MemberScore{DocID: "doc_1", Total: 10, Completeness: 10},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoreMember("doc_1", tt.card))
		})
	}
}

func TestSelectRepresentativesCoversLowScoringFeatureHolders(t *testing.T) {
	cards := make(map[string]*models.DocCard)
	var members []string
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("doc_s%d", i)
		cards[id] = &models.DocCard{
			DocID:           id,
			Scores:          models.CardScores{Total: 25, Priority: "high"},
			HasReusableCode: true,
		}
		members = append(members, id)
	}
	cards["doc_low_issue"] = &models.DocCard{
		DocID:        "doc_low_issue",
		Scores:       models.CardScores{Total: 2},
		HasIssues:    true,
		WarningCount: 4,
	}
	cards["doc_low_art"] = &models.DocCard{
		DocID:        "doc_low_art",
		Scores:       models.CardScores{Total: 1},
		HasArtifacts: true,
		WarningCount: 5,
	}
	members = append(members, "doc_low_issue", "doc_low_art")
	c := &models.Cluster{ClusterID: "cov-c1", MemberDocIDs: members}

	sel := SelectRepresentatives(c, cards)

	assert.Equal(t, 5, sel.TargetCount)
	assert.Equal(t, 8, sel.ClusterSize)
	assert.Equal(t, []string{"doc_s1", "doc_s2", "doc_low_issue", "doc_low_art"}, sel.Representatives)
	assert.Equal(t, 4, sel.ActualCount)
	assert.Equal(t, CoverageCheck{HasIssuesDoc: true, HasCodeDoc: true, HasArtifactsDoc: true}, sel.Coverage)

	require.Len(t, sel.Details, 4)
	assert.Equal(t, "code coverage", sel.Details[0].Why)
	assert.Equal(t, "high score (80)", sel.Details[1].Why)
	assert.Equal(t, "issues coverage", sel.Details[2].Why)
	assert.Equal(t, "artifacts coverage", sel.Details[3].Why)
}

func TestSelectRepresentativesUniformClusterStopsAtFloor(t *testing.T) {
	cards := make(map[string]*models.DocCard)
	var members []string
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("doc_%d", i)
		cards[id] = &models.DocCard{DocID: id, Scores: models.CardScores{Total: 20, Priority: "medium"}}
		members = append(members, id)
	}
	c := &models.Cluster{ClusterID: "flat-c1", MemberDocIDs: members}

	sel := SelectRepresentatives(c, cards)

	assert.Equal(t, 5, sel.TargetCount)
	assert.Equal(t, []string{"doc_1", "doc_2"}, sel.Representatives)
	assert.Equal(t, 2, sel.ActualCount)
	assert.Equal(t, CoverageCheck{}, sel.Coverage)
	for _, d := range sel.Details {
		assert.Equal(t, "high score (50)", d.Why)
	}
}

func TestSelectRepresentativesSingleton(t *testing.T) {
	cards := map[string]*models.DocCard{"doc_only": {DocID: "doc_only"}}
	c := &models.Cluster{ClusterID: "solo-c1", MemberDocIDs: []string{"doc_only"}}

	sel := SelectRepresentatives(c, cards)

	assert.Equal(t, 1, sel.TargetCount)
	assert.Equal(t, []string{"doc_only"}, sel.Representatives)
	assert.Equal(t, 1, sel.ActualCount)
}

func TestSelectRepresentativesOneDocCoversEverything(t *testing.T) {
	cards := map[string]*models.DocCard{
		"doc_a": {
			DocID:           "doc_a",
			Scores:          models.CardScores{Total: 30, Priority: "high"},
			HasIssues:       true,
			HasReusableCode: true,
			HasArtifacts:    true,
		},
	}
	members := []string{"doc_a"}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("doc_f%d", i)
		cards[id] = &models.DocCard{DocID: id, Scores: models.CardScores{Total: 10, Priority: "low"}}
		members = append(members, id)
	}
	c := &models.Cluster{ClusterID: "one-c1", MemberDocIDs: members}

	sel := SelectRepresentatives(c, cards)

	assert.Equal(t, []string{"doc_a", "doc_f1"}, sel.Representatives)
	require.Len(t, sel.Details, 2)
	assert.Equal(t, "issues coverage, code coverage, artifacts coverage", sel.Details[0].Why)
	assert.Equal(t, "high score (30)", sel.Details[1].Why)
}

func TestSelectRepresentativesTargetCapsCoverage(t *testing.T) {
	cards := map[string]*models.DocCard{
		"doc_x": {DocID: "doc_x", Scores: models.CardScores{Total: 20, Priority: "high"}},
		"doc_i": {DocID: "doc_i", Scores: models.CardScores{Priority: "medium"}, HasIssues: true},
		"doc_c": {DocID: "doc_c", Scores: models.CardScores{Priority: "medium"}, HasReusableCode: true},
		"doc_a": {DocID: "doc_a", Scores: models.CardScores{Priority: "low"}, HasArtifacts: true},
	}
	c := &models.Cluster{ClusterID: "cap-c1", MemberDocIDs: []string{"doc_x", "doc_i", "doc_c", "doc_a"}}

	sel := SelectRepresentatives(c, cards)

	assert.Equal(t, 3, sel.TargetCount)
	assert.Equal(t, []string{"doc_x", "doc_c", "doc_i"}, sel.Representatives)
	assert.Equal(t, CoverageCheck{HasIssuesDoc: true, HasCodeDoc: true}, sel.Coverage)
}

func TestSelectRepresentativesDeterministicAcrossMemberOrder(t *testing.T) {
	cards := make(map[string]*models.DocCard)
	for _, id := range []string{"doc_a", "doc_b", "doc_c", "doc_d"} {
		cards[id] = &models.DocCard{DocID: id, Scores: models.CardScores{Total: 12, Priority: "medium"}}
	}

	forward := SelectRepresentatives(&models.Cluster{
		ClusterID:    "tie-c1",
		MemberDocIDs: []string{"doc_a", "doc_b", "doc_c", "doc_d"},
	}, cards)
	reversed := SelectRepresentatives(&models.Cluster{
		ClusterID:    "tie-c1",
		MemberDocIDs: []string{"doc_d", "doc_c", "doc_b", "doc_a"},
	}, cards)

	assert.Equal(t, forward, reversed)
	assert.Equal(t, []string{"doc_a"}, forward.Representatives)
}

func TestSelectRepresentativesEmptyCluster(t *testing.T) {
	sel := SelectRepresentatives(&models.Cluster{ClusterID: "empty-c1"}, nil)

	assert.Equal(t, 0, sel.TargetCount)
	assert.Empty(t, sel.Representatives)
	assert.Equal(t, 0, sel.ActualCount)
}

func TestBuildManifest(t *testing.T) {
	c := &models.Cluster{
		ClusterID:    "api-development--bug-fix-c1",
		MemberDocIDs: []string{"doc_1", "doc_2", "doc_3"},
		Signature: models.ClusterSignature{
			Tags:           []string{"backend", "bug-fix"},
			TriggerPhrases: []string{"timeout"},
		},
		Confidence: 0.86,
	}
	sel := Selection{Representatives: []string{"doc_1", "doc_3"}}

	m := BuildManifest(c, sel)

	assert.Equal(t, models.ClusterManifest{
		ClusterID:       "api-development--bug-fix-c1",
		MemberDocIDs:    []string{"doc_1", "doc_2", "doc_3"},
		TopTags:         []string{"backend", "bug-fix"},
		TopPhrases:      []string{"timeout"},
		Representatives: []string{"doc_1", "doc_3"},
		Confidence:      0.86,
	}, m)
}
