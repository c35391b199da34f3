package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Representative scoring points.
const (
	priorityHighPoints   = 30
	priorityMediumPoints = 20
	priorityLowPoints    = 10
	reusabilityCap       = 25
	issuesPoints         = 15
	codePoints           = 15
	artifactsPoints      = 10
	completenessBase     = 10
	warningPenalty       = 2
)

// RepTargetCount returns how many representatives a cluster of the given
// size gets, never more than the size itself.
func RepTargetCount(size int) int {
	switch {
	case size <= 5:
		return min(3, size)
	case size <= 15:
		return 5
	default:
		return 8
	}
}

// MemberScore is one member's composite representative score.
type MemberScore struct {
	DocID        string   `json:"doc_id"`
	Total        int      `json:"total_score"`
	Priority     int      `json:"priority_score"`
	Reusability  int      `json:"reusability_score"`
	Completeness int      `json:"completeness_score"`
	HasIssues    bool     `json:"has_issues"`
	HasCode      bool     `json:"has_code"`
	HasArtifacts bool     `json:"has_artifacts"`
	Coverage     []string `json:"coverage_contribution,omitempty"`
	Why          string   `json:"why_selected,omitempty"`
}

// CoverageCheck records which coverage features the selected
// representatives collectively hit.
type CoverageCheck struct {
	HasIssuesDoc    bool `json:"has_issues_doc"`
	HasCodeDoc      bool `json:"has_code_doc"`
	HasArtifactsDoc bool `json:"has_artifacts_doc"`
}

// Selection is the representative pick for one cluster.
type Selection struct {
	ClusterID       string        `json:"cluster_id"`
	Representatives []string      `json:"representative_doc_ids"`
	Details         []MemberScore `json:"selection_details,omitempty"`
	Coverage        CoverageCheck `json:"coverage_check"`
	TargetCount     int           `json:"target_count"`
	ActualCount     int           `json:"actual_count"`
	ClusterSize     int           `json:"cluster_size"`
}

// scoreMember computes the composite score for one member. A missing
// card scores zero so it can never displace a scored member.
func scoreMember(docID string, c *models.DocCard) MemberScore {
	s := MemberScore{DocID: docID}
	if c == nil {
		return s
	}

	switch c.Scores.Priority {
	case "high":
		s.Priority = priorityHighPoints
	case "medium":
		s.Priority = priorityMediumPoints
	case "low":
		s.Priority = priorityLowPoints
	}

	if c.Scores.Total > 0 {
		s.Reusability = min(reusabilityCap, c.Scores.Total)
	}
	s.Completeness = max(0, completenessBase-warningPenalty*c.WarningCount)

	if c.HasIssues {
		s.HasIssues = true
		s.Coverage = append(s.Coverage, "issues")
		s.Total += issuesPoints
	}
	if c.HasReusableCode {
		s.HasCode = true
		s.Coverage = append(s.Coverage, "code")
		s.Total += codePoints
	}
	if c.HasArtifacts {
		s.HasArtifacts = true
		s.Coverage = append(s.Coverage, "artifacts")
		s.Total += artifactsPoints
	}

	s.Total += s.Priority + s.Reusability + s.Completeness
	return s
}

// SelectRepresentatives picks a cluster's representatives greedily by
// score. Members that add an uncovered issue, code, or artifact feature
// are always taken, and top scorers fill up to half the target, so every
// feature the cluster has lands in some representative. Selection stops
// at the target count, or earlier once the remaining members would add
// no new coverage.
func SelectRepresentatives(c *models.Cluster, cards map[string]*models.DocCard) Selection {
	sel := Selection{
		ClusterID:   c.ClusterID,
		ClusterSize: c.MemberCount(),
		TargetCount: RepTargetCount(c.MemberCount()),
	}
	if c.MemberCount() == 0 {
		return sel
	}

	scored := make([]MemberScore, 0, c.MemberCount())
	for _, id := range c.MemberDocIDs {
		scored = append(scored, scoreMember(id, cards[id]))
	}
	sortByScore(scored)

	pick := func(s MemberScore, why string) {
		s.Why = why
		sel.Representatives = append(sel.Representatives, s.DocID)
		sel.Details = append(sel.Details, s)
		sel.Coverage.HasIssuesDoc = sel.Coverage.HasIssuesDoc || s.HasIssues
		sel.Coverage.HasCodeDoc = sel.Coverage.HasCodeDoc || s.HasCode
		sel.Coverage.HasArtifactsDoc = sel.Coverage.HasArtifactsDoc || s.HasArtifacts
	}

	floor := max(1, sel.TargetCount/2)
	for _, s := range scored {
		if len(sel.Representatives) >= sel.TargetCount {
			break
		}
		var reasons []string
		if !sel.Coverage.HasIssuesDoc && s.HasIssues {
			reasons = append(reasons, "issues coverage")
		}
		if !sel.Coverage.HasCodeDoc && s.HasCode {
			reasons = append(reasons, "code coverage")
		}
		if !sel.Coverage.HasArtifactsDoc && s.HasArtifacts {
			reasons = append(reasons, "artifacts coverage")
		}
		if len(reasons) > 0 {
			pick(s, strings.Join(reasons, ", "))
			continue
		}
		if len(sel.Representatives) < floor {
			pick(s, fmt.Sprintf("high score (%d)", s.Total))
		}
	}

	sel.ActualCount = len(sel.Representatives)
	return sel
}

func sortByScore(scored []MemberScore) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Total != scored[j].Total {
			return scored[i].Total > scored[j].Total
		}
		return scored[i].DocID < scored[j].DocID
	})
}

// BuildManifest assembles the serializable cluster view handed to the
// synthesis oracle and audit tooling.
func BuildManifest(c *models.Cluster, sel Selection) models.ClusterManifest {
	return models.ClusterManifest{
		ClusterID:       c.ClusterID,
		MemberDocIDs:    append([]string(nil), c.MemberDocIDs...),
		TopTags:         append([]string(nil), c.Signature.Tags...),
		TopPhrases:      append([]string(nil), c.Signature.TriggerPhrases...),
		Representatives: append([]string(nil), sel.Representatives...),
		Confidence:      c.Confidence,
	}
}
