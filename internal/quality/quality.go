// Package quality checks finalized clusters and synthesized bundles
// against deterministic quality gates and assembles the per-run quality
// report.
package quality

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/card"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const (
	// maxSkillMDBytes is the progressive disclosure ceiling. Deeper
	// material belongs in references/.
	maxSkillMDBytes = 10 * 1024

	// minDescriptionRunes is the floor below which a bundle description
	// counts as boilerplate.
	minDescriptionRunes = 20

	maxUnknownShare  = 0.30
	maxExcludedShare = 0.20

	// riskTag is the risk level that demands explicit guidance.
	riskTag = "high"
)

// fillerPhrases never belong in synthesized content.
var fillerPhrases = []string{"as an ai", "in general", "it depends"}

var riskHeadingRe = regexp.MustCompile(`(?mi)^#{2,4}\s+.*(warning|caveat|risk|pitfall)`)

// Inputs carries everything the gates evaluate. Bundles may be sparse
// or empty before synthesis; bundle-scoped checks then degrade as
// documented on each gate.
type Inputs struct {
	Clusters      []*models.Cluster
	Manifests     map[string]*models.ClusterManifest
	Bundles       map[string]*models.SkillBundle
	Cards         map[string]*models.DocCard
	HasExtraction func(docID string) bool

	Totals      models.RunTotals
	BucketStats bucket.Stats

	IdempotenceOK    bool
	IdempotenceDiffs []string
}

// Evaluate runs all gates and sanity checks and assembles the report.
// Cluster order in the report follows cluster id.
func Evaluate(in Inputs) *models.QualityReport {
	clusters := make([]*models.Cluster, len(in.Clusters))
	copy(clusters, in.Clusters)
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ClusterID < clusters[j].ClusterID })

	report := &models.QualityReport{IdempotenceOK: in.IdempotenceOK}
	for _, c := range clusters {
		report.Clusters = append(report.Clusters, evaluateCluster(c, in))
	}
	report.SanityErrors = append(report.SanityErrors, structuralSanity(clusters, in.Manifests)...)
	report.SanityErrors = append(report.SanityErrors, runSanity(in.Totals, in.BucketStats)...)
	report.SanityErrors = append(report.SanityErrors, in.IdempotenceDiffs...)

	passed, failed := 0, 0
	for _, g := range report.Clusters {
		if g.Passed() {
			passed++
		} else {
			failed++
		}
	}
	log.Info().
		Int("clusters", len(report.Clusters)).
		Int("passed", passed).
		Int("failed", failed).
		Int("sanityErrors", len(report.SanityErrors)).
		Bool("idempotenceOK", report.IdempotenceOK).
		Msg("Quality gates evaluated")

	return report
}

func evaluateCluster(c *models.Cluster, in Inputs) models.ClusterGates {
	manifest := in.Manifests[c.ClusterID]
	bundle := in.Bundles[c.ClusterID]

	gates := models.ClusterGates{ClusterID: c.ClusterID}
	if bundle != nil {
		gates.SkillName = bundle.SkillName
	}

	gates.ActivationClarity = checkActivation(manifest, bundle, &gates)
	gates.ProgressiveDisclosure = checkDisclosure(bundle, &gates)
	gates.NoGenericFiller = checkFiller(bundle, &gates)
	gates.RiskGuidance = checkRisk(c, bundle, in.Cards, &gates)
	gates.Traceability = checkTraceability(manifest, bundle, in.HasExtraction, &gates)
	return gates
}

// checkActivation requires a non-empty trigger-phrase set on the
// manifest; when a bundle exists its description must also say enough
// to activate on.
func checkActivation(manifest *models.ClusterManifest, bundle *models.SkillBundle, gates *models.ClusterGates) bool {
	if manifest == nil {
		gates.Details = append(gates.Details, "activation: no manifest")
		return false
	}
	ok := true
	if len(manifest.TopPhrases) == 0 {
		gates.Details = append(gates.Details, "activation: manifest has no trigger phrases")
		ok = false
	}
	if bundle != nil {
		desc := strings.TrimSpace(bundle.Description)
		if len([]rune(desc)) < minDescriptionRunes {
			gates.Details = append(gates.Details, "activation: bundle description is boilerplate")
			ok = false
		}
	}
	return ok
}

// checkDisclosure keeps SKILL.md lean and overview-first. Absent bundle
// content has nothing to violate.
func checkDisclosure(bundle *models.SkillBundle, gates *models.ClusterGates) bool {
	if bundle == nil {
		return true
	}
	ok := true
	if len(bundle.SkillMD) > maxSkillMDBytes {
		gates.Details = append(gates.Details,
			fmt.Sprintf("disclosure: SKILL.md is %d bytes, ceiling %d; move deep material to references/",
				len(bundle.SkillMD), maxSkillMDBytes))
		ok = false
	}
	if first := firstContentLine(bundle.SkillMD); !strings.HasPrefix(first, "# ") {
		gates.Details = append(gates.Details, "disclosure: SKILL.md does not open with a title heading")
		ok = false
	}
	return ok
}

// checkFiller flags known filler phrases and near-empty sections in
// generated content.
func checkFiller(bundle *models.SkillBundle, gates *models.ClusterGates) bool {
	if bundle == nil {
		return true
	}
	ok := true
	haystacks := []string{bundle.Description, bundle.SkillMD}
	for _, content := range bundle.ReferencesFiles {
		haystacks = append(haystacks, content)
	}
	for _, h := range haystacks {
		lower := strings.ToLower(h)
		for _, phrase := range fillerPhrases {
			if strings.Contains(lower, phrase) {
				gates.Details = append(gates.Details, fmt.Sprintf("filler: contains %q", phrase))
				ok = false
			}
		}
	}
	for _, section := range emptySections(bundle.SkillMD) {
		gates.Details = append(gates.Details, fmt.Sprintf("filler: near-empty section %q", section))
		ok = false
	}
	return ok
}

// checkRisk demands a warnings or caveats section whenever any member
// carries the high risk tag. A risk-tagged cluster without a bundle
// fails: the guidance does not exist.
func checkRisk(c *models.Cluster, bundle *models.SkillBundle, cards map[string]*models.DocCard, gates *models.ClusterGates) bool {
	risky := false
	for _, docID := range c.MemberDocIDs {
		if dc := cards[docID]; dc != nil && dc.Tags.Risk == riskTag {
			risky = true
			break
		}
	}
	if !risky {
		return true
	}
	if bundle == nil {
		gates.Details = append(gates.Details, "risk: high-risk cluster has no bundle with guidance")
		return false
	}
	if !riskHeadingRe.MatchString(bundle.SkillMD) {
		gates.Details = append(gates.Details, "risk: high-risk cluster lacks a warnings/caveats section")
		return false
	}
	return true
}

// checkTraceability verifies representatives are members with resolvable
// extraction records, and that bundle traceability covers them.
func checkTraceability(manifest *models.ClusterManifest, bundle *models.SkillBundle, hasExtraction func(string) bool, gates *models.ClusterGates) bool {
	if manifest == nil {
		gates.Details = append(gates.Details, "trace: no manifest")
		return false
	}
	ok := true
	members := make(map[string]bool, len(manifest.MemberDocIDs))
	for _, id := range manifest.MemberDocIDs {
		members[id] = true
	}
	for _, rep := range manifest.Representatives {
		if !members[rep] {
			gates.Details = append(gates.Details, fmt.Sprintf("trace: representative %s is not a member", rep))
			ok = false
		}
		if hasExtraction != nil && !hasExtraction(rep) {
			gates.Details = append(gates.Details, fmt.Sprintf("trace: representative %s has no extraction record", rep))
			ok = false
		}
	}
	if bundle != nil {
		sources := make(map[string]bool, len(bundle.Traceability.SourceDocIDs))
		for _, id := range bundle.Traceability.SourceDocIDs {
			sources[id] = true
			if hasExtraction != nil && !hasExtraction(id) {
				gates.Details = append(gates.Details, fmt.Sprintf("trace: source %s has no extraction record", id))
				ok = false
			}
		}
		for _, rep := range manifest.Representatives {
			if !sources[rep] {
				gates.Details = append(gates.Details, fmt.Sprintf("trace: representative %s missing from traceability", rep))
				ok = false
			}
		}
	}
	return ok
}

// structuralSanity checks cross-cluster invariants over the final set.
func structuralSanity(clusters []*models.Cluster, manifests map[string]*models.ClusterManifest) []string {
	var errs []string
	claimed := make(map[string]string)
	known := make(map[string]bool, len(clusters))

	for _, c := range clusters {
		known[c.ClusterID] = true
		if len(c.MemberDocIDs) == 0 {
			errs = append(errs, fmt.Sprintf("cluster %s has no members", c.ClusterID))
		}
		for _, docID := range c.MemberDocIDs {
			if prev, dup := claimed[docID]; dup {
				errs = append(errs, fmt.Sprintf("document %s claimed by clusters %s and %s", docID, prev, c.ClusterID))
				continue
			}
			claimed[docID] = c.ClusterID
		}
		if manifests[c.ClusterID] == nil {
			errs = append(errs, fmt.Sprintf("cluster %s has no manifest", c.ClusterID))
		}
	}

	ids := make([]string, 0, len(manifests))
	for id := range manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !known[id] {
			errs = append(errs, fmt.Sprintf("manifest %s has no cluster", id))
		}
	}
	return errs
}

// runSanity checks run-level shares against their ceilings.
func runSanity(totals models.RunTotals, stats bucket.Stats) []string {
	var errs []string
	if totals.DocsScanned > 0 && totals.DocsParsed == 0 && totals.DocsUnchanged == 0 {
		errs = append(errs, fmt.Sprintf("parsed zero of %d scanned documents", totals.DocsScanned))
	}
	if totals.DocsScanned > 0 {
		if share := float64(totals.DocsExcluded) / float64(totals.DocsScanned); share > maxExcludedShare {
			errs = append(errs, fmt.Sprintf("excluded share %.2f exceeds %.2f", share, maxExcludedShare))
		}
	}
	if share := stats.UnknownShare(); share > maxUnknownShare {
		errs = append(errs, fmt.Sprintf("unknown bucket share %.2f exceeds %.2f", share, maxUnknownShare))
	}
	return errs
}

// CheckIdempotence rebuilds cards for a sample of documents and compares
// bytes against the stored pre-enrichment cards. Any diff is an
// idempotence violation.
func CheckIdempotence(builder *card.Builder, records []*models.ExtractionRecord, stored map[string]*models.DocCard, sampleSize int) (bool, []string) {
	if sampleSize <= 0 {
		sampleSize = 5
	}

	sample := make([]*models.ExtractionRecord, len(records))
	copy(sample, records)
	sort.Slice(sample, func(i, j int) bool { return sample[i].DocID < sample[j].DocID })
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	var diffs []string
	for _, rec := range sample {
		prev, ok := stored[rec.DocID]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("idempotence: no stored card for %s", rec.DocID))
			continue
		}
		rebuilt := builder.Build(rec)
		prevJSON, err := json.Marshal(prev)
		if err != nil {
			diffs = append(diffs, fmt.Sprintf("idempotence: marshal stored card %s: %v", rec.DocID, err))
			continue
		}
		rebuiltJSON, err := json.Marshal(rebuilt)
		if err != nil {
			diffs = append(diffs, fmt.Sprintf("idempotence: marshal rebuilt card %s: %v", rec.DocID, err))
			continue
		}
		if !bytes.Equal(prevJSON, rebuiltJSON) {
			diffs = append(diffs, fmt.Sprintf("idempotence: card bytes differ for %s", rec.DocID))
		}
	}
	return len(diffs) == 0, diffs
}

// firstContentLine returns the first non-blank line after an optional
// YAML frontmatter block.
func firstContentLine(s string) string {
	lines := strings.Split(s, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "---" {
		for i++; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == "---" {
				i++
				break
			}
		}
	}
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// emptySections returns headings with no content before the next heading.
func emptySections(md string) []string {
	var sections []string
	lines := strings.Split(md, "\n")
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "## ") {
			continue
		}
		empty := true
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], "#") {
				break
			}
			if strings.TrimSpace(lines[j]) != "" {
				empty = false
				break
			}
		}
		if empty {
			sections = append(sections, strings.TrimPrefix(lines[i], "## "))
		}
	}
	return sections
}
