// Package models contains domain models for skill-mill.
package models

// Phase names, in pipeline order.
const (
	PhaseScan            = "scan"
	PhaseParse           = "parse"
	PhaseCard            = "card"
	PhaseEnrich          = "enrich"
	PhaseBucket          = "bucket"
	PhaseCluster         = "cluster"
	PhaseAudit           = "audit"
	PhaseRepresentatives = "representatives"
	PhaseQuality         = "quality"
	PhaseSynthesize      = "synthesize"
)

// RunTotals aggregates counters across a pipeline run.
type RunTotals struct {
	DocsScanned     int `json:"docs_scanned"`
	DocsUnchanged   int `json:"docs_unchanged"`
	DocsParsed      int `json:"docs_parsed"`
	DocsExcluded    int `json:"docs_excluded"`
	ParseWarnings   int `json:"parse_warnings"`
	CardsBuilt      int `json:"cards_built"`
	CardsEnriched   int `json:"cards_enriched"`
	OracleCalls     int `json:"oracle_calls"`
	OracleFailures  int `json:"oracle_failures"`
	Buckets         int `json:"buckets"`
	ClustersCreated int `json:"clusters_created"`
	ClustersMerged  int `json:"clusters_merged"`
	ClustersSplit   int `json:"clusters_split"`
	DirtyClusters   int `json:"dirty_clusters"`
	Manifests       int `json:"manifests"`
	BundlesWritten  int `json:"bundles_written"`
	GatesPassed     int `json:"gates_passed"`
	GatesFailed     int `json:"gates_failed"`
}

// PhaseResult records the outcome of one pipeline phase.
type PhaseResult struct {
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RunSummary is the per-run report written at the end of a pipeline run.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  string        `json:"started_at"`
	FinishedAt string        `json:"finished_at,omitempty"`
	Phases     []PhaseResult `json:"phases"`
	Totals     RunTotals     `json:"totals"`
	Error      string        `json:"error,omitempty"`
}

// ProgressEvent is broadcast to audit clients while a run is in flight.
type ProgressEvent struct {
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// ClusterGates holds the pass/fail quality flags for one cluster/skill.
type ClusterGates struct {
	ClusterID             string   `json:"cluster_id"`
	SkillName             string   `json:"skill_name,omitempty"`
	ActivationClarity     bool     `json:"activation_clarity"`
	ProgressiveDisclosure bool     `json:"progressive_disclosure"`
	NoGenericFiller       bool     `json:"no_generic_filler"`
	RiskGuidance          bool     `json:"risk_guidance"`
	Traceability          bool     `json:"traceability"`
	Details               []string `json:"details,omitempty"`
}

// Passed reports whether every gate passed.
func (g ClusterGates) Passed() bool {
	return g.ActivationClarity && g.ProgressiveDisclosure && g.NoGenericFiller &&
		g.RiskGuidance && g.Traceability
}

// QualityReport is the per-run quality gate report over all clusters.
type QualityReport struct {
	Clusters      []ClusterGates `json:"clusters"`
	SanityErrors  []string       `json:"sanity_errors,omitempty"`
	IdempotenceOK bool           `json:"idempotence_ok"`
}
