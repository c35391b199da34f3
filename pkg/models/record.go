// Package models contains domain models for skill-mill.
package models

// Format identifies the detected layout variant of a task report.
type Format string

const (
	// FormatFull is the multi-section report with lettered sections A-J.
	FormatFull Format = "full"
	// FormatQuick is the abbreviated single-page capture form.
	FormatQuick Format = "quick"
	// FormatLegacy is the older task-doc form with bullet metadata.
	FormatLegacy Format = "legacy"
)

// Metadata holds header fields extracted from a task report.
type Metadata struct {
	Date       string `json:"date,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	TaskType   string `json:"task_type,omitempty"`
	Domain     string `json:"domain,omitempty"`
	Complexity string `json:"complexity,omitempty"`
	TimeSpent  string `json:"time_spent,omitempty"`
	RepoBranch string `json:"repo_branch,omitempty"`
}

// Trigger describes what prompted the documented task.
type Trigger struct {
	WhatTriggered  string   `json:"what_triggered,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ContextMarkers []string `json:"context_markers,omitempty"`
	DraftTrigger   string   `json:"draft_trigger,omitempty"`
}

// ContextInputs captures the problem framing sections of a report.
type ContextInputs struct {
	ProblemStatement string   `json:"problem_statement,omitempty"`
	StartingState    string   `json:"starting_state,omitempty"`
	Environment      string   `json:"environment,omitempty"`
	Constraints      string   `json:"constraints,omitempty"`
	Objective        string   `json:"objective,omitempty"`
	Requirements     string   `json:"requirements,omitempty"`
	SuccessCriteria  []string `json:"success_criteria,omitempty"`
}

// WorkflowStep is one entry in the detailed step log.
type WorkflowStep struct {
	Step     int    `json:"step"`
	Action   string `json:"action,omitempty"`
	ToolUsed string `json:"tool_used,omitempty"`
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// DecisionPoint records a choice made during the workflow.
type DecisionPoint struct {
	Decision  string `json:"decision,omitempty"`
	Options   string `json:"options,omitempty"`
	Choice    string `json:"choice,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Workflow holds the ordered work narrative of a report.
type Workflow struct {
	Type           string          `json:"type,omitempty"`
	HighLevelSteps []string        `json:"high_level_steps,omitempty"`
	DetailedSteps  []WorkflowStep  `json:"detailed_steps,omitempty"`
	Decisions      []DecisionPoint `json:"decisions,omitempty"`
}

// KnowledgeSource is one referenced source of knowledge.
type KnowledgeSource struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Knowledge aggregates the knowledge-accessed section.
type Knowledge struct {
	Sources  []KnowledgeSource `json:"sources,omitempty"`
	Database string            `json:"db_knowledge,omitempty"`
	API      string            `json:"api_knowledge,omitempty"`
	Codebase string            `json:"codebase_knowledge,omitempty"`
	Notes    string            `json:"notes,omitempty"`
}

// CodeBlock is a fenced code block captured from a report.
type CodeBlock struct {
	Language  string `json:"language,omitempty"`
	Code      string `json:"code"`
	Heading   string `json:"heading,omitempty"`
	ReuseFlag bool   `json:"reuse_flag"`
	Notes     string `json:"notes,omitempty"`
}

// Artifact describes a produced or modified file.
type Artifact struct {
	Name              string `json:"name"`
	Kind              string `json:"kind,omitempty"`
	PathHint          string `json:"path_hint,omitempty"`
	TemplatePotential bool   `json:"template_potential"`
	Notes             string `json:"notes,omitempty"`
}

// Issue is one problem/cause/fix entry.
type Issue struct {
	Symptom    string   `json:"symptom"`
	Cause      string   `json:"cause,omitempty"`
	Fix        string   `json:"fix,omitempty"`
	Prevention string   `json:"prevention,omitempty"`
	References []string `json:"references,omitempty"`
}

// VerificationCheck is a single test-and-result pair.
type VerificationCheck struct {
	Test   string `json:"test"`
	Result string `json:"result,omitempty"`
}

// SuccessCriterion is a checklist entry with its met state.
type SuccessCriterion struct {
	Criterion string `json:"criterion"`
	Met       bool   `json:"met"`
}

// Verification holds the validation section of a report.
type Verification struct {
	Checks          []VerificationCheck `json:"checks,omitempty"`
	Results         []string            `json:"results,omitempty"`
	SuccessCriteria []SuccessCriterion  `json:"success_criteria,omitempty"`
}

// ScoreSet holds the per-dimension reusability scores (0-10 each).
type ScoreSet struct {
	Frequency     int `json:"frequency,omitempty"`
	Consistency   int `json:"consistency,omitempty"`
	Complexity    int `json:"complexity,omitempty"`
	Codifiability int `json:"codifiability,omitempty"`
	Toolability   int `json:"toolability,omitempty"`
}

// SkillAssessment holds the reusability self-assessment of a report.
type SkillAssessment struct {
	Scores   ScoreSet `json:"scores"`
	Total    int      `json:"total,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// TagSet holds the classification facets of a report.
type TagSet struct {
	Languages  []string `json:"languages,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Domains    []string `json:"domains,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
	Services   []string `json:"services,omitempty"`
	Risk       string   `json:"risk,omitempty"`
}

// ExtractionRecord is the canonical record produced for one source document.
// Every field either holds parsed data or its empty form plus a matching
// entry in ParseWarnings; a malformed section never fails the document.
type ExtractionRecord struct {
	DocID          string            `json:"doc_id"`
	SourcePath     string            `json:"source_path"`
	FormatDetected Format            `json:"format_detected"`
	Metadata       Metadata          `json:"metadata"`
	Trigger        Trigger           `json:"trigger"`
	Context        ContextInputs     `json:"context"`
	Workflow       Workflow          `json:"workflow"`
	Knowledge      Knowledge         `json:"knowledge_accessed"`
	CodeBlocks     []CodeBlock       `json:"code_blocks,omitempty"`
	Artifacts      []Artifact        `json:"artifacts,omitempty"`
	Issues         []Issue           `json:"issues,omitempty"`
	Verification   Verification      `json:"verification"`
	Assessment     SkillAssessment   `json:"skill_assessment"`
	Tags           TagSet            `json:"tags"`
	RawSections    map[string]string `json:"raw_sections,omitempty"`
	ParseWarnings  []string          `json:"parse_warnings,omitempty"`
}

// CorpusEntry is one row of the corpus manifest consumed by the change tracker.
type CorpusEntry struct {
	DocID        string `json:"doc_id"`
	Path         string `json:"path"`
	LastModified string `json:"last_modified"`
	ContentHash  string `json:"content_hash"`
}
