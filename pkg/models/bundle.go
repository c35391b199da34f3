// Package models contains domain models for skill-mill.
package models

// Traceability links a synthesized bundle back to its source documents.
type Traceability struct {
	SourceDocIDs   []string            `json:"source_doc_ids"`
	SectionSources map[string][]string `json:"section_sources,omitempty"`
}

// SkillBundle is the content bundle returned by the synthesis oracle
// for one cluster manifest.
type SkillBundle struct {
	SkillName       string            `json:"skill_name"`
	Description     string            `json:"description"`
	SkillMD         string            `json:"skill_md"`
	ReferencesFiles map[string]string `json:"references_files,omitempty"`
	ScriptsFiles    map[string]string `json:"scripts_files,omitempty"`
	AssetsFiles     map[string]string `json:"assets_files,omitempty"`
	Traceability    Traceability      `json:"traceability"`
}
