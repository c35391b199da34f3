// Package models contains domain models for skill-mill.
package models

// EnrichmentRequest carries the card fields an oracle needs to infer
// missing classification tags.
type EnrichmentRequest struct {
	DocID          string   `json:"doc_id"`
	TriggerSummary string   `json:"trigger_summary,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	PartialTags    CardTags `json:"partial_tags"`
}

// EnrichmentResponse is the oracle's best-guess tag set for one card.
// A response filling fewer tags than requested is valid.
type EnrichmentResponse struct {
	DocID      string   `json:"doc_id"`
	Tags       CardTags `json:"tags"`
	Confidence float64  `json:"confidence"`
}
