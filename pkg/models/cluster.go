// Package models contains domain models for skill-mill.
package models

// ClusterSignature is the incrementally maintained summary of a cluster,
// used for affinity scoring without rescanning members.
type ClusterSignature struct {
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"representative_tags,omitempty"`
	TriggerPhrases []string `json:"representative_trigger_phrases,omitempty"`
}

// Cluster is a group of documents judged similar enough to become one skill.
// Membership grows monotonically during clustering; merges and splits in the
// auditor re-key identity but never erase provenance.
type Cluster struct {
	ClusterID    string           `json:"cluster_id"`
	BucketKey    string           `json:"bucket_key,omitempty"`
	MemberDocIDs []string         `json:"member_doc_ids"`
	Signature    ClusterSignature `json:"signature"`
	Confidence   float64          `json:"confidence"`
	Singleton    bool             `json:"singleton,omitempty"`

	// Provenance, set by the auditor.
	IsMerged       bool     `json:"is_merged,omitempty"`
	SourceClusters []string `json:"source_clusters,omitempty"`
	SourceBuckets  []string `json:"source_buckets,omitempty"`
	SplitFrom      string   `json:"split_from,omitempty"`
}

// MemberCount returns the number of member documents.
func (c *Cluster) MemberCount() int { return len(c.MemberDocIDs) }

// ClusterManifest is the finalized, serializable view of a cluster handed
// to the synthesis oracle and audit tooling.
type ClusterManifest struct {
	ClusterID       string   `json:"cluster_id"`
	MemberDocIDs    []string `json:"member_doc_ids"`
	TopTags         []string `json:"top_shared_tags,omitempty"`
	TopPhrases      []string `json:"top_shared_trigger_phrases,omitempty"`
	Representatives []string `json:"representatives"`
	Confidence      float64  `json:"confidence"`
}
