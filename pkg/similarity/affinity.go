// Package similarity provides term-set similarity primitives for clustering.
package similarity

import "sort"

// Weights blends tag similarity and trigger-token overlap into one
// affinity score. Tags carry more signal than free-text triggers.
type Weights struct {
	Tags    float64
	Trigger float64
}

// DefaultWeights returns the standard 0.7/0.3 tag/trigger blend.
func DefaultWeights() Weights {
	return Weights{Tags: 0.7, Trigger: 0.3}
}

// Affinity scores a document's tags and trigger tokens against a cluster
// signature. Result is in [0, 1] for weights summing to 1.
func Affinity(docTags, sigTags, docTrigger, sigTrigger TermSet, w Weights) float64 {
	return w.Tags*JaccardSimilarity(docTags, sigTags) +
		w.Trigger*OverlapCoefficient(docTrigger, sigTrigger)
}

// CountTerms tallies occurrences across item lists.
func CountTerms(counts map[string]int, items []string) {
	for _, item := range items {
		if item != "" {
			counts[item]++
		}
	}
}

// TopK returns the k most frequent terms, most frequent first.
// Ties break lexicographically so the result is deterministic.
func TopK(counts map[string]int, k int) []string {
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}
