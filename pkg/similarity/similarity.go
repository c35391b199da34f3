// Package similarity provides term-set similarity primitives for clustering.
package similarity

import "strings"

// TermSet is a set of normalized terms used for similarity comparison.
type TermSet map[string]bool

// NewTermSet builds a term set from already-normalized items (e.g. card tags).
// Empty items are skipped.
func NewTermSet(items ...string) TermSet {
	set := make(TermSet, len(items))
	for _, item := range items {
		if item != "" {
			set[strings.ToLower(item)] = true
		}
	}
	return set
}

// Tokenize extracts meaningful terms from free text.
func Tokenize(text string) TermSet {
	terms := make(TermSet)
	AddTerms(terms, text)
	return terms
}

// AddTerms tokenizes text and adds meaningful terms to the set.
// Splits on non-alphanumeric, drops short words and stop words.
func AddTerms(terms TermSet, text string) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})

	for _, word := range words {
		if len(word) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 TermSet) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// OverlapCoefficient calculates token overlap as intersection over the
// smaller set. Less strict than Jaccard for sets of very different sizes,
// which suits short trigger summaries compared against cluster phrases.
func OverlapCoefficient(set1, set2 TermSet) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	smaller := len(set1)
	if len(set2) < smaller {
		smaller = len(set2)
	}

	return float64(intersection) / float64(smaller)
}
