package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercase passthrough", input: "billing", expected: "billing"},
		{name: "uppercase folded", input: "Python", expected: "python"},
		{name: "spaces become dashes", input: "data analysis", expected: "data-analysis"},
		{name: "surrounding whitespace trimmed", input: "  etl  ", expected: "etl"},
		{name: "punctuation stripped", input: "c++ (modern)", expected: "c-modern"},
		{name: "multiple spaces collapse", input: "api   development", expected: "api-development"},
		{name: "existing dashes kept", input: "ci-cd", expected: "ci-cd"},
		{name: "empty stays empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTag(tt.input))
		})
	}
}

func TestDedupe(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "exact duplicates removed",
			input:    []string{"go", "python", "go"},
			expected: []string{"go", "python"},
		},
		{
			name:     "case-insensitive with first kept",
			input:    []string{"Go", "go", "GO"},
			expected: []string{"Go"},
		},
		{
			name:     "order preserved",
			input:    []string{"c", "b", "a", "b"},
			expected: []string{"c", "b", "a"},
		},
		{
			name:     "empty input",
			input:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Dedupe(tt.input))
		})
	}
}

func TestSplitTags(t *testing.T) {
	assert.Equal(t, []string{"python", "java-script"}, splitTags("Python, Java Script"))
	assert.Equal(t, []string{"a", "b", "c"}, splitTags("a; b, c"))
	assert.Empty(t, splitTags("   "))
}

func TestDocID(t *testing.T) {
	// md5("abc") = 900150983cd24fb0...
	id := DocID("/corpus/report.md", "abc")
	assert.Equal(t, "report_90015098", id)

	// Same content, same id regardless of directory
	assert.Equal(t, id, DocID("/elsewhere/report.md", "abc"))

	// Different content, different id
	assert.NotEqual(t, id, DocID("/corpus/report.md", "abcd"))
}
