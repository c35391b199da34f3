// Package redact removes operator-marked private content from documents.
package redact

import (
	"regexp"
	"strings"
)

var (
	// privateSpanRegex matches <private>...</private> spans
	privateSpanRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// templateCommentRegex matches <!-- ... --> template instructions
	templateCommentRegex = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// StripPrivateSpans removes all <private>...</private> content from text.
func StripPrivateSpans(text string) string {
	return privateSpanRegex.ReplaceAllString(text, "")
}

// StripTemplateComments removes all <!-- ... --> content from text.
// Report templates carry fill-in instructions in HTML comments; those are
// boilerplate, not content.
func StripTemplateComments(text string) string {
	return templateCommentRegex.ReplaceAllString(text, "")
}

// StripAll removes both private spans and template comments.
func StripAll(text string) string {
	text = StripPrivateSpans(text)
	text = StripTemplateComments(text)
	return text
}

// IsEntirelyPrivate checks if the text is entirely within <private> spans.
func IsEntirelyPrivate(text string) bool {
	stripped := StripPrivateSpans(text)
	return strings.TrimSpace(stripped) == ""
}

// Clean performs full redaction on text.
// This is the main function to use before any text leaves the process or
// enters an index.
func Clean(text string) string {
	text = StripAll(text)
	return strings.TrimSpace(text)
}
