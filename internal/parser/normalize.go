package parser

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	tagWhitespaceRegex = regexp.MustCompile(`\s+`)
	tagStripRegex      = regexp.MustCompile(`[^\w\-]`)
	tagSplitRegex      = regexp.MustCompile(`[,;]`)
)

// NormalizeTag lowercases a tag and collapses it to dash-separated form.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = tagWhitespaceRegex.ReplaceAllString(tag, "-")
	tag = tagStripRegex.ReplaceAllString(tag, "")
	return tag
}

// Dedupe removes duplicate strings case-insensitively, preserving the first
// occurrence and its original order.
func Dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if !seen[key] {
			seen[key] = true
			result = append(result, item)
		}
	}
	return result
}

// splitTags splits a raw tag field on commas and semicolons, normalizing
// each entry and dropping empties.
func splitTags(raw string) []string {
	parts := tagSplitRegex.Split(raw, -1)
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		tags = append(tags, NormalizeTag(p))
	}
	return tags
}

// DocID derives a stable document identifier from the source filename stem
// and the first 8 hex characters of the content's MD5.
func DocID(sourcePath, content string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	sum := md5.Sum([]byte(content))
	return stem + "_" + hex.EncodeToString(sum[:])[:8]
}

// contentHash returns the full MD5 hex of a code block body, used to
// deduplicate blocks found in both a section and the whole document.
func contentHash(code string) string {
	sum := md5.Sum([]byte(code))
	return hex.EncodeToString(sum[:])
}
