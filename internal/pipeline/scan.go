package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/internal/redact"
	"github.com/Yehonatan-Bar/skill-mill/internal/tracker"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Document is one admitted corpus file: its manifest entry plus the
// redacted content handed to the parser.
type Document struct {
	Entry   models.CorpusEntry
	Content string
}

// ScanResult is the outcome of one corpus scan.
type ScanResult struct {
	Docs     []Document
	Manifest []models.CorpusEntry
	Excluded int
}

// scanCorpus walks the corpus directory and admits every file whose name
// matches the corpus glob. Files that are unreadable, not valid UTF-8,
// or left empty by redaction are excluded with a logged reason. Private
// spans and template comments are stripped here, before any content
// enters the pipeline; the manifest content hash still covers the raw
// bytes so an edit inside a private span is detected as a change.
func scanCorpus(cfg *config.Config) (*ScanResult, error) {
	root := cfg.CorpusPath()
	result := &ScanResult{}
	seen := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		match, err := filepath.Match(cfg.CorpusGlob, d.Name())
		if err != nil {
			return fmt.Errorf("corpus glob %q: %w", cfg.CorpusGlob, err)
		}
		if !match {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			result.Excluded++
			log.Warn().Err(err).Str("path", path).Msg("Document unreadable, excluded")
			return nil
		}
		if !utf8.Valid(raw) {
			result.Excluded++
			log.Warn().Str("path", path).Msg("Document is not valid UTF-8, excluded")
			return nil
		}
		if redact.IsEntirelyPrivate(string(raw)) {
			result.Excluded++
			log.Warn().Str("path", path).Msg("Document is entirely private, excluded")
			return nil
		}
		content := redact.Clean(string(raw))
		if content == "" {
			result.Excluded++
			log.Warn().Str("path", path).Msg("Document empty after redaction, excluded")
			return nil
		}

		rel, err := filepath.Rel(cfg.Root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		docID := parser.DocID(rel, content)
		if first, dup := seen[docID]; dup {
			result.Excluded++
			log.Warn().Str("path", path).Str("docID", docID).Str("first", first).
				Msg("Duplicate document id, excluded")
			return nil
		}
		seen[docID] = rel

		var modified string
		if info, err := d.Info(); err == nil {
			modified = info.ModTime().UTC().Format(time.RFC3339)
		}

		result.Docs = append(result.Docs, Document{
			Entry: models.CorpusEntry{
				DocID:        docID,
				Path:         rel,
				LastModified: modified,
				ContentHash:  tracker.HashBytes(raw),
			},
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan corpus %s: %w", root, err)
	}

	sort.Slice(result.Docs, func(i, j int) bool {
		return result.Docs[i].Entry.DocID < result.Docs[j].Entry.DocID
	})
	result.Manifest = make([]models.CorpusEntry, 0, len(result.Docs))
	for _, doc := range result.Docs {
		result.Manifest = append(result.Manifest, doc.Entry)
	}

	log.Info().
		Int("documents", len(result.Docs)).
		Int("excluded", result.Excluded).
		Str("dir", root).
		Msg("Corpus scan complete")
	return result, nil
}
