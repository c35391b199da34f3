package enrich

import (
	"context"
	"sort"
	"strings"

	"github.com/Yehonatan-Bar/skill-mill/internal/parser"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Oracle infers missing classification tags for a batch of cards.
// Implementations may return fewer responses than requests, and a
// response may fill fewer tags than asked for; neither is an error.
type Oracle interface {
	Name() string
	Enrich(ctx context.Context, reqs []models.EnrichmentRequest) ([]models.EnrichmentResponse, error)
}

const heuristicConfidence = 0.5

// maxHeuristicTags bounds how many tags the heuristic assigns per facet
// so a wordy trigger cannot spray a card across buckets.
const maxHeuristicTags = 2

// HeuristicOracle is a local, deterministic oracle that matches trigger
// text and keywords against the tag vocabularies. It is the default when
// no external oracle is wired and doubles as the offline fallback.
type HeuristicOracle struct {
	domains  []string
	patterns []string
}

// NewHeuristicOracle builds an oracle over the given vocabularies. The
// lists are copied and sorted so matching order is stable.
func NewHeuristicOracle(domains, patterns []string) *HeuristicOracle {
	o := &HeuristicOracle{
		domains:  append([]string(nil), domains...),
		patterns: append([]string(nil), patterns...),
	}
	sort.Strings(o.domains)
	sort.Strings(o.patterns)
	return o
}

// Name implements Oracle.
func (o *HeuristicOracle) Name() string { return "heuristic" }

// Enrich implements Oracle. Every request gets a response; requests with
// no vocabulary match get an empty tag set at zero confidence.
func (o *HeuristicOracle) Enrich(ctx context.Context, reqs []models.EnrichmentRequest) ([]models.EnrichmentResponse, error) {
	resps := make([]models.EnrichmentResponse, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words := requestWords(req)
		resp := models.EnrichmentResponse{
			DocID: req.DocID,
			Tags: models.CardTags{
				Domains:  matchVocabulary(o.domains, words),
				Patterns: matchVocabulary(o.patterns, words),
			},
		}
		if len(resp.Tags.Domains) > 0 || len(resp.Tags.Patterns) > 0 {
			resp.Confidence = heuristicConfidence
		}
		resps = append(resps, resp)
	}
	return resps, nil
}

// requestWords collects the searchable words of a request: trigger text,
// keywords, and any tags already present.
func requestWords(req models.EnrichmentRequest) map[string]struct{} {
	words := make(map[string]struct{})
	add := func(text string) {
		for _, w := range splitWords(text) {
			words[w] = struct{}{}
		}
	}
	add(req.TriggerSummary)
	for _, kw := range req.Keywords {
		add(kw)
	}
	for _, tag := range req.PartialTags.All() {
		add(tag)
	}
	return words
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// matchVocabulary returns the vocabulary tags whose dash-separated parts
// all appear as words, capped at maxHeuristicTags.
func matchVocabulary(vocab []string, words map[string]struct{}) []string {
	var out []string
	for _, tag := range vocab {
		if len(out) == maxHeuristicTags {
			break
		}
		if tagMatches(tag, words) {
			out = append(out, parser.NormalizeTag(tag))
		}
	}
	return out
}

func tagMatches(tag string, words map[string]struct{}) bool {
	parts := strings.Split(tag, "-")
	for _, part := range parts {
		if _, ok := words[part]; !ok {
			return false
		}
	}
	return len(parts) > 0
}
