// Package synth is the boundary to the skill synthesis oracle. It walks
// the finalized cluster manifests, asks the oracle for one skill bundle
// per cluster, and lays every bundle out as a skill folder. Oracle
// failures degrade the cluster to finalized-without-a-bundle; they never
// fail the run.
package synth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const backoffMultiplier = 2.0

const (
	skillMDFile      = "SKILL.md"
	traceabilityFile = "traceability.json"
)

// Stats summarizes one synthesis pass for the run report.
type Stats struct {
	Clusters       int `json:"clusters"`
	OracleCalls    int `json:"oracle_calls"`
	Failures       int `json:"oracle_failures"`
	Skipped        int `json:"skipped"`
	BundlesWritten int `json:"bundles_written"`
}

// RecordLoader resolves the extraction record for one document. A nil
// record with a nil error means the extraction is gone and the document
// is dropped from the oracle input.
type RecordLoader func(docID string) (*models.ExtractionRecord, error)

// Synthesizer drives the oracle across finalized clusters and writes
// the resulting skill folders.
type Synthesizer struct {
	oracle Oracle
	cfg    config.Synthesis
	dir    string
}

// New builds a synthesizer that writes skill folders under dir.
func New(oracle Oracle, cfg config.Synthesis, dir string) *Synthesizer {
	return &Synthesizer{oracle: oracle, cfg: cfg, dir: dir}
}

// Run synthesizes one bundle per manifest in cluster id order. The
// returned map is keyed by cluster id and holds only the bundles that
// made it to disk. Write errors abort the pass; oracle errors are
// counted and the cluster is left without a bundle.
func (s *Synthesizer) Run(ctx context.Context, manifests []*models.ClusterManifest, load RecordLoader) (map[string]*models.SkillBundle, Stats, error) {
	var stats Stats
	bundles := make(map[string]*models.SkillBundle)
	if !s.cfg.Enabled {
		log.Info().Msg("Synthesis disabled, clusters stay finalized without bundles")
		return bundles, stats, nil
	}

	ordered := append([]*models.ClusterManifest(nil), manifests...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClusterID < ordered[j].ClusterID })
	if s.cfg.MaxClusters > 0 && len(ordered) > s.cfg.MaxClusters {
		log.Info().
			Int("clusters", len(ordered)).
			Int("cap", s.cfg.MaxClusters).
			Msg("Synthesis capped, lowest cluster ids run first")
		ordered = ordered[:s.cfg.MaxClusters]
	}

	taken := make(map[string]string, len(ordered))
	for _, m := range ordered {
		if ctx.Err() != nil {
			return bundles, stats, ctx.Err()
		}
		stats.Clusters++

		records, err := s.loadRecords(m, load)
		if err != nil {
			return bundles, stats, err
		}
		if len(records) == 0 {
			stats.Skipped++
			log.Warn().
				Str("clusterID", m.ClusterID).
				Msg("No extraction records for cluster, synthesis skipped")
			continue
		}

		stats.OracleCalls++
		bundle, err := s.callOracle(ctx, m, records)
		if err != nil {
			if ctx.Err() != nil {
				return bundles, stats, ctx.Err()
			}
			stats.Failures++
			log.Warn().Err(err).
				Str("clusterID", m.ClusterID).
				Str("oracle", s.oracle.Name()).
				Msg("Synthesis failed, cluster stays finalized without a bundle")
			continue
		}

		s.normalize(bundle, m, taken)
		taken[bundle.SkillName] = m.ClusterID

		if err := s.writeBundle(bundle); err != nil {
			return bundles, stats, fmt.Errorf("write bundle for %s: %w", m.ClusterID, err)
		}
		bundles[m.ClusterID] = bundle
		stats.BundlesWritten++
		log.Debug().
			Str("clusterID", m.ClusterID).
			Str("skill", bundle.SkillName).
			Msg("Skill bundle written")
	}

	if s.cfg.MaxClusters == 0 || len(manifests) <= s.cfg.MaxClusters {
		s.pruneStale(taken)
	}

	log.Info().
		Int("clusters", stats.Clusters).
		Int("bundles", stats.BundlesWritten).
		Int("failures", stats.Failures).
		Int("skipped", stats.Skipped).
		Str("oracle", s.oracle.Name()).
		Msg("Synthesis pass complete")
	return bundles, stats, nil
}

// pruneStale removes skill folders not produced by this pass, so the
// skills tree always mirrors the current cluster set. A capped pass has
// no claim on the folders it never visited and does not prune.
func (s *Synthesizer) pruneStale(taken map[string]string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", s.dir).Msg("Skill folder prune failed")
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := taken[entry.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("skill", entry.Name()).Msg("Stale skill folder prune failed")
			continue
		}
		log.Debug().Str("skill", entry.Name()).Msg("Stale skill folder removed")
	}
}

// loadRecords resolves the manifest's representatives. Missing
// extractions are logged and dropped; read errors abort.
func (s *Synthesizer) loadRecords(m *models.ClusterManifest, load RecordLoader) ([]*models.ExtractionRecord, error) {
	records := make([]*models.ExtractionRecord, 0, len(m.Representatives))
	for _, docID := range m.Representatives {
		rec, err := load(docID)
		if err != nil {
			return nil, fmt.Errorf("load extraction %s: %w", docID, err)
		}
		if rec == nil {
			log.Debug().
				Str("clusterID", m.ClusterID).
				Str("docID", docID).
				Msg("Representative has no extraction record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// callOracle runs one cluster with timeout and exponential backoff.
func (s *Synthesizer) callOracle(ctx context.Context, m *models.ClusterManifest, records []*models.ExtractionRecord) (*models.SkillBundle, error) {
	backoff := s.cfg.BackoffBase()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
		bundle, err := s.oracle.Synthesize(callCtx, m, records)
		cancel()
		if err == nil {
			if bundle == nil {
				return nil, fmt.Errorf("oracle %s returned no bundle for %s", s.oracle.Name(), m.ClusterID)
			}
			return bundle, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		log.Warn().Err(err).
			Str("clusterID", m.ClusterID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Oracle call failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffMultiplier)
		if limit := s.cfg.BackoffMax(); backoff > limit {
			backoff = limit
		}
	}
	return nil, lastErr
}

// normalize sanitizes the skill name, dedupes it against names already
// claimed this pass, and backfills traceability from the manifest.
func (s *Synthesizer) normalize(b *models.SkillBundle, m *models.ClusterManifest, taken map[string]string) {
	b.SkillName = sanitizeSkillName(b.SkillName)
	if b.SkillName == "" {
		b.SkillName = sanitizeSkillName(m.ClusterID)
	}
	if prev, ok := taken[b.SkillName]; ok {
		base := b.SkillName
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s-%d", base, n)
			if _, clash := taken[candidate]; !clash {
				b.SkillName = candidate
				break
			}
		}
		log.Warn().
			Str("skill", base).
			Str("clusterID", m.ClusterID).
			Str("claimedBy", prev).
			Str("renamedTo", b.SkillName).
			Msg("Skill name collision")
	}
	if len(b.Traceability.SourceDocIDs) == 0 {
		b.Traceability.SourceDocIDs = append([]string(nil), m.Representatives...)
	}
	sort.Strings(b.Traceability.SourceDocIDs)
}

// writeBundle lays the bundle out as a skill folder:
//
//	<skills>/<skill_name>/SKILL.md
//	<skills>/<skill_name>/references/...
//	<skills>/<skill_name>/scripts/...
//	<skills>/<skill_name>/assets/...
//	<skills>/<skill_name>/traceability.json
//
// The folder is replaced wholesale so files from an earlier synthesis
// of the same skill cannot linger.
func (s *Synthesizer) writeBundle(b *models.SkillBundle) error {
	dir := filepath.Join(s.dir, b.SkillName)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, skillMDFile), []byte(b.SkillMD), 0o644); err != nil {
		return err
	}
	for _, group := range []map[string]string{b.ReferencesFiles, b.ScriptsFiles, b.AssetsFiles} {
		for _, rel := range sortedKeys(group) {
			target, ok := safeJoin(dir, rel)
			if !ok {
				log.Warn().
					Str("skill", b.SkillName).
					Str("path", rel).
					Msg("Bundle file path escapes the skill folder, dropped")
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(group[rel]), 0o644); err != nil {
				return err
			}
		}
	}
	data, err := json.MarshalIndent(b.Traceability, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(filepath.Join(dir, traceabilityFile), data, 0o644)
}

// safeJoin resolves rel under dir. Absolute paths and paths that climb
// out of dir are rejected.
func safeJoin(dir, rel string) (string, bool) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", false
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(dir, cleaned), true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
