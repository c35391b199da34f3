// Package artifact reads and writes the pipeline's JSON artifacts under
// the work directory. All writes go through one codec with stable field
// order and a trailing newline, and a file is only touched when its
// bytes actually change, so a run over an unchanged corpus produces
// zero diffs on disk.
package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Yehonatan-Bar/skill-mill/internal/bucket"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

const (
	runSummaryFile     = "run_summary.json"
	qualityReportFile  = "quality_report.json"
	corpusManifestFile = "corpus_manifest.json"
	bucketFilePrefix   = "bucket_"
)

// Store is the filesystem artifact store for one work directory.
type Store struct {
	cfg *config.Config
}

// NewStore creates an artifact store over the configured work directory.
func NewStore(cfg *config.Config) *Store {
	return &Store{cfg: cfg}
}

// WriteExtraction writes one extraction record.
func (s *Store) WriteExtraction(rec *models.ExtractionRecord) error {
	return writeStable(filepath.Join(s.cfg.ExtractionsDir(), rec.DocID+".json"), rec)
}

// ReadExtraction reads one extraction record, or nil when absent.
func (s *Store) ReadExtraction(docID string) (*models.ExtractionRecord, error) {
	var rec models.ExtractionRecord
	ok, err := readStable(filepath.Join(s.cfg.ExtractionsDir(), docID+".json"), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// HasExtraction reports whether an extraction record exists for the
// document, without reading it.
func (s *Store) HasExtraction(docID string) bool {
	_, err := os.Stat(filepath.Join(s.cfg.ExtractionsDir(), docID+".json"))
	return err == nil
}

// WriteCard writes one doc card.
func (s *Store) WriteCard(card *models.DocCard) error {
	return writeStable(filepath.Join(s.cfg.CardsDir(), card.DocID+".json"), card)
}

// ReadCard reads one doc card, or nil when absent.
func (s *Store) ReadCard(docID string) (*models.DocCard, error) {
	var card models.DocCard
	ok, err := readStable(filepath.Join(s.cfg.CardsDir(), docID+".json"), &card)
	if err != nil || !ok {
		return nil, err
	}
	return &card, nil
}

// WriteEnrichedCard writes one post-enrichment doc card. Every card is
// written here after the enrichment pass, enriched or not, so unchanged
// documents can be reloaded from this directory alone on later runs.
func (s *Store) WriteEnrichedCard(card *models.DocCard) error {
	return writeStable(filepath.Join(s.cfg.EnrichedCardsDir(), card.DocID+".json"), card)
}

// ReadEnrichedCard reads one post-enrichment doc card, or nil when absent.
func (s *Store) ReadEnrichedCard(docID string) (*models.DocCard, error) {
	var card models.DocCard
	ok, err := readStable(filepath.Join(s.cfg.EnrichedCardsDir(), docID+".json"), &card)
	if err != nil || !ok {
		return nil, err
	}
	return &card, nil
}

// WriteBuckets writes the bucket partition, one file per bucket, and
// removes files of buckets that no longer exist.
func (s *Store) WriteBuckets(buckets []models.Bucket) error {
	keep := make(map[string]bool, len(buckets))
	for i := range buckets {
		name := bucketFilePrefix + bucket.SafeKey(buckets[i].BucketKey) + ".json"
		keep[name] = true
		if err := writeStable(filepath.Join(s.cfg.BucketsDir(), name), &buckets[i]); err != nil {
			return err
		}
	}
	return pruneDir(s.cfg.BucketsDir(), keep)
}

// ReadBuckets reads the bucket partition in file name order.
func (s *Store) ReadBuckets() ([]models.Bucket, error) {
	names, err := listJSON(s.cfg.BucketsDir())
	if err != nil {
		return nil, err
	}
	var buckets []models.Bucket
	for _, name := range names {
		if !strings.HasPrefix(name, bucketFilePrefix) {
			continue
		}
		var b models.Bucket
		if _, err := readStable(filepath.Join(s.cfg.BucketsDir(), name), &b); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// WriteIncrementalClusters writes per-bucket clustering output, one file
// per cluster, pruning clusters that no longer exist.
func (s *Store) WriteIncrementalClusters(clusters []*models.Cluster) error {
	return s.writeClusterDir(s.cfg.ClustersIncrementalDir(), clusters)
}

// WriteFinalClusters writes the post-audit cluster set, one file per
// cluster, pruning clusters that no longer exist.
func (s *Store) WriteFinalClusters(clusters []*models.Cluster) error {
	return s.writeClusterDir(s.cfg.ClustersFinalDir(), clusters)
}

func (s *Store) writeClusterDir(dir string, clusters []*models.Cluster) error {
	keep := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		name := c.ClusterID + ".json"
		keep[name] = true
		if err := writeStable(filepath.Join(dir, name), c); err != nil {
			return err
		}
	}
	return pruneDir(dir, keep)
}

// ReadIncrementalClusters reads the per-bucket clustering output ordered
// by cluster id.
func (s *Store) ReadIncrementalClusters() ([]*models.Cluster, error) {
	return s.readClusterDir(s.cfg.ClustersIncrementalDir())
}

// ReadFinalClusters reads the post-audit cluster set ordered by cluster id.
func (s *Store) ReadFinalClusters() ([]*models.Cluster, error) {
	return s.readClusterDir(s.cfg.ClustersFinalDir())
}

func (s *Store) readClusterDir(dir string) ([]*models.Cluster, error) {
	names, err := listJSON(dir)
	if err != nil {
		return nil, err
	}
	clusters := make([]*models.Cluster, 0, len(names))
	for _, name := range names {
		var c models.Cluster
		if _, err := readStable(filepath.Join(dir, name), &c); err != nil {
			return nil, err
		}
		clusters = append(clusters, &c)
	}
	return clusters, nil
}

// WriteManifests writes the finalized cluster manifests, pruning
// manifests of clusters that no longer exist.
func (s *Store) WriteManifests(manifests []*models.ClusterManifest) error {
	keep := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		name := m.ClusterID + ".json"
		keep[name] = true
		if err := writeStable(filepath.Join(s.cfg.ManifestsDir(), name), m); err != nil {
			return err
		}
	}
	return pruneDir(s.cfg.ManifestsDir(), keep)
}

// ReadManifest reads one cluster manifest, or nil when absent.
func (s *Store) ReadManifest(clusterID string) (*models.ClusterManifest, error) {
	var m models.ClusterManifest
	ok, err := readStable(filepath.Join(s.cfg.ManifestsDir(), clusterID+".json"), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// ListManifests reads all cluster manifests ordered by cluster id.
func (s *Store) ListManifests() ([]*models.ClusterManifest, error) {
	names, err := listJSON(s.cfg.ManifestsDir())
	if err != nil {
		return nil, err
	}
	manifests := make([]*models.ClusterManifest, 0, len(names))
	for _, name := range names {
		var m models.ClusterManifest
		if _, err := readStable(filepath.Join(s.cfg.ManifestsDir(), name), &m); err != nil {
			return nil, err
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}

// PruneDocArtifacts removes per-document artifacts whose doc id is not
// in keep, so retired documents leave no stale extraction or card files
// behind.
func (s *Store) PruneDocArtifacts(keep map[string]bool) error {
	keepFiles := make(map[string]bool, len(keep))
	for docID := range keep {
		keepFiles[docID+".json"] = true
	}
	dirs := []string{s.cfg.ExtractionsDir(), s.cfg.CardsDir(), s.cfg.EnrichedCardsDir()}
	for _, dir := range dirs {
		if err := pruneDir(dir, keepFiles); err != nil {
			return err
		}
	}
	return nil
}

// WriteCorpusManifest writes the scanned corpus manifest for audit.
func (s *Store) WriteCorpusManifest(entries []models.CorpusEntry) error {
	return writeStable(filepath.Join(s.cfg.ReportsDir(), corpusManifestFile), entries)
}

// WriteRunSummary writes the per-run report.
func (s *Store) WriteRunSummary(summary *models.RunSummary) error {
	return writeStable(filepath.Join(s.cfg.ReportsDir(), runSummaryFile), summary)
}

// ReadRunSummary reads the last run report, or nil when absent.
func (s *Store) ReadRunSummary() (*models.RunSummary, error) {
	var summary models.RunSummary
	ok, err := readStable(filepath.Join(s.cfg.ReportsDir(), runSummaryFile), &summary)
	if err != nil || !ok {
		return nil, err
	}
	return &summary, nil
}

// WriteQualityReport writes the per-run quality gate report.
func (s *Store) WriteQualityReport(report *models.QualityReport) error {
	return writeStable(filepath.Join(s.cfg.ReportsDir(), qualityReportFile), report)
}

// ReadQualityReport reads the last quality gate report, or nil when absent.
func (s *Store) ReadQualityReport() (*models.QualityReport, error) {
	var report models.QualityReport
	ok, err := readStable(filepath.Join(s.cfg.ReportsDir(), qualityReportFile), &report)
	if err != nil || !ok {
		return nil, err
	}
	return &report, nil
}

// writeStable marshals v with stable field order and a trailing newline,
// skipping the write when the file already holds the same bytes.
func writeStable(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// readStable reads and unmarshals one artifact. Returns false without an
// error when the file does not exist.
func readStable(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

// listJSON returns the sorted JSON file names in a directory.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// pruneDir removes JSON files not in the keep set.
func pruneDir(dir string, keep map[string]bool) error {
	names, err := listJSON(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return nil
}
