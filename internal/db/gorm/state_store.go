// Package gorm provides the GORM-based state database for skill-mill.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// insertBatchSize bounds multi-row inserts.
const insertBatchSize = 100

// SearchHit is one audit search result.
type SearchHit struct {
	DocID          string `json:"doc_id"`
	TriggerSummary string `json:"trigger_summary,omitempty"`
	Tags           string `json:"tags,omitempty"`
	BucketKey      string `json:"bucket_key,omitempty"`
	ClusterID      string `json:"cluster_id,omitempty"`
}

// StateStore provides pipeline state operations using GORM.
type StateStore struct {
	db      *gorm.DB
	rawDB   *sql.DB
	backend string
}

// NewStateStore creates a new state store.
func NewStateStore(store *Store) *StateStore {
	return &StateStore{
		db:      store.DB,
		rawDB:   store.GetRawDB(),
		backend: store.Backend(),
	}
}

// GetChangeRecord retrieves a change record by document id.
func (s *StateStore) GetChangeRecord(ctx context.Context, docID string) (*ChangeRecord, error) {
	var rec ChangeRecord
	err := s.db.WithContext(ctx).First(&rec, "doc_id = ?", docID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EnsureChangeRecord upserts the current content hash for a document and
// clears any retirement from a previous disappearance.
func (s *StateStore) EnsureChangeRecord(ctx context.Context, docID, path, contentHash string) error {
	rec := &ChangeRecord{
		DocID:       docID,
		Path:        path,
		ContentHash: contentHash,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"path", "content_hash", "retired"}),
		}).
		Create(rec).Error
}

// MarkProcessed records that a document's derived artifacts are current
// for the given content hash, along with its cluster membership.
func (s *StateStore) MarkProcessed(ctx context.Context, docID, contentHash string, clusterIDs []string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("doc_id = ?", docID).
		Updates(map[string]interface{}{
			"last_processed_hash": contentHash,
			"cluster_ids":         models.JSONStringArray(clusterIDs),
			"processed_at":        now.Format(time.RFC3339),
			"processed_at_epoch":  now.UnixMilli(),
		}).Error
}

// ListActiveChangeRecords returns all non-retired change records ordered
// by document id.
func (s *StateStore) ListActiveChangeRecords(ctx context.Context) ([]ChangeRecord, error) {
	var recs []ChangeRecord
	err := s.db.WithContext(ctx).
		Where("retired = 0").
		Order("doc_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// RetireMissing retires change records for documents no longer present in
// the corpus and returns them, so their former clusters can be marked
// dirty.
func (s *StateStore) RetireMissing(ctx context.Context, presentDocIDs []string) ([]ChangeRecord, error) {
	query := s.db.WithContext(ctx).Where("retired = 0")
	if len(presentDocIDs) > 0 {
		query = query.Where("doc_id NOT IN ?", presentDocIDs)
	}

	var missing []ChangeRecord
	if err := query.Find(&missing).Error; err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(missing))
	for _, rec := range missing {
		ids = append(ids, rec.DocID)
	}
	err := s.db.WithContext(ctx).Model(&ChangeRecord{}).
		Where("doc_id IN ?", ids).
		Update("retired", 1).Error
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// ReplaceClusters replaces the mirrored cluster state with the finalized
// clusters of a run.
func (s *StateStore) ReplaceClusters(ctx context.Context, runID string, clusters []*models.Cluster) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM cluster_states").Error; err != nil {
			return err
		}
		if len(clusters) == 0 {
			return nil
		}
		rows := make([]ClusterState, 0, len(clusters))
		for _, c := range clusters {
			row, err := newClusterState(c, runID)
			if err != nil {
				return err
			}
			rows = append(rows, *row)
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
}

// ListClusters returns all mirrored clusters ordered by cluster id.
func (s *StateStore) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	var rows []ClusterState
	err := s.db.WithContext(ctx).
		Order("cluster_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	clusters := make([]*models.Cluster, 0, len(rows))
	for i := range rows {
		c, err := toCluster(&rows[i])
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, nil
}

// GetCluster retrieves one mirrored cluster by id.
func (s *StateStore) GetCluster(ctx context.Context, clusterID string) (*models.Cluster, error) {
	var row ClusterState
	err := s.db.WithContext(ctx).First(&row, "cluster_id = ?", clusterID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCluster(&row)
}

// MarkClustersDirty flags clusters for re-audit on the next run.
func (s *StateStore) MarkClustersDirty(ctx context.Context, clusterIDs []string) error {
	if len(clusterIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&ClusterState{}).
		Where("cluster_id IN ?", clusterIDs).
		Update("dirty", 1).Error
}

// ListDirtyClusterIDs returns the ids of clusters flagged for re-audit.
func (s *StateStore) ListDirtyClusterIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ClusterState{}).
		Where("dirty = 1").
		Order("cluster_id ASC").
		Pluck("cluster_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// StartRun journals the start of a pipeline run.
func (s *StateStore) StartRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Create(&RunRecord{RunID: runID}).Error
}

// FinishRun journals run completion, or failure when runErr is non-nil.
func (s *StateStore) FinishRun(ctx context.Context, runID string, totals models.RunTotals, runErr error) error {
	data, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("marshal run totals: %w", err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":            "completed",
		"finished_at":       now.Format(time.RFC3339),
		"finished_at_epoch": now.UnixMilli(),
		"totals_json":       string(data),
	}
	if runErr != nil {
		updates["status"] = "failed"
		updates["error"] = runErr.Error()
	}

	return s.db.WithContext(ctx).Model(&RunRecord{}).
		Where("run_id = ?", runID).
		Updates(updates).Error
}

// LatestRun returns the most recently started run, or nil when the
// journal is empty.
func (s *StateStore) LatestRun(ctx context.Context) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Order("started_at_epoch DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveCheckpoint records a completed phase for the given corpus state.
func (s *StateStore) SaveCheckpoint(ctx context.Context, runID, phase, corpusHash string) error {
	return s.db.WithContext(ctx).Create(&PhaseCheckpoint{
		RunID:      runID,
		Phase:      phase,
		CorpusHash: corpusHash,
	}).Error
}

// HasCheckpoint reports whether any run completed the phase for the same
// corpus state.
func (s *StateStore) HasCheckpoint(ctx context.Context, phase, corpusHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PhaseCheckpoint{}).
		Where("phase = ? AND corpus_hash = ?", phase, corpusHash).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertExtractionSummaries refreshes the searchable audit rows.
func (s *StateStore) UpsertExtractionSummaries(ctx context.Context, rows []ExtractionSummary) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"trigger_summary", "tags", "issue_text", "bucket_key",
				"cluster_id", "warning_count", "updated_at", "updated_at_epoch",
			}),
		}).
		CreateInBatches(rows, insertBatchSize).Error
}

// PruneExtractionSummaries deletes audit rows for documents no longer
// present in the corpus.
func (s *StateStore) PruneExtractionSummaries(ctx context.Context, presentDocIDs []string) error {
	if len(presentDocIDs) == 0 {
		return s.db.WithContext(ctx).Exec("DELETE FROM extraction_summaries").Error
	}
	return s.db.WithContext(ctx).
		Where("doc_id NOT IN ?", presentDocIDs).
		Delete(&ExtractionSummary{}).Error
}

// SearchExtractions performs full-text search over the audit rows using
// FTS5, falling back to LIKE when FTS is unavailable or finds nothing.
func (s *StateStore) SearchExtractions(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	if s.backend != BackendSQLite {
		return s.searchExtractionsLike(ctx, keywords, limit)
	}

	// Build FTS5 query: keyword1 OR keyword2 OR keyword3
	ftsTerms := strings.Join(keywords, " OR ")

	// Use FTS5 via raw SQL (GORM can't handle the FTS5 MATCH operator)
	ftsQuery := `
		SELECT es.doc_id, es.trigger_summary, es.tags, es.bucket_key, es.cluster_id
		FROM extraction_summaries es
		JOIN extraction_summaries_fts fts ON es.id = fts.rowid
		WHERE extraction_summaries_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`

	rows, err := s.rawDB.QueryContext(ctx, ftsQuery, ftsTerms, limit)
	if err != nil {
		// FTS failed, try LIKE fallback
		return s.searchExtractionsLike(ctx, keywords, limit)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.DocID, &h.TriggerSummary, &h.Tags, &h.BucketKey, &h.ClusterID); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// If FTS returned nothing, try LIKE search
	if len(hits) == 0 {
		return s.searchExtractionsLike(ctx, keywords, limit)
	}

	return hits, nil
}

// searchExtractionsLike performs fallback LIKE search using GORM.
func (s *StateStore) searchExtractionsLike(ctx context.Context, keywords []string, limit int) ([]SearchHit, error) {
	var conditions []string
	var args []interface{}
	for _, kw := range keywords {
		pattern := "%" + kw + "%"
		conditions = append(conditions, "(doc_id LIKE ? OR trigger_summary LIKE ? OR tags LIKE ? OR issue_text LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	var rows []ExtractionSummary
	err := s.db.WithContext(ctx).
		Where(strings.Join(conditions, " OR "), args...).
		Order("doc_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, SearchHit{
			DocID:          r.DocID,
			TriggerSummary: r.TriggerSummary,
			Tags:           r.Tags,
			BucketKey:      r.BucketKey,
			ClusterID:      r.ClusterID,
		})
	}
	return hits, nil
}

// newClusterState converts a cluster into its mirrored row.
func newClusterState(c *models.Cluster, runID string) (*ClusterState, error) {
	sig, err := json.Marshal(c.Signature)
	if err != nil {
		return nil, fmt.Errorf("marshal signature %s: %w", c.ClusterID, err)
	}
	return &ClusterState{
		ClusterID:      c.ClusterID,
		BucketKey:      c.BucketKey,
		Members:        models.JSONStringArray(c.MemberDocIDs),
		SignatureJSON:  string(sig),
		Confidence:     c.Confidence,
		Singleton:      boolToInt(c.Singleton),
		IsMerged:       boolToInt(c.IsMerged),
		SplitFrom:      nullString(c.SplitFrom),
		SourceClusters: models.JSONStringArray(c.SourceClusters),
		SourceBuckets:  models.JSONStringArray(c.SourceBuckets),
		RunID:          runID,
	}, nil
}

// toCluster converts a mirrored row back into the domain cluster.
func toCluster(row *ClusterState) (*models.Cluster, error) {
	c := &models.Cluster{
		ClusterID:      row.ClusterID,
		BucketKey:      row.BucketKey,
		MemberDocIDs:   []string(row.Members),
		Confidence:     row.Confidence,
		Singleton:      row.Singleton == 1,
		IsMerged:       row.IsMerged == 1,
		SourceClusters: []string(row.SourceClusters),
		SourceBuckets:  []string(row.SourceBuckets),
		SplitFrom:      row.SplitFrom.String,
	}
	if row.SignatureJSON != "" {
		if err := json.Unmarshal([]byte(row.SignatureJSON), &c.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature %s: %w", row.ClusterID, err)
		}
	}
	return c, nil
}

// extractKeywords pulls searchable terms out of a free-text query.
func extractKeywords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var keywords []string

	commonWords := map[string]bool{
		"the": true, "and": true, "or": true, "but": true, "in": true,
		"on": true, "at": true, "to": true, "for": true, "of": true,
		"with": true, "by": true, "from": true, "as": true, "is": true,
		"was": true, "are": true, "were": true, "be": true, "been": true,
		"being": true, "have": true, "has": true, "had": true, "do": true,
		"does": true, "did": true, "will": true, "would": true, "should": true,
		"could": true, "may": true, "might": true, "must": true, "can": true,
	}

	for _, word := range words {
		// Keep short domain terms like "api" and "etl"
		if len(word) < 3 || commonWords[word] {
			continue
		}
		keywords = append(keywords, word)
	}

	return keywords
}
