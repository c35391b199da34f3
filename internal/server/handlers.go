package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// defaultSearchLimit bounds /api/search when no limit is given.
const defaultSearchLimit = 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"ready":          s.ready.Load(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"sse_clients":    s.broadcaster.ClientCount(),
	})
}

// latestRunResponse is the wire form of a run journal row.
type latestRunResponse struct {
	RunID      string            `json:"run_id"`
	Status     string            `json:"status"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at,omitempty"`
	Totals     *models.RunTotals `json:"totals,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (s *Service) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.state.LatestRun(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}

	resp := latestRunResponse{
		RunID:     rec.RunID,
		Status:    rec.Status,
		StartedAt: rec.StartedAt,
	}
	if rec.FinishedAt.Valid {
		resp.FinishedAt = rec.FinishedAt.String
	}
	if rec.Error.Valid {
		resp.Error = rec.Error.String
	}
	if rec.TotalsJSON != "" {
		var totals models.RunTotals
		if err := json.Unmarshal([]byte(rec.TotalsJSON), &totals); err == nil {
			resp.Totals = &totals
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.artifacts.ReadRunSummary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "no run summary written yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// clusterSummary is the list form of a cluster.
type clusterSummary struct {
	ClusterID  string  `json:"cluster_id"`
	BucketKey  string  `json:"bucket_key,omitempty"`
	Size       int     `json:"size"`
	Confidence float64 `json:"confidence"`
	Singleton  bool    `json:"singleton,omitempty"`
	IsMerged   bool    `json:"is_merged,omitempty"`
}

func (s *Service) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.state.ListClusters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]clusterSummary, 0, len(clusters))
	for _, c := range clusters {
		summaries = append(summaries, clusterSummary{
			ClusterID:  c.ClusterID,
			BucketKey:  c.BucketKey,
			Size:       c.MemberCount(),
			Confidence: c.Confidence,
			Singleton:  c.Singleton,
			IsMerged:   c.IsMerged,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"clusters": summaries,
	})
}

func (s *Service) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")
	cluster, err := s.state.GetCluster(r.Context(), clusterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cluster == nil {
		writeError(w, http.StatusNotFound, "cluster not found: "+clusterID)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Service) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")
	manifest, err := s.artifacts.ReadManifest(clusterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if manifest == nil {
		writeError(w, http.StatusNotFound, "manifest not found: "+clusterID)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Service) handleQuality(w http.ResponseWriter, r *http.Request) {
	report, err := s.artifacts.ReadQualityReport()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no quality report written yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	rec, err := s.artifacts.ReadExtraction(docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "extraction not found: "+docID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: q")
		return
	}
	limit := gorm.ParseLimitParam(r, defaultSearchLimit)

	hits, err := s.state.SearchExtractions(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hits == nil {
		hits = []gorm.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"count":   len(hits),
		"results": hits,
	})
}
