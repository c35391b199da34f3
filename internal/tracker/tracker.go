// Package tracker detects document changes between runs and scopes the
// incremental work for a pipeline run.
package tracker

import (
	"context"
	"encoding/hex"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// HashBytes returns the BLAKE2b-256 hex digest of raw document bytes.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CorpusHash condenses a manifest into a single digest for phase
// checkpoints. Any change to corpus membership or content changes it.
func CorpusHash(manifest []models.CorpusEntry) string {
	h, _ := blake2b.New256(nil)
	for _, entry := range manifest {
		h.Write([]byte(entry.DocID))
		h.Write([]byte{0})
		h.Write([]byte(entry.ContentHash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeSet partitions a corpus manifest against the recorded state.
type ChangeSet struct {
	// Changed holds new or edited documents, in manifest order. They
	// re-enter the full parse/card/bucket/cluster path.
	Changed []models.CorpusEntry
	// Unchanged documents skip re-processing; their derived artifacts
	// and cluster membership are still valid.
	Unchanged []models.CorpusEntry
	// Removed lists doc ids retired this run.
	Removed []string
	// PriorClusters maps every previously processed document to the
	// clusters that held it after the last run.
	PriorClusters map[string][]string
	// DirtyClusters are the clusters touched by a changed or removed
	// document. They must re-enter the auditor.
	DirtyClusters []string
}

// NoChanges reports whether the corpus is identical to the last run.
func (cs *ChangeSet) NoChanges() bool {
	return len(cs.Changed) == 0 && len(cs.Removed) == 0
}

// ChangedIDs returns the changed doc ids in manifest order.
func (cs *ChangeSet) ChangedIDs() []string {
	ids := make([]string, 0, len(cs.Changed))
	for _, entry := range cs.Changed {
		ids = append(ids, entry.DocID)
	}
	return ids
}

// Tracker maintains change records and derives the incremental scope of
// each run from them.
type Tracker struct {
	store *gorm.StateStore
}

// New creates a tracker over the state store.
func New(store *gorm.StateStore) *Tracker {
	return &Tracker{store: store}
}

// Track compares the manifest against the recorded state, stamps current
// content hashes, retires disappeared documents, and flags every cluster
// touched by a changed or removed document for re-audit. A document whose
// content hash equals its last processed hash is provably unchanged and
// all its derived artifacts remain valid.
func (t *Tracker) Track(ctx context.Context, manifest []models.CorpusEntry) (*ChangeSet, error) {
	active, err := t.store.ListActiveChangeRecords(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*gorm.ChangeRecord, len(active))
	for i := range active {
		byID[active[i].DocID] = &active[i]
	}

	cs := &ChangeSet{PriorClusters: make(map[string][]string)}
	present := make([]string, 0, len(manifest))
	dirty := make(map[string]bool)

	for _, entry := range manifest {
		present = append(present, entry.DocID)
		if err := t.store.EnsureChangeRecord(ctx, entry.DocID, entry.Path, entry.ContentHash); err != nil {
			return nil, err
		}

		rec := byID[entry.DocID]
		if rec == nil {
			// New, or returning after retirement. Either way it gets
			// the full pipeline.
			cs.Changed = append(cs.Changed, entry)
			continue
		}
		if len(rec.ClusterIDs) > 0 {
			cs.PriorClusters[entry.DocID] = []string(rec.ClusterIDs)
		}
		if rec.LastProcessedHash != "" && rec.LastProcessedHash == entry.ContentHash {
			cs.Unchanged = append(cs.Unchanged, entry)
			continue
		}
		cs.Changed = append(cs.Changed, entry)
		for _, id := range rec.ClusterIDs {
			dirty[id] = true
		}
	}

	removed, err := t.store.RetireMissing(ctx, present)
	if err != nil {
		return nil, err
	}
	for _, rec := range removed {
		cs.Removed = append(cs.Removed, rec.DocID)
		for _, id := range rec.ClusterIDs {
			dirty[id] = true
		}
	}

	cs.DirtyClusters = make([]string, 0, len(dirty))
	for id := range dirty {
		cs.DirtyClusters = append(cs.DirtyClusters, id)
	}
	sort.Strings(cs.DirtyClusters)

	if len(cs.DirtyClusters) > 0 {
		if err := t.store.MarkClustersDirty(ctx, cs.DirtyClusters); err != nil {
			return nil, err
		}
	}

	log.Info().
		Int("changed", len(cs.Changed)).
		Int("unchanged", len(cs.Unchanged)).
		Int("removed", len(cs.Removed)).
		Int("dirtyClusters", len(cs.DirtyClusters)).
		Msg("Change tracking complete")

	return cs, nil
}

// CommitProcessed stamps every present document as processed under its
// current content hash with its finalized cluster membership. Called
// once at the end of a successful run; an interrupted run leaves the
// last processed hashes untouched, so the next run redoes the work.
func (t *Tracker) CommitProcessed(ctx context.Context, manifest []models.CorpusEntry, membership map[string][]string) error {
	for _, entry := range manifest {
		if err := t.store.MarkProcessed(ctx, entry.DocID, entry.ContentHash, membership[entry.DocID]); err != nil {
			return err
		}
	}
	return nil
}

// MembershipFromClusters inverts finalized clusters into a doc id to
// cluster ids map.
func MembershipFromClusters(clusters []*models.Cluster) map[string][]string {
	membership := make(map[string][]string)
	for _, c := range clusters {
		for _, docID := range c.MemberDocIDs {
			membership[docID] = append(membership[docID], c.ClusterID)
		}
	}
	for docID := range membership {
		sort.Strings(membership[docID])
	}
	return membership
}
