// Package graph mirrors the finalized cluster topology into FalkorDB
// so membership and merge/split lineage can be explored with Cypher.
// The export is best effort: the pipeline warns and moves on when the
// graph endpoint is down.
package graph

import (
	"context"
	"fmt"

	falkordb "github.com/falkordb/falkordb-go"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// graphName is the FalkorDB key the export lives under.
const graphName = "skillmill"

// Node labels and edge relations.
const (
	labelCluster = "Cluster"
	labelDoc     = "Doc"

	relMemberOf   = "MEMBER_OF"
	relRepresents = "REPRESENTS"
	relMergedInto = "MERGED_INTO"
	relSplitFrom  = "SPLIT_FROM"
)

// Exporter rebuilds the cluster graph from scratch on every run. Doc
// and cluster counts are small enough that a full rebuild beats
// reconciling deltas.
type Exporter struct {
	addr string
}

// NewExporter builds an exporter for the FalkorDB at addr. An empty
// addr disables the export.
func NewExporter(addr string) *Exporter {
	return &Exporter{addr: addr}
}

// Enabled reports whether an endpoint is configured.
func (e *Exporter) Enabled() bool { return e.addr != "" }

// Export replaces the graph with the given clusters and manifests.
func (e *Exporter) Export(ctx context.Context, clusters []*models.Cluster, manifests map[string]*models.ClusterManifest) error {
	if !e.Enabled() {
		log.Debug().Msg("Graph export disabled, no endpoint configured")
		return nil
	}

	conn, err := redis.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("dial falkordb %s: %w", e.addr, err)
	}
	defer conn.Close()

	g := falkordb.GraphNew(graphName, conn)
	if err := g.Delete(); err != nil {
		// First export against a fresh database has nothing to delete.
		log.Debug().Err(err).Str("graph", graphName).Msg("Graph delete before rebuild")
		g = falkordb.GraphNew(graphName, conn)
	}

	nodes, edges := buildTopology(clusters, manifests)
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, edge := range edges {
		if err := g.AddEdge(edge); err != nil {
			return fmt.Errorf("add edge %s: %w", edge.Relation, err)
		}
	}

	if _, err := g.Commit(); err != nil {
		return fmt.Errorf("commit graph %s: %w", graphName, err)
	}
	log.Info().
		Str("graph", graphName).
		Int("nodes", len(nodes)).
		Int("edges", len(edges)).
		Msg("Cluster graph exported")
	return nil
}

// buildTopology turns clusters and manifests into graph nodes and
// edges. Clusters referenced only by lineage get a retired node so
// merge and split history stays queryable.
func buildTopology(clusters []*models.Cluster, manifests map[string]*models.ClusterManifest) ([]*falkordb.Node, []*falkordb.Edge) {
	var (
		nodes []*falkordb.Node
		edges []*falkordb.Edge
	)
	clusterNodes := make(map[string]*falkordb.Node, len(clusters))
	docNodes := make(map[string]*falkordb.Node)
	alias := 0
	nextAlias := func(prefix string) string {
		alias++
		return fmt.Sprintf("%s%d", prefix, alias)
	}

	ensureDoc := func(docID string) *falkordb.Node {
		if n, ok := docNodes[docID]; ok {
			return n
		}
		n := falkordb.NodeNew(labelDoc, nextAlias("d"), map[string]interface{}{
			"doc_id": docID,
		})
		docNodes[docID] = n
		nodes = append(nodes, n)
		return n
	}
	ensureRetired := func(clusterID string) *falkordb.Node {
		if n, ok := clusterNodes[clusterID]; ok {
			return n
		}
		n := falkordb.NodeNew(labelCluster, nextAlias("c"), map[string]interface{}{
			"cluster_id": clusterID,
			"retired":    true,
		})
		clusterNodes[clusterID] = n
		nodes = append(nodes, n)
		return n
	}

	for _, c := range clusters {
		props := map[string]interface{}{
			"cluster_id": c.ClusterID,
			"bucket_key": c.BucketKey,
			"confidence": c.Confidence,
			"size":       len(c.MemberDocIDs),
			"retired":    false,
		}
		if c.Singleton {
			props["singleton"] = true
		}
		n := falkordb.NodeNew(labelCluster, nextAlias("c"), props)
		clusterNodes[c.ClusterID] = n
		nodes = append(nodes, n)
	}

	for _, c := range clusters {
		cn := clusterNodes[c.ClusterID]

		reps := make(map[string]bool)
		if m := manifests[c.ClusterID]; m != nil {
			for _, docID := range m.Representatives {
				reps[docID] = true
			}
		}
		for _, docID := range c.MemberDocIDs {
			dn := ensureDoc(docID)
			edges = append(edges, falkordb.EdgeNew(relMemberOf, dn, cn, nil))
			if reps[docID] {
				edges = append(edges, falkordb.EdgeNew(relRepresents, dn, cn, nil))
			}
		}

		for _, src := range c.SourceClusters {
			if src == c.ClusterID {
				continue
			}
			edges = append(edges, falkordb.EdgeNew(relMergedInto, ensureRetired(src), cn, nil))
		}
		if c.SplitFrom != "" && c.SplitFrom != c.ClusterID {
			edges = append(edges, falkordb.EdgeNew(relSplitFrom, cn, ensureRetired(c.SplitFrom), nil))
		}
	}

	return nodes, edges
}
