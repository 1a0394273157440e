package store

import (
	"math"
	"sort"
	"time"

	"github.com/lazypower/memgraph/internal/apperr"
)

// View is a read-only handle valid only inside View or Update callbacks.
type View struct {
	s *Store
}

// Get returns a copy of the node.
func (v *View) Get(id string) (Node, error) {
	n, ok := v.s.nodes[id]
	if !ok {
		return Node{}, notFound("store.get", "node", id)
	}
	return n.clone(), nil
}

// Has reports whether the node exists.
func (v *View) Has(id string) bool {
	_, ok := v.s.nodes[id]
	return ok
}

func (v *View) collect(ids []string) []Node {
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.s.nodes[id].clone())
	}
	return out
}

// ListByType returns nodes of type t ordered by creation time.
func (v *View) ListByType(t NodeType) []Node {
	idx, ok := v.s.byType[t]
	if !ok {
		return nil
	}
	return v.collect(idx.rangeIDs(time.Time{}, time.Time{}))
}

// ListSince returns nodes created at or after since, in creation order.
func (v *View) ListSince(since time.Time) []Node {
	return v.ListRange(since, time.Time{})
}

// ListRange returns nodes with since <= createdAt < until. Zero bounds are open.
func (v *View) ListRange(since, until time.Time) []Node {
	return v.collect(v.s.byTime.rangeIDs(since, until))
}

// ListTypeRange narrows ListRange to one type.
func (v *View) ListTypeRange(t NodeType, since, until time.Time) []Node {
	idx, ok := v.s.byType[t]
	if !ok {
		return nil
	}
	return v.collect(idx.rangeIDs(since, until))
}

// LiveIDs returns ids of non-archived nodes in creation order.
func (v *View) LiveIDs() []string {
	ids := make([]string, 0, v.s.live)
	for _, e := range v.s.byTime.entries {
		if !v.s.nodes[e.id].Archived {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Live returns non-archived nodes in creation order.
func (v *View) Live() []Node {
	return v.collect(v.LiveIDs())
}

// EachLive calls fn for every non-archived node in creation order until fn
// returns false.
func (v *View) EachLive(fn func(n Node) bool) {
	for _, e := range v.s.byTime.entries {
		n := v.s.nodes[e.id]
		if n.Archived {
			continue
		}
		if !fn(*n) {
			return
		}
	}
}

// Archived returns archived nodes in creation order.
func (v *View) Archived() []Node {
	var out []Node
	for _, e := range v.s.byTime.entries {
		if n := v.s.nodes[e.id]; n.Archived {
			out = append(out, n.clone())
		}
	}
	return out
}

// LiveCount returns the number of non-archived nodes.
func (v *View) LiveCount() int { return v.s.live }

// Neighbors returns the node's edges of the given kind, strongest first,
// ties by the other endpoint's id.
func (v *View) Neighbors(id string, kind EdgeKind) ([]Edge, error) {
	if !v.Has(id) {
		return nil, notFound("store.neighbors", "node", id)
	}
	var out []Edge
	for k := range v.s.adj[id] {
		if k.kind == kind {
			out = append(out, *v.s.edges[k])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Other(id) < out[j].Other(id)
	})
	return out, nil
}

// Edge returns the edge of the given kind between x and y.
func (v *View) Edge(x, y string, kind EdgeKind) (Edge, bool) {
	k := NewEdge(x, y, kind, 0, time.Time{}).key()
	e, ok := v.s.edges[k]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Edges returns every edge of kind, ordered by (A, B).
func (v *View) Edges(kind EdgeKind) []Edge {
	var out []Edge
	for k, e := range v.s.edges {
		if k.kind == kind {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Cluster returns a copy of the cluster.
func (v *View) Cluster(id string) (Cluster, error) {
	c, ok := v.s.clusters[id]
	if !ok {
		return Cluster{}, notFound("store.cluster", "cluster", id)
	}
	return c.clone(), nil
}

// Clusters returns every cluster in time order.
func (v *View) Clusters() []Cluster {
	out := make([]Cluster, 0, len(v.s.timeline))
	for _, id := range v.s.timeline {
		out = append(out, v.s.clusters[id].clone())
	}
	return out
}

// LatestCluster returns the cluster with the latest start time.
func (v *View) LatestCluster() (Cluster, bool) {
	if len(v.s.timeline) == 0 {
		return Cluster{}, false
	}
	return v.s.clusters[v.s.timeline[len(v.s.timeline)-1]].clone(), true
}

// ClusterContaining returns the cluster whose [Start, End] holds t.
func (v *View) ClusterContaining(t time.Time) (Cluster, bool) {
	tl := v.s.timeline
	i := sort.Search(len(tl), func(i int) bool { return v.s.clusters[tl[i]].Start.After(t) })
	if i == 0 {
		return Cluster{}, false
	}
	c := v.s.clusters[tl[i-1]]
	if !c.Contains(t) {
		return Cluster{}, false
	}
	return c.clone(), true
}

// Stats counts nodes, edges and clusters.
func (v *View) Stats() Stats {
	st := Stats{
		Live:     v.s.live,
		Archived: len(v.s.nodes) - v.s.live,
		Clusters: len(v.s.clusters),
	}
	for k := range v.s.edges {
		if k.kind == EdgeTemporal {
			st.Temporal++
		} else {
			st.Semantic++
		}
	}
	return st
}

// Check scans every invariant of the graph and returns the first violation
// as a ConsistencyViolation.
func (v *View) Check() error {
	s := v.s
	violation := func(format string, args ...any) error {
		return apperr.New(apperr.KindConsistencyViolation, "store.check", format, args...)
	}

	live := 0
	for id, n := range s.nodes {
		if n.ID != id {
			return violation("node key %q holds id %q", id, n.ID)
		}
		if !n.Archived {
			live++
		}
		if math.IsNaN(n.Relevance) || n.Relevance < 0 || n.Relevance > 1 {
			return violation("node %q relevance %v outside [0,1]", id, n.Relevance)
		}
		if n.ClusterID == "" {
			continue
		}
		c, ok := s.clusters[n.ClusterID]
		if !ok {
			return violation("node %q references missing cluster %q", id, n.ClusterID)
		}
		if !containsSorted(c.Members, id) {
			return violation("cluster %q does not list member %q", c.ID, id)
		}
	}
	if live != s.live {
		return violation("live count %d, counted %d", s.live, live)
	}
	if s.byTime.len() != len(s.nodes) {
		return violation("time index has %d entries for %d nodes", s.byTime.len(), len(s.nodes))
	}

	for k, e := range s.edges {
		if _, ok := s.nodes[k.a]; !ok {
			return violation("%s edge references missing node %q", k.kind, k.a)
		}
		if _, ok := s.nodes[k.b]; !ok {
			return violation("%s edge references missing node %q", k.kind, k.b)
		}
		if e.Weight < 0 || e.Weight > 1 {
			return violation("%s edge %s-%s weight %v outside [0,1]", k.kind, k.a, k.b, e.Weight)
		}
	}

	var prev *Cluster
	for _, id := range s.timeline {
		c := s.clusters[id]
		if len(c.Members) == 0 {
			return violation("cluster %q is empty", id)
		}
		for _, m := range c.Members {
			n, ok := s.nodes[m]
			if !ok {
				return violation("cluster %q lists missing node %q", id, m)
			}
			if n.ClusterID != id {
				return violation("node %q listed by cluster %q but assigned to %q", m, id, n.ClusterID)
			}
		}
		if prev != nil && !c.Start.After(prev.End) {
			return violation("cluster %q overlaps cluster %q", id, prev.ID)
		}
		prev = c
	}
	if len(s.timeline) != len(s.clusters) {
		return violation("timeline has %d clusters, map has %d", len(s.timeline), len(s.clusters))
	}
	return nil
}

func containsSorted(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}
