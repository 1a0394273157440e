package store

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/kv"
)

// Txn is the writer handle passed to Update. It embeds View, so reads inside
// a transaction observe its own writes.
type Txn struct {
	View

	undo     []func()
	nodes    map[string]bool // id -> present after the txn
	edges    map[edgeKey]bool
	clusters map[string]bool
}

func newTxn(s *Store) *Txn {
	return &Txn{
		View:     View{s: s},
		nodes:    make(map[string]bool),
		edges:    make(map[edgeKey]bool),
		clusters: make(map[string]bool),
	}
}

func (t *Txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *Txn) putNode(n *Node) {
	id := n.ID
	prev := t.s.nodes[id]
	t.undo = append(t.undo, func() { t.s.setNode(id, prev) })
	t.s.setNode(id, n)
	t.nodes[id] = n != nil
}

func (t *Txn) dropNode(id string) {
	prev := t.s.nodes[id]
	t.undo = append(t.undo, func() { t.s.setNode(id, prev) })
	t.s.setNode(id, nil)
	t.nodes[id] = false
}

func (t *Txn) putEdge(k edgeKey, e *Edge) {
	prev := t.s.edges[k]
	t.undo = append(t.undo, func() { t.s.setEdge(k, prev) })
	t.s.setEdge(k, e)
	t.edges[k] = e != nil
}

func (t *Txn) putCluster(id string, c *Cluster) {
	prev := t.s.clusters[id]
	t.undo = append(t.undo, func() { t.s.setCluster(id, prev) })
	t.s.setCluster(id, c)
	t.clusters[id] = c != nil
}

// Insert adds a new node. The node must not reference a cluster; use
// AssignCluster after insert.
func (t *Txn) Insert(n Node) error {
	if n.ID == "" {
		return apperr.New(apperr.KindInvalid, "store.insert", "node id is empty")
	}
	if _, ok := t.s.nodes[n.ID]; ok {
		return apperr.New(apperr.KindDuplicateID, "store.insert", "node %q already exists", n.ID)
	}
	if err := checkNode(&n); err != nil {
		return err
	}
	if n.ClusterID != "" {
		return apperr.New(apperr.KindInvalid, "store.insert", "node %q inserted with cluster %q", n.ID, n.ClusterID)
	}
	t.putNode(&n)
	return nil
}

// UpdateNode applies fn to a copy of the node and stores the result.
// ID, ClusterID and CreatedAt changes made by fn are rejected.
func (t *Txn) UpdateNode(id string, fn func(n *Node) error) (Node, error) {
	cur, ok := t.s.nodes[id]
	if !ok {
		return Node{}, notFound("store.update", "node", id)
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return Node{}, err
	}
	if next.ID != id || next.ClusterID != cur.ClusterID || !next.CreatedAt.Equal(cur.CreatedAt) {
		return Node{}, apperr.New(apperr.KindInvalid, "store.update", "node %q: identity fields are immutable", id)
	}
	if err := checkNode(&next); err != nil {
		return Node{}, err
	}
	t.putNode(&next)
	return next, nil
}

func checkNode(n *Node) error {
	if math.IsNaN(n.Relevance) || n.Relevance < 0 || n.Relevance > 1 {
		return apperr.New(apperr.KindInvalid, "store", "node %q relevance %v outside [0,1]", n.ID, n.Relevance)
	}
	if n.AccessCount < 0 {
		return apperr.New(apperr.KindInvalid, "store", "node %q negative access count", n.ID)
	}
	return nil
}

// DeleteNode removes the node, its edges and its cluster membership. A
// cluster left without members is removed.
func (t *Txn) DeleteNode(id string) error {
	n, ok := t.s.nodes[id]
	if !ok {
		return notFound("store.delete", "node", id)
	}
	keys := make([]edgeKey, 0, len(t.s.adj[id]))
	for k := range t.s.adj[id] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		t.putEdge(k, nil)
	}
	if n.ClusterID != "" {
		if err := t.removeMember(n.ClusterID, id); err != nil {
			return err
		}
	}
	t.dropNode(id)
	return nil
}

// PutEdge inserts or replaces the edge of e.Kind between e.A and e.B.
func (t *Txn) PutEdge(e Edge) error {
	e = NewEdge(e.A, e.B, e.Kind, e.Weight, e.ComputedAt)
	if e.A == e.B {
		return apperr.New(apperr.KindInvalid, "store.edge", "self edge on %q", e.A)
	}
	if e.Kind != EdgeTemporal && e.Kind != EdgeSemantic {
		return apperr.New(apperr.KindInvalid, "store.edge", "unknown edge kind %q", e.Kind)
	}
	if math.IsNaN(e.Weight) || e.Weight < 0 || e.Weight > 1 {
		return apperr.New(apperr.KindInvalid, "store.edge", "weight %v outside [0,1]", e.Weight)
	}
	for _, id := range []string{e.A, e.B} {
		if !t.Has(id) {
			return notFound("store.edge", "node", id)
		}
	}
	t.putEdge(e.key(), &e)
	return nil
}

// DeleteEdge removes the edge if present.
func (t *Txn) DeleteEdge(x, y string, kind EdgeKind) {
	k := NewEdge(x, y, kind, 0, time.Time{}).key()
	if _, ok := t.s.edges[k]; ok {
		t.putEdge(k, nil)
	}
}

// PutCluster creates or replaces a cluster record. Members are kept sorted.
func (t *Txn) PutCluster(c Cluster) error {
	if c.ID == "" {
		return apperr.New(apperr.KindInvalid, "store.cluster", "cluster id is empty")
	}
	if c.End.Before(c.Start) {
		return apperr.New(apperr.KindInvalid, "store.cluster", "cluster %q ends before it starts", c.ID)
	}
	c.Members = append([]string(nil), c.Members...)
	sort.Strings(c.Members)
	t.putCluster(c.ID, &c)
	return nil
}

// DeleteCluster removes a cluster and clears ClusterID on its members.
func (t *Txn) DeleteCluster(id string) error {
	c, ok := t.s.clusters[id]
	if !ok {
		return notFound("store.cluster", "cluster", id)
	}
	for _, m := range c.Members {
		if n, ok := t.s.nodes[m]; ok {
			next := n.clone()
			next.ClusterID = ""
			t.putNode(&next)
		}
	}
	t.putCluster(id, nil)
	return nil
}

// AssignCluster moves the node into the cluster and widens the cluster's
// range to cover the node's creation time.
func (t *Txn) AssignCluster(nodeID, clusterID string) error {
	n, ok := t.s.nodes[nodeID]
	if !ok {
		return notFound("store.assign", "node", nodeID)
	}
	c, ok := t.s.clusters[clusterID]
	if !ok {
		return notFound("store.assign", "cluster", clusterID)
	}
	if n.ClusterID == clusterID {
		return nil
	}
	if n.ClusterID != "" {
		if err := t.removeMember(n.ClusterID, nodeID); err != nil {
			return err
		}
	}

	next := c.clone()
	i := sort.SearchStrings(next.Members, nodeID)
	next.Members = append(next.Members, "")
	copy(next.Members[i+1:], next.Members[i:])
	next.Members[i] = nodeID
	if n.CreatedAt.Before(next.Start) {
		next.Start = n.CreatedAt
	}
	if n.CreatedAt.After(next.End) {
		next.End = n.CreatedAt
	}
	t.putCluster(clusterID, &next)

	nn := n.clone()
	nn.ClusterID = clusterID
	t.putNode(&nn)
	return nil
}

func (t *Txn) removeMember(clusterID, nodeID string) error {
	c, ok := t.s.clusters[clusterID]
	if !ok {
		return apperr.New(apperr.KindConsistencyViolation, "store.cluster",
			"node %q references missing cluster %q", nodeID, clusterID)
	}
	next := c.clone()
	i := sort.SearchStrings(next.Members, nodeID)
	if i < len(next.Members) && next.Members[i] == nodeID {
		next.Members = append(next.Members[:i], next.Members[i+1:]...)
	}
	if len(next.Members) == 0 {
		t.putCluster(clusterID, nil)
	} else {
		t.fitBounds(&next)
		t.putCluster(clusterID, &next)
	}
	if n, ok := t.s.nodes[nodeID]; ok && n.ClusterID == clusterID {
		nn := n.clone()
		nn.ClusterID = ""
		t.putNode(&nn)
	}
	return nil
}

// fitBounds shrinks the cluster range to its remaining members. The gap to a
// neighbouring cluster may then exceed the clustering gap; clusters are never
// split or merged after the fact.
func (t *Txn) fitBounds(c *Cluster) {
	var start, end time.Time
	found := false
	for _, m := range c.Members {
		n, ok := t.s.nodes[m]
		if !ok {
			continue
		}
		if !found || n.CreatedAt.Before(start) {
			start = n.CreatedAt
		}
		if !found || n.CreatedAt.After(end) {
			end = n.CreatedAt
		}
		found = true
	}
	if found {
		c.Start, c.End = start, end
	}
}

func (t *Txn) flush(ctx context.Context) error {
	puts := make(map[string][]byte)
	var deletes []string

	for id, present := range t.nodes {
		if !present {
			deletes = append(deletes, nodeKey(id))
			continue
		}
		b, err := encodeNode(t.s.nodes[id])
		if err != nil {
			return err
		}
		puts[nodeKey(id)] = b
	}
	for k, present := range t.edges {
		if !present {
			deletes = append(deletes, edgeStorageKey(k))
			continue
		}
		b, err := encodeEdge(t.s.edges[k])
		if err != nil {
			return err
		}
		puts[edgeStorageKey(k)] = b
	}
	for id, present := range t.clusters {
		if !present {
			deletes = append(deletes, clusterKey(id))
			continue
		}
		b, err := encodeCluster(t.s.clusters[id])
		if err != nil {
			return err
		}
		puts[clusterKey(id)] = b
	}

	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	sort.Strings(deletes)
	return kv.Apply(ctx, t.s.kv, puts, deletes)
}
