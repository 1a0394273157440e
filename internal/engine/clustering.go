package engine

import (
	"time"

	"github.com/lazypower/memgraph/internal/store"
)

// cluster places a freshly inserted node into a session cluster and links it
// to the other members with temporal edges. It returns the ids that gained
// an edge.
//
// A node inside an existing cluster's range joins it. A node at most
// ClusterGap after the latest cluster's end joins and extends it. Anything
// else opens a new cluster, which the store keeps in time order.
func (e *Engine) cluster(tx *store.Txn, n store.Node, now time.Time, p Policy) ([]string, error) {
	var target string
	if c, ok := tx.ClusterContaining(n.CreatedAt); ok {
		target = c.ID
	} else if c, ok := tx.LatestCluster(); ok && n.CreatedAt.After(c.End) && n.CreatedAt.Sub(c.End) <= p.ClusterGap {
		target = c.ID
	}

	if target == "" {
		target = e.newID()
		if err := tx.PutCluster(store.Cluster{ID: target, Start: n.CreatedAt, End: n.CreatedAt}); err != nil {
			return nil, err
		}
	}
	if err := tx.AssignCluster(n.ID, target); err != nil {
		return nil, err
	}

	c, err := tx.Cluster(target)
	if err != nil {
		return nil, err
	}
	var touched []string
	for _, m := range c.Members {
		if m == n.ID {
			continue
		}
		other, err := tx.Get(m)
		if err != nil {
			return nil, err
		}
		if err := tx.PutEdge(store.NewEdge(n.ID, m, store.EdgeTemporal, temporalWeight(n.CreatedAt, other.CreatedAt), now)); err != nil {
			return nil, err
		}
		touched = append(touched, m)
	}
	return touched, nil
}

// temporalWeight is 1/(1+gap in minutes).
func temporalWeight(a, b time.Time) float64 {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return 1 / (1 + gap.Minutes())
}
