package engine

import (
	"math"
	"sort"
	"time"

	"github.com/lazypower/memgraph/internal/store"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Vectors of different length, empty vectors and zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

type candidate struct {
	id  string
	sim float64
}

// rankCandidates orders by similarity descending, then id ascending.
func rankCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].sim != c[j].sim {
			return c[i].sim > c[j].sim
		}
		return c[i].id < c[j].id
	})
}

// nearest returns the k live nodes most similar to vec, excluding skip.
func nearest(v *store.View, vec []float64, k int, skip string) []candidate {
	if k <= 0 {
		return nil
	}
	var all []candidate
	v.EachLive(func(n store.Node) bool {
		if n.ID != skip && len(n.Embedding) > 0 {
			all = append(all, candidate{id: n.ID, sim: CosineSimilarity(vec, n.Embedding)})
		}
		return true
	})
	rankCandidates(all)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// linkSemantic adds semantic edges from n to live cluster-mates and to its
// top-K nearest neighbours whose similarity exceeds the threshold. It returns
// the ids that gained an edge, in candidate order.
func linkSemantic(tx *store.Txn, n store.Node, now time.Time, p Policy) ([]string, error) {
	if len(n.Embedding) == 0 {
		return nil, nil
	}

	seen := map[string]bool{n.ID: true}
	var cands []candidate

	if n.ClusterID != "" {
		c, err := tx.Cluster(n.ClusterID)
		if err != nil {
			return nil, err
		}
		for _, m := range c.Members {
			if seen[m] {
				continue
			}
			other, err := tx.Get(m)
			if err != nil {
				return nil, err
			}
			if other.Archived || len(other.Embedding) == 0 {
				continue
			}
			seen[m] = true
			cands = append(cands, candidate{id: m, sim: CosineSimilarity(n.Embedding, other.Embedding)})
		}
	}

	for _, c := range nearest(&tx.View, n.Embedding, p.NeighborK, n.ID) {
		if !seen[c.id] {
			seen[c.id] = true
			cands = append(cands, c)
		}
	}

	rankCandidates(cands)
	var linked []string
	for _, c := range cands {
		if c.sim <= p.SimilarityThreshold {
			break
		}
		if err := tx.PutEdge(store.NewEdge(n.ID, c.id, store.EdgeSemantic, clamp01(c.sim), now)); err != nil {
			return nil, err
		}
		linked = append(linked, c.id)
	}
	return linked, nil
}
