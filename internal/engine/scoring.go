package engine

import (
	"math"
	"time"

	"github.com/lazypower/memgraph/internal/store"
)

// Breakdown is a relevance score split into its weighted terms.
type Breakdown struct {
	Recency    float64 `json:"recency"`
	Centrality float64 `json:"centrality"`
	Frequency  float64 `json:"frequency"`
	Total      float64 `json:"total"`
}

// Recency is exp(-lambda * hours since last access). Access times in the
// future count as zero age.
func Recency(n store.Node, now time.Time, p Policy) float64 {
	ref := n.LastAccessedAt
	if ref.IsZero() {
		ref = n.CreatedAt
	}
	hours := now.Sub(ref).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-p.Lambda() * hours)
}

// Frequency saturates at AccessSaturation accesses.
func Frequency(n store.Node, p Policy) float64 {
	return math.Min(1, float64(n.AccessCount)/float64(p.AccessSaturation))
}

// Centrality is the mean weight of the node's semantic edges, 0 with none.
func Centrality(v *store.View, id string) float64 {
	edges, err := v.Neighbors(id, store.EdgeSemantic)
	if err != nil || len(edges) == 0 {
		return 0
	}
	var sum float64
	for _, e := range edges {
		sum += e.Weight
	}
	return sum / float64(len(edges))
}

// Score combines the three terms into a relevance in [0,1].
func Score(n store.Node, centrality float64, now time.Time, p Policy) Breakdown {
	b := Breakdown{
		Recency:    Recency(n, now, p),
		Centrality: centrality,
		Frequency:  Frequency(n, p),
	}
	b.Total = clamp01(p.RecencyWeight*b.Recency + p.CentralityWeight*b.Centrality + p.FrequencyWeight*b.Frequency)
	return b
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// rescore recomputes and writes the node's relevance.
func rescore(tx *store.Txn, id string, now time.Time, p Policy) error {
	c := Centrality(&tx.View, id)
	_, err := tx.UpdateNode(id, func(n *store.Node) error {
		n.Relevance = Score(*n, c, now, p).Total
		return nil
	})
	return err
}
