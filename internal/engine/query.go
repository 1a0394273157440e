package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/store"
)

// QueryContext describes what the caller is looking for. Either Embedding
// or Text is required; Text needs an embedding provider.
type QueryContext struct {
	Embedding []float64        `json:"embedding,omitempty"`
	Text      string           `json:"text,omitempty"`
	Types     []store.NodeType `json:"types,omitempty"`
	Since     time.Time        `json:"since,omitempty"`
	Until     time.Time        `json:"until,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

func (q QueryContext) limit(p Policy) int {
	if q.Limit <= 0 {
		return p.DefaultLimit
	}
	return min(q.Limit, p.MaxLimit)
}

// Result is one ranked memory. Relevance and LastAccessedAt are the values
// the ranking used, before this query's access was recorded.
type Result struct {
	NodeID         string         `json:"node_id"`
	Type           store.NodeType `json:"type"`
	Content        store.Content  `json:"content"`
	Score          float64        `json:"score"`
	Relevance      float64        `json:"relevance"`
	Similarity     float64        `json:"similarity"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// rankResults orders by score descending, most recently accessed first on
// ties, then id.
func rankResults(r []Result) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		if !r[i].LastAccessedAt.Equal(r[j].LastAccessedAt) {
			return r[i].LastAccessedAt.After(r[j].LastAccessedAt)
		}
		return r[i].NodeID < r[j].NodeID
	})
}

// Query ranks live nodes by QueryAlpha*relevance + QueryBeta*similarity.
// Every returned node has its access recorded, which feeds its relevance.
// On a halted graph the ranking is still served but access is not recorded.
func (e *Engine) Query(ctx context.Context, q QueryContext) ([]Result, error) {
	start := time.Now()
	p := e.Policy()

	vec, err := e.queryVector(ctx, q, p)
	if err != nil {
		return nil, err
	}
	now := e.now()

	var results []Result
	e.Store.View(func(v *store.View) error {
		for _, n := range candidates(v, q) {
			if n.Archived {
				continue
			}
			sim := CosineSimilarity(vec, n.Embedding)
			results = append(results, Result{
				NodeID:         n.ID,
				Type:           n.Type,
				Content:        n.Content,
				Score:          p.QueryAlpha*n.Relevance + p.QueryBeta*sim,
				Relevance:      n.Relevance,
				Similarity:     sim,
				CreatedAt:      n.CreatedAt,
				LastAccessedAt: n.LastAccessedAt,
			})
		}
		return nil
	})

	rankResults(results)
	if l := q.limit(p); len(results) > l {
		results = results[:l]
	}

	if err := e.recordAccess(ctx, results, now, p); err != nil {
		if !errors.Is(err, apperr.ErrConsistencyViolation) {
			return nil, err
		}
		e.log.Warn("graph halted, access not recorded", zap.Error(err))
	}

	e.metrics.Queried(time.Since(start), len(results))
	return results, nil
}

func (e *Engine) queryVector(ctx context.Context, q QueryContext, p Policy) ([]float64, error) {
	vec := q.Embedding
	if len(vec) == 0 {
		if q.Text == "" {
			return nil, apperr.New(apperr.KindInvalid, "query", "embedding or text is required")
		}
		if e.Embedder == nil {
			return nil, apperr.New(apperr.KindInvalid, "query", "text query needs an embedding provider")
		}
		var err error
		if vec, err = e.embed(ctx, q.Text, p); err != nil {
			return nil, err
		}
	}
	if d := e.dims.Load(); d != 0 && int(d) != len(vec) {
		return nil, apperr.New(apperr.KindInvalid, "query",
			"embedding has %d dimensions, graph uses %d", len(vec), d)
	}
	for _, t := range q.Types {
		if _, err := store.ParseNodeType(string(t)); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, "query", err)
		}
	}
	return vec, nil
}

// candidates narrows by type and time through the store indexes.
func candidates(v *store.View, q QueryContext) []store.Node {
	if len(q.Types) == 0 {
		return v.ListRange(q.Since, q.Until)
	}
	seen := make(map[store.NodeType]bool)
	var out []store.Node
	for _, t := range q.Types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, v.ListTypeRange(t, q.Since, q.Until)...)
	}
	return out
}

// recordAccess bumps access count and time on each result and rescores it.
func (e *Engine) recordAccess(ctx context.Context, results []Result, now time.Time, p Policy) error {
	if len(results) == 0 {
		return nil
	}
	err := e.Store.Update(ctx, func(tx *store.Txn) error {
		for _, r := range results {
			n, err := tx.Get(r.NodeID)
			if err != nil || n.Archived {
				// pruned between ranking and feedback
				continue
			}
			if _, err := tx.UpdateNode(r.NodeID, func(n *store.Node) error {
				n.AccessCount++
				if now.After(n.LastAccessedAt) {
					n.LastAccessedAt = now
				}
				return nil
			}); err != nil {
				return err
			}
			if err := rescore(tx, r.NodeID, now, p); err != nil {
				return err
			}
		}
		return nil
	})
	return e.halt(err)
}
