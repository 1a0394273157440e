package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/store"
)

// Ingest stores an activity as a new node, clusters it, links it and scores
// it, all in one transaction. It returns the node id.
//
// An activity without an embedding is embedded through the configured
// provider. A provider failure is logged and the node is stored without
// semantic edges.
func (e *Engine) Ingest(ctx context.Context, a Activity) (string, error) {
	p := e.Policy()

	a, err := validateActivity(a, e.log)
	if err != nil {
		return "", err
	}

	emb := a.Embedding
	if len(emb) == 0 && e.Embedder != nil {
		if text := a.Content.Text(); text != "" {
			emb, err = e.embed(ctx, text, p)
			if err != nil {
				e.log.Warn("embedding skipped", zap.String("type", string(a.Type)), zap.Error(err))
				emb = nil
			}
		}
	}
	id := a.ID
	if id == "" {
		id = e.newID()
	}
	now := e.now()

	node := store.Node{
		ID:             id,
		CreatedAt:      a.Timestamp,
		Type:           a.Type,
		Content:        a.Content,
		Embedding:      emb,
		LastAccessedAt: a.Timestamp,
	}

	var live int
	var claimed bool
	err = e.Store.Update(ctx, func(tx *store.Txn) error {
		var err error
		if claimed, err = e.claimDims(emb); err != nil {
			return err
		}
		if err := tx.Insert(node); err != nil {
			return err
		}
		temporal, err := e.cluster(tx, node, now, p)
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		clustered, err := tx.Get(id)
		if err != nil {
			return err
		}
		semantic, err := linkSemantic(tx, clustered, now, p)
		if err != nil {
			return fmt.Errorf("link: %w", err)
		}

		if err := rescore(tx, id, now, p); err != nil {
			return err
		}
		for _, other := range dedupe(temporal, semantic) {
			if err := rescore(tx, other, now, p); err != nil {
				return err
			}
		}

		if err := verifyMembership(&tx.View, id); err != nil {
			return err
		}
		live = tx.LiveCount()
		return nil
	})
	if err != nil {
		if claimed {
			e.dims.CompareAndSwap(int64(len(emb)), 0)
		}
		return "", e.halt(err)
	}
	e.metrics.Ingested(a.Type)
	e.log.Debug("ingested", zap.String("id", id), zap.String("type", string(a.Type)))

	if p.PruneOnIngest && live > p.Ceiling {
		n, err := e.archiveOverflow(ctx, now, p)
		if err != nil {
			e.log.Warn("ingest prune failed", zap.Error(err))
		} else if n > 0 {
			e.log.Info("ingest prune", zap.Int("archived", n))
		}
	}
	return id, nil
}

// claimDims enforces one embedding dimension per graph. It must run inside
// the writer so two first embeddings cannot both win; it reports whether this
// call fixed the dimension.
func (e *Engine) claimDims(emb []float64) (bool, error) {
	if len(emb) == 0 {
		return false, nil
	}
	if e.dims.CompareAndSwap(0, int64(len(emb))) {
		return true, nil
	}
	if d := e.dims.Load(); int(d) != len(emb) {
		return false, apperr.New(apperr.KindInvalid, "ingest",
			"embedding has %d dimensions, graph uses %d", len(emb), d)
	}
	return false, nil
}

// verifyMembership checks that the node's cluster exists and lists it.
func verifyMembership(v *store.View, id string) error {
	n, err := v.Get(id)
	if err != nil {
		return err
	}
	if n.ClusterID == "" {
		return apperr.New(apperr.KindConsistencyViolation, "ingest", "node %q has no cluster", id)
	}
	c, err := v.Cluster(n.ClusterID)
	if err != nil {
		return apperr.New(apperr.KindConsistencyViolation, "ingest",
			"node %q references missing cluster %q", id, n.ClusterID)
	}
	for _, m := range c.Members {
		if m == id {
			return nil
		}
	}
	return apperr.New(apperr.KindConsistencyViolation, "ingest",
		"cluster %q does not list node %q", c.ID, id)
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// embed calls the provider under the policy timeout.
func (e *Engine) embed(ctx context.Context, text string, p Policy) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ProviderTimeout)
	defer cancel()

	start := time.Now()
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		e.metrics.ProviderFailed(e.Embedder.Model())
		return nil, asProviderFailure(err)
	}
	e.log.Debug("embedded", zap.String("model", e.Embedder.Model()), zap.Duration("took", time.Since(start)))
	return vec, nil
}
