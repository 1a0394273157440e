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

// PruneReport counts what a prune pass did.
type PruneReport struct {
	Archived int `json:"archived"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// Prune archives the lowest-value live nodes when the graph is over its
// ceiling, then hard-deletes archived nodes past the retention horizon.
func (e *Engine) Prune(ctx context.Context, now time.Time) (PruneReport, error) {
	p := e.Policy()
	var r PruneReport

	archived, err := e.archiveOverflow(ctx, now, p)
	r.Archived = archived
	if err != nil {
		return r, err
	}

	deleted, failed, err := e.purgeArchived(ctx, now, p)
	r.Deleted, r.Failed = deleted, failed
	return r, err
}

func protected(n store.Node, now time.Time, p Policy) bool {
	return n.LastAccessedAt.After(now.Add(-p.ProtectedWindow))
}

// pruneOrder sorts by relevance ascending, then least recently accessed,
// then id.
func pruneOrder(nodes []store.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Relevance != b.Relevance {
			return a.Relevance < b.Relevance
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})
}

// archiveOverflow archives from the bottom of pruneOrder until the live
// count reaches the floor. Protected nodes are skipped even if that leaves
// the graph above the floor.
func (e *Engine) archiveOverflow(ctx context.Context, now time.Time, p Policy) (int, error) {
	var victims []string
	e.Store.View(func(v *store.View) error {
		live := v.LiveCount()
		if live <= p.Ceiling {
			return nil
		}
		excess := live - p.Floor()
		nodes := v.Live()
		pruneOrder(nodes)
		for _, n := range nodes {
			if len(victims) == excess {
				break
			}
			if !protected(n, now, p) {
				victims = append(victims, n.ID)
			}
		}
		return nil
	})

	archived := 0
	for start := 0; start < len(victims); start += p.BatchSize {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		end := min(start+p.BatchSize, len(victims))

		var n int
		err := e.Store.Update(ctx, func(tx *store.Txn) error {
			n = 0
			for _, id := range victims[start:end] {
				cur, err := tx.Get(id)
				// a query may have touched it since the snapshot
				if err != nil || cur.Archived || protected(cur, now, p) || tx.LiveCount() <= p.Floor() {
					continue
				}
				if _, err := tx.UpdateNode(id, func(node *store.Node) error {
					node.Archived = true
					node.ArchivedAt = now
					return nil
				}); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return archived, e.halt(err)
		}
		archived += n
	}

	if archived > 0 {
		e.log.Debug("archived overflow", zap.Int("archived", archived), zap.Int("floor", p.Floor()))
	}
	return archived, nil
}

func archivedSince(n store.Node) time.Time {
	if n.ArchivedAt.IsZero() {
		return n.CreatedAt
	}
	return n.ArchivedAt
}

// purgeArchived deletes archived nodes older than the retention horizon,
// with their edges and any cluster they leave empty. Live neighbours that
// lose a semantic edge are rescored.
func (e *Engine) purgeArchived(ctx context.Context, now time.Time, p Policy) (deleted, failed int, err error) {
	cutoff := now.Add(-p.RetentionHorizon)

	var expired []string
	e.Store.View(func(v *store.View) error {
		for _, n := range v.Archived() {
			if archivedSince(n).Before(cutoff) {
				expired = append(expired, n.ID)
			}
		}
		return nil
	})

	for start := 0; start < len(expired); start += p.BatchSize {
		if err := ctx.Err(); err != nil {
			return deleted, failed, err
		}
		end := min(start+p.BatchSize, len(expired))

		var ok, bad int
		err := e.Store.Update(ctx, func(tx *store.Txn) error {
			ok, bad = 0, 0
			affected := make(map[string]bool)
			for _, id := range expired[start:end] {
				edges, err := tx.Neighbors(id, store.EdgeSemantic)
				if err != nil {
					continue
				}
				if err := tx.DeleteNode(id); err != nil {
					if errors.Is(err, apperr.ErrConsistencyViolation) {
						return err
					}
					e.log.Warn("purge: delete failed", zap.String("id", id), zap.Error(err))
					bad++
					continue
				}
				delete(affected, id)
				for _, edge := range edges {
					if other := edge.Other(id); tx.Has(other) {
						affected[other] = true
					}
				}
				ok++
			}

			others := make([]string, 0, len(affected))
			for id := range affected {
				if tx.Has(id) {
					others = append(others, id)
				}
			}
			sort.Strings(others)
			for _, id := range others {
				if n, _ := tx.Get(id); n.Archived {
					continue
				}
				if err := rescore(tx, id, now, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, failed, e.halt(err)
		}
		deleted += ok
		failed += bad
	}
	return deleted, failed, nil
}
