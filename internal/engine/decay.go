package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/store"
)

// Decay rescores every live node as of now. It is a pure score refresh:
// access counts and data are untouched, and running it twice with the same
// now writes the same scores.
//
// Work is split into batches of BatchSize nodes, each its own transaction,
// and ctx is checked between batches so ingestion never waits on more than
// one batch. A node that fails to rescore is counted in failed.
func (e *Engine) Decay(ctx context.Context, now time.Time) (decayed, failed int, err error) {
	p := e.Policy()

	var ids []string
	e.Store.View(func(v *store.View) error {
		ids = v.LiveIDs()
		return nil
	})

	for start := 0; start < len(ids); start += p.BatchSize {
		if err := ctx.Err(); err != nil {
			return decayed, failed, err
		}
		end := min(start+p.BatchSize, len(ids))

		var ok, bad int
		err := e.Store.Update(ctx, func(tx *store.Txn) error {
			ok, bad = 0, 0
			for _, id := range ids[start:end] {
				n, err := tx.Get(id)
				if err != nil || n.Archived {
					// deleted or archived since the id snapshot
					continue
				}
				if err := rescore(tx, id, now, p); err != nil {
					e.log.Warn("decay: rescore failed", zap.String("id", id), zap.Error(err))
					bad++
					continue
				}
				ok++
			}
			return nil
		})
		if err != nil {
			return decayed, failed, e.halt(err)
		}
		decayed += ok
		failed += bad
	}
	return decayed, failed, nil
}
