package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TickReport counts what one maintenance pass did. Failed counts nodes that
// could not be processed; the pass continues past them.
type TickReport struct {
	Decayed  int `json:"decayed"`
	Archived int `json:"archived"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// Tick runs decay then pruning as of now.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	var r TickReport

	decayed, failed, err := e.Decay(ctx, now)
	r.Decayed, r.Failed = decayed, failed
	if err != nil {
		return r, err
	}

	pr, err := e.Prune(ctx, now)
	r.Archived, r.Deleted = pr.Archived, pr.Deleted
	r.Failed += pr.Failed
	if err != nil {
		return r, err
	}

	took := time.Since(start)
	e.metrics.Ticked(r, took)
	e.metrics.GraphSize(e.Stats())
	if r.Decayed > 0 || r.Archived > 0 || r.Deleted > 0 || r.Failed > 0 {
		e.log.Info("tick",
			zap.Int("decayed", r.Decayed),
			zap.Int("archived", r.Archived),
			zap.Int("deleted", r.Deleted),
			zap.Int("failed", r.Failed),
			zap.Duration("took", took))
	}
	return r, nil
}
