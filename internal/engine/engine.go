package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/store"
)

// Metrics receives engine events. internal/metrics provides the Prometheus
// implementation.
type Metrics interface {
	Ingested(t store.NodeType)
	Queried(d time.Duration, results int)
	Ticked(r TickReport, d time.Duration)
	ProviderFailed(model string)
	GraphSize(st store.Stats)
}

type nopMetrics struct{}

func (nopMetrics) Ingested(store.NodeType)          {}
func (nopMetrics) Queried(time.Duration, int)       {}
func (nopMetrics) Ticked(TickReport, time.Duration) {}
func (nopMetrics) ProviderFailed(string)            {}
func (nopMetrics) GraphSize(store.Stats)            {}

// Engine coordinates ingestion, scoring, maintenance and queries over one
// graph. All mutation goes through the store's single writer path.
type Engine struct {
	Store    *store.Store
	Embedder Embedder

	policy  atomic.Pointer[Policy]
	dims    atomic.Int64
	log     *zap.Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l.Named("engine") }
}

// WithEmbedder sets the provider used for activities and queries that carry
// text but no embedding.
func WithEmbedder(emb Embedder) Option {
	return func(e *Engine) { e.Embedder = emb }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used by Ingest and Query.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs sets the generator for node and cluster ids.
func WithIDs(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New creates an Engine over st. The policy is validated first.
func New(st *store.Store, p Policy, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		Store:   st,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
		newID:   uuid.NewString,
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.policy.Store(&p)

	st.View(func(v *store.View) error {
		v.EachLive(func(n store.Node) bool {
			if len(n.Embedding) > 0 {
				e.dims.Store(int64(len(n.Embedding)))
				return false
			}
			return true
		})
		return nil
	})
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy validates and swaps in p. Passes already running keep the policy
// they started with.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.policy.Store(&p)
	e.log.Info("policy updated",
		zap.Duration("cluster_gap", p.ClusterGap),
		zap.Int("ceiling", p.Ceiling),
		zap.Duration("half_life", p.HalfLife))
	return nil
}

// halt stops further mutation when err reports a broken invariant.
func (e *Engine) halt(err error) error {
	if errors.Is(err, apperr.ErrConsistencyViolation) {
		e.Store.Fail(err)
	}
	return err
}

// Check runs the full invariant scan. A violation halts the graph.
func (e *Engine) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.Store.View(func(v *store.View) error { return v.Check() })
	if err != nil {
		e.log.Error("consistency check failed", zap.Error(err))
		return e.halt(err)
	}
	return nil
}

// Stats returns graph counts.
func (e *Engine) Stats() store.Stats {
	var st store.Stats
	e.Store.View(func(v *store.View) error {
		st = v.Stats()
		return nil
	})
	return st
}

// Explain returns the node's score terms as of now without writing anything.
func (e *Engine) Explain(id string, now time.Time) (store.Node, Breakdown, error) {
	var (
		n store.Node
		b Breakdown
	)
	err := e.Store.View(func(v *store.View) error {
		var err error
		n, err = v.Get(id)
		if err != nil {
			return err
		}
		b = Score(n, Centrality(v, id), now, e.Policy())
		return nil
	})
	return n, b, err
}

// StartTicker runs a maintenance tick now and then every interval until Stop.
func (e *Engine) StartTicker(interval time.Duration) {
	e.runTick()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runTick()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runTick() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := e.Tick(ctx, e.now()); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("tick failed", zap.Error(err))
	}
}

// Stop shuts down the background ticker and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
