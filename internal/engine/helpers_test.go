package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lazypower/memgraph/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%03d", n)
	}
}

// recorder counts metric events.
type recorder struct {
	ingested atomic.Int64
	queried  atomic.Int64
	ticks    atomic.Int64
	failures atomic.Int64
}

func (r *recorder) Ingested(store.NodeType)          { r.ingested.Add(1) }
func (r *recorder) Queried(time.Duration, int)       { r.queried.Add(1) }
func (r *recorder) Ticked(TickReport, time.Duration) { r.ticks.Add(1) }
func (r *recorder) ProviderFailed(string)            { r.failures.Add(1) }
func (r *recorder) GraphSize(store.Stats)            {}

func testEngine(t *testing.T, p Policy, opts ...Option) (*Engine, *clock) {
	t.Helper()
	st := store.OpenMemory()
	t.Cleanup(func() { st.Close() })

	clk := &clock{t: t0}
	opts = append([]Option{WithClock(clk.Now), WithIDs(seqIDs())}, opts...)
	e, err := New(st, p, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, clk
}

func msg(id string, at time.Time, vec ...float64) Activity {
	return Activity{
		ID:        id,
		Type:      store.TypeMessage,
		Timestamp: at,
		Content:   store.Content{Message: &store.MessageActivity{Text: "message " + id}},
		Embedding: vec,
	}
}

func mustIngest(t *testing.T, e *Engine, acts ...Activity) {
	t.Helper()
	for _, a := range acts {
		_, err := e.Ingest(context.Background(), a)
		require.NoError(t, err, "ingest %s", a.ID)
	}
}

func getNode(t *testing.T, e *Engine, id string) store.Node {
	t.Helper()
	var n store.Node
	err := e.Store.View(func(v *store.View) error {
		var err error
		n, err = v.Get(id)
		return err
	})
	require.NoError(t, err)
	return n
}

// stubEmbedder returns fixed vectors by text, or err when set.
type stubEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float64
	err   error
	calls int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func (s *stubEmbedder) Model() string   { return "stub" }
func (s *stubEmbedder) Dimensions() int { return 3 }
