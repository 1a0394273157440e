package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/store"
)

func resultIDs(rs []Result) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.NodeID
	}
	return ids
}

func TestQueryRanksBySimilarityAndRelevance(t *testing.T) {
	e, clk := testEngine(t, DefaultPolicy())
	mustIngest(t, e,
		msg("a", t0, 1, 0),
		msg("b", t0, 0.8, 0.6),
		msg("c", t0, 0, 1),
	)
	clk.Set(t0.Add(time.Hour))

	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs(rs))
	for i := 1; i < len(rs); i++ {
		assert.GreaterOrEqual(t, rs[i-1].Score, rs[i].Score)
	}
	assert.InDelta(t, 1.0, rs[0].Similarity, 1e-9)
	p := e.Policy()
	assert.InDelta(t, p.QueryAlpha*rs[0].Relevance+p.QueryBeta*rs[0].Similarity, rs[0].Score, 1e-12)
}

func TestQueryRecordsAccess(t *testing.T) {
	m := &recorder{}
	e, clk := testEngine(t, DefaultPolicy(), WithMetrics(m))
	mustIngest(t, e, msg("a", t0, 1, 0), msg("b", t0.Add(2*time.Hour), 0, 1))
	now := t0.Add(5 * time.Hour)
	clk.Set(now)

	before := getNode(t, e, "a")
	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "a", rs[0].NodeID)
	assert.Equal(t, before.Relevance, rs[0].Relevance)

	a := getNode(t, e, "a")
	assert.Equal(t, 1, a.AccessCount)
	assert.Equal(t, now, a.LastAccessedAt)
	assert.Greater(t, a.Relevance, before.Relevance)

	assert.Zero(t, getNode(t, e, "b").AccessCount, "unreturned nodes are untouched")
	assert.EqualValues(t, 1, m.queried.Load())
}

func TestQueryFilters(t *testing.T) {
	e, _ := testEngine(t, DefaultPolicy())
	mustIngest(t, e,
		msg("m1", t0, 1, 0),
		Activity{
			ID: "code1", Type: store.TypeCode, Timestamp: t0.Add(time.Hour),
			Content:   store.Content{Code: &store.CodeActivity{Path: "main.go", Snippet: "func main() {}"}},
			Embedding: []float64{1, 0},
		},
		msg("m2", t0.Add(3*time.Hour), 1, 0),
	)

	rs, err := e.Query(context.Background(), QueryContext{
		Embedding: []float64{1, 0},
		Types:     []store.NodeType{store.TypeMessage},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, resultIDs(rs))

	rs, err = e.Query(context.Background(), QueryContext{
		Embedding: []float64{1, 0},
		Since:     t0.Add(30 * time.Minute),
		Until:     t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"code1"}, resultIDs(rs))
}

func TestQueryLimit(t *testing.T) {
	p := DefaultPolicy()
	p.DefaultLimit, p.MaxLimit = 2, 3
	e, _ := testEngine(t, p)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		mustIngest(t, e, msg(id, t0.Add(time.Duration(i)*time.Hour), 1, float64(i)))
	}

	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}})
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	rs, err = e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, rs, 3)
}

func TestQueryExcludesArchived(t *testing.T) {
	e, _ := testEngine(t, DefaultPolicy())
	mustIngest(t, e, msg("a", t0, 1, 0), msg("b", t0.Add(time.Hour), 1, 0))
	err := e.Store.Update(context.Background(), func(tx *store.Txn) error {
		_, err := tx.UpdateNode("a", func(n *store.Node) error {
			n.Archived = true
			n.ArchivedAt = t0
			return nil
		})
		return err
	})
	require.NoError(t, err)

	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, resultIDs(rs))
}

func TestQueryInvalid(t *testing.T) {
	e, _ := testEngine(t, DefaultPolicy())
	mustIngest(t, e, msg("a", t0, 1, 0))

	tests := []struct {
		name string
		q    QueryContext
	}{
		{"empty", QueryContext{}},
		{"text without provider", QueryContext{Text: "hello"}},
		{"dimension mismatch", QueryContext{Embedding: []float64{1, 0, 0}}},
		{"unknown type", QueryContext{Embedding: []float64{1, 0}, Types: []store.NodeType{"video"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Query(context.Background(), tt.q)
			assert.ErrorIs(t, err, apperr.ErrInvalid)
		})
	}
}

func TestQueryEmptyGraph(t *testing.T) {
	e, _ := testEngine(t, DefaultPolicy())
	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestQueryText(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"message a": {1, 0, 0},
		"message b": {0, 1, 0},
		"find a":    {1, 0, 0},
	}}
	e, _ := testEngine(t, DefaultPolicy(), WithEmbedder(emb))
	mustIngest(t, e, msg("a", t0), msg("b", t0.Add(2*time.Hour)))

	rs, err := e.Query(context.Background(), QueryContext{Text: "find a"})
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	assert.Equal(t, "a", rs[0].NodeID)
}

func TestQueryTextProviderFailure(t *testing.T) {
	emb := &stubEmbedder{}
	e, _ := testEngine(t, DefaultPolicy(), WithEmbedder(emb))
	mustIngest(t, e, msg("a", t0, 0, 0, 1))

	emb.err = errors.New("connection refused")
	_, err := e.Query(context.Background(), QueryContext{Text: "anything"})
	assert.ErrorIs(t, err, apperr.ErrTransientProviderFailure)
}

func TestQueryOnHaltedGraph(t *testing.T) {
	e, _ := testEngine(t, DefaultPolicy())
	mustIngest(t, e, msg("a", t0, 1, 0))
	e.Store.Fail(errors.New("corrupt"))

	rs, err := e.Query(context.Background(), QueryContext{Embedding: []float64{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resultIDs(rs))
	assert.Zero(t, getNode(t, e, "a").AccessCount)

	_, err = e.Ingest(context.Background(), msg("b", t0, 1, 0))
	assert.ErrorIs(t, err, apperr.ErrConsistencyViolation)
}

func TestRankResultsTies(t *testing.T) {
	rs := []Result{
		{NodeID: "b", Score: 0.5, LastAccessedAt: t0},
		{NodeID: "a", Score: 0.5, LastAccessedAt: t0},
		{NodeID: "c", Score: 0.5, LastAccessedAt: t0.Add(time.Hour)},
		{NodeID: "d", Score: 0.9, LastAccessedAt: t0},
	}
	rankResults(rs)
	assert.Equal(t, []string{"d", "c", "a", "b"}, resultIDs(rs))
}
