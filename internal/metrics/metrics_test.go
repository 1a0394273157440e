package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

func TestEngineEvents(t *testing.T) {
	c := New("memgraph")

	c.Ingested(store.TypeBrowser)
	c.Ingested(store.TypeBrowser)
	c.Ingested(store.TypeCode)
	c.Queried(5*time.Millisecond, 3)
	c.Ticked(engine.TickReport{Decayed: 10, Archived: 2, Deleted: 1}, time.Second)
	c.ProviderFailed("ollama:nomic-embed-text")
	c.GraphSize(store.Stats{Live: 7, Archived: 2, Temporal: 4, Semantic: 3, Clusters: 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ingested.WithLabelValues("browser")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingested.WithLabelValues("code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.tickNodes.WithLabelValues("decayed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tickNodes.WithLabelValues("archived")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerFailures.WithLabelValues("ollama:nomic-embed-text")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.nodes.WithLabelValues("live")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.edges.WithLabelValues("semantic")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.clusters))
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := New("memgraph")

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/api/nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", c.Handler())

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nodes/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/nodes/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `memgraph_http_requests_total{method="GET",route="/api/nodes/{id}",status="404"} 3`))
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New("memgraph"), New("memgraph")
	a.Ingested(store.TypeOther)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ingested.WithLabelValues("other")))
}
