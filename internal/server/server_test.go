package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/metrics"
	"github.com/lazypower/memgraph/internal/store"
)

func testServer(t *testing.T, opts ...Option) (*Server, *engine.Engine) {
	t.Helper()
	st := store.OpenMemory()
	t.Cleanup(func() { st.Close() })
	e, err := engine.New(st, engine.DefaultPolicy())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return New(e, "test-version", opts...), e
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, e := testServer(t)

	w := do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["embedder"] != "none" {
		t.Errorf("embedder = %v, want none", body["embedder"])
	}

	e.Store.Fail(errors.New("corrupt index"))
	w = do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("halted status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	decodeBody(t, w, &body)
	if body["status"] != "halted" {
		t.Errorf("status = %v, want halted", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, WithMetrics(metrics.New("memgraph")))
	do(t, srv, "GET", "/api/health", "")

	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/health"`) {
		t.Errorf("metrics missing health route:\n%s", w.Body.String())
	}

	plain, _ := testServer(t)
	if w := do(t, plain, "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("metrics without collector = %d, want 404", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, WithCORS([]string{"http://localhost:5173"}))

	req := httptest.NewRequest("OPTIONS", "/api/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
