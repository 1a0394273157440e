package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status through its apperr kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= 500 {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	body := map[string]string{"error": err.Error()}
	if kind := apperr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, code, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	return s.decodeRequest(w, r, v, false)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return apperr.New(apperr.KindInvalid, "decode", "invalid json: %v", err)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var a engine.Activity
	if err := s.decode(w, r, &a); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.engine.Ingest(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type batchError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// handleIngestBatch ingests in order and reports per-item failures. A halted
// graph stops the batch.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Activities []engine.Activity `json:"activities"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ids := make([]string, 0, len(req.Activities))
	var failed []batchError
	for i, a := range req.Activities {
		id, err := s.engine.Ingest(r.Context(), a)
		if err != nil {
			if errors.Is(err, apperr.ErrConsistencyViolation) {
				s.writeError(w, r, err)
				return
			}
			failed = append(failed, batchError{Index: i, ID: a.ID, Kind: string(apperr.KindOf(err)), Error: err.Error()})
			continue
		}
		ids = append(ids, id)
	}

	code := http.StatusCreated
	if len(failed) > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]any{
		"ingested": len(ids),
		"ids":      ids,
		"errors":   failed,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q engine.QueryContext
	if err := s.decode(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.engine.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []engine.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Now time.Time `json:"now"`
	}
	// the body is optional, and may arrive chunked with no length
	if err := s.decodeRequest(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	report, err := s.engine.Tick(r.Context(), req.Now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Check(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

type nodeJSON struct {
	store.Node
	EmbeddingDims int              `json:"embedding_dims"`
	Score         engine.Breakdown `json:"score"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, b, err := s.engine.Explain(chi.URLParam(r, "id"), time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeJSON{Node: n, EmbeddingDims: len(n.Embedding), Score: b})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	kinds := []store.EdgeKind{store.EdgeTemporal, store.EdgeSemantic}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := store.ParseEdgeKind(k)
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindInvalid, "neighbors", err))
			return
		}
		kinds = []store.EdgeKind{kind}
	}

	edges := []store.Edge{}
	err := s.engine.Store.View(func(v *store.View) error {
		for _, k := range kinds {
			es, err := v.Neighbors(id, k)
			if err != nil {
				return err
			}
			edges = append(edges, es...)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    id,
		"count": len(edges),
		"edges": edges,
	})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.New(apperr.KindInvalid, "params", "%s: %v", name, err)
	}
	return t, nil
}

// handleClusters lists clusters overlapping [since, until).
func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	clusters := []store.Cluster{}
	s.engine.Store.View(func(v *store.View) error {
		for _, c := range v.Clusters() {
			if !since.IsZero() && c.End.Before(since) {
				continue
			}
			if !until.IsZero() && !c.Start.Before(until) {
				continue
			}
			clusters = append(clusters, c)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(clusters),
		"clusters": clusters,
	})
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperr.New(apperr.KindInvalid, "params", "limit %q", v)
	}
	return n, nil
}
