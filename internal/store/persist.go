package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/kv"
)

const (
	nodePrefix    = "node/"
	edgePrefix    = "edge/"
	clusterPrefix = "cluster/"
	metaPrefix    = "meta/"
)

func nodeKey(id string) string    { return nodePrefix + id }
func clusterKey(id string) string { return clusterPrefix + id }
func edgeStorageKey(k edgeKey) string {
	return edgePrefix + string(k.kind) + "/" + k.a + "/" + k.b
}

// nodeRecord is the persisted form of a node; the embedding is stored as a
// packed little-endian float64 blob.
type nodeRecord struct {
	Node
	Vector []byte `json:"vector,omitempty"`
}

// encodeEmbedding converts a []float64 to 8 bytes per value.
func encodeEmbedding(vec []float64) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a blob back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	if n == 0 {
		return nil
	}
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

func encodeNode(n *Node) ([]byte, error) {
	b, err := json.Marshal(nodeRecord{Node: *n, Vector: encodeEmbedding(n.Embedding)})
	if err != nil {
		return nil, fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	return b, nil
}

func decodeNode(b []byte) (*Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	n := rec.Node
	n.Embedding = decodeEmbedding(rec.Vector)
	return &n, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode edge %s-%s: %w", e.A, e.B, err)
	}
	return b, nil
}

func encodeCluster(c *Cluster) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cluster %s: %w", c.ID, err)
	}
	return b, nil
}

// Open loads every record from backend, rebuilds the indexes and verifies the
// graph invariants.
func Open(ctx context.Context, backend kv.Store, logger *zap.Logger) (*Store, error) {
	s := newStore(backend, logger)

	err := backend.Scan(ctx, nodePrefix, func(key string, value []byte) error {
		n, err := decodeNode(value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		s.setNode(n.ID, n)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}

	err = backend.Scan(ctx, clusterPrefix, func(key string, value []byte) error {
		var c Cluster
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		s.setCluster(c.ID, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}

	err = backend.Scan(ctx, edgePrefix, func(key string, value []byte) error {
		var e Edge
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		s.setEdge(e.key(), &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}

	if err := (&View{s: s}).Check(); err != nil {
		return nil, err
	}
	st := (&View{s: s}).Stats()
	s.log.Info("loaded graph",
		zap.Int("live", st.Live),
		zap.Int("archived", st.Archived),
		zap.Int("clusters", st.Clusters),
		zap.Int("edges", st.Temporal+st.Semantic))
	return s, nil
}

// Meta reads a metadata record written by PutMeta. It returns an error
// matching kv.ErrNotFound when the record is absent.
func (s *Store) Meta(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kv.Get(ctx, metaPrefix+name)
}

// PutMeta persists a metadata record outside the graph. Metadata is not
// loaded by Open and does not take part in Check.
func (s *Store) PutMeta(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return apperr.Wrap(apperr.KindConsistencyViolation, "store.meta", s.failed)
	}
	if err := s.kv.Put(ctx, metaPrefix+name, value); err != nil {
		return fmt.Errorf("put meta %s: %w", name, err)
	}
	return nil
}

// OpenMemory returns an empty store over an in-memory backend, for tests.
func OpenMemory() *Store {
	return newStore(kv.NewMemory(), nil)
}
