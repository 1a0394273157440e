// Package store holds memory nodes, their edges and clusters in an in-process
// arena with secondary indexes, and persists changes through a kv.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/kv"
)

// Store owns node, edge and cluster lifetime. Writers are serialized through
// Update; readers share View.
type Store struct {
	mu  sync.RWMutex
	kv  kv.Store
	log *zap.Logger

	nodes    map[string]*Node
	edges    map[edgeKey]*Edge
	adj      map[string]map[edgeKey]struct{}
	clusters map[string]*Cluster
	timeline []string // cluster ids ordered by Start

	byTime timeIndex
	byType map[NodeType]*timeIndex
	live   int

	failed error
}

func newStore(backend kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:       backend,
		log:      logger.Named("store"),
		nodes:    make(map[string]*Node),
		edges:    make(map[edgeKey]*Edge),
		adj:      make(map[string]map[edgeKey]struct{}),
		clusters: make(map[string]*Cluster),
		byType:   make(map[NodeType]*timeIndex),
	}
	for _, t := range NodeTypes {
		s.byType[t] = &timeIndex{}
	}
	return s
}

// View runs fn against a consistent snapshot under the read lock.
func (s *Store) View(fn func(v *View) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&View{s: s})
}

// Update runs fn as the single writer. Changes are applied in memory and
// flushed to the backend when fn returns nil. If fn or the flush fails, the
// in-memory changes are rolled back.
func (s *Store) Update(ctx context.Context, fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return apperr.Wrap(apperr.KindConsistencyViolation, "store.update", s.failed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newTxn(s)
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.flush(ctx); err != nil {
		tx.rollback()
		if _, atomic := s.kv.(kv.Batcher); !atomic || errors.Is(err, kv.ErrPartialWrite) {
			s.failed = err
			s.log.Error("partial flush, store halted", zap.Error(err))
			return apperr.Wrap(apperr.KindConsistencyViolation, "store.flush", err)
		}
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Fail halts the store: every later Update returns ConsistencyViolation.
func (s *Store) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = cause
		s.log.Error("store halted", zap.Error(cause))
	}
}

// Failed returns the error that halted the store, if any.
func (s *Store) Failed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// --- raw setters; every in-memory mutation goes through these ---

func (s *Store) setNode(id string, n *Node) {
	old := s.nodes[id]
	if old != nil {
		if !old.Archived {
			s.live--
		}
		if n == nil || !n.CreatedAt.Equal(old.CreatedAt) || n.Type != old.Type {
			s.byTime.remove(old.CreatedAt, id)
			s.byType[old.Type].remove(old.CreatedAt, id)
		}
	}
	if n == nil {
		delete(s.nodes, id)
		return
	}
	if !n.Archived {
		s.live++
	}
	if old == nil || !n.CreatedAt.Equal(old.CreatedAt) || n.Type != old.Type {
		s.byTime.add(n.CreatedAt, id)
		idx, ok := s.byType[n.Type]
		if !ok {
			idx = &timeIndex{}
			s.byType[n.Type] = idx
		}
		idx.add(n.CreatedAt, id)
	}
	s.nodes[id] = n
}

func (s *Store) setEdge(k edgeKey, e *Edge) {
	if e == nil {
		delete(s.edges, k)
		for _, id := range []string{k.a, k.b} {
			if m := s.adj[id]; m != nil {
				delete(m, k)
				if len(m) == 0 {
					delete(s.adj, id)
				}
			}
		}
		return
	}
	s.edges[k] = e
	for _, id := range []string{k.a, k.b} {
		m := s.adj[id]
		if m == nil {
			m = make(map[edgeKey]struct{})
			s.adj[id] = m
		}
		m[k] = struct{}{}
	}
}

func (s *Store) setCluster(id string, c *Cluster) {
	if _, ok := s.clusters[id]; ok {
		for i, cid := range s.timeline {
			if cid == id {
				s.timeline = append(s.timeline[:i], s.timeline[i+1:]...)
				break
			}
		}
	}
	if c == nil {
		delete(s.clusters, id)
		return
	}
	s.clusters[id] = c
	i := sort.Search(len(s.timeline), func(i int) bool {
		o := s.clusters[s.timeline[i]]
		if !o.Start.Equal(c.Start) {
			return o.Start.After(c.Start)
		}
		return o.ID > c.ID
	})
	s.timeline = append(s.timeline, "")
	copy(s.timeline[i+1:], s.timeline[i:])
	s.timeline[i] = id
}

func notFound(op, what, id string) error {
	return apperr.New(apperr.KindNotFound, op, "%s %q not found", what, id)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, apperr.ErrNotFound) }
