package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lazypower/memgraph/internal/kv"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	vec := []float64{0.1, -0.5, math.Pi, 0}
	got := decodeEmbedding(encodeEmbedding(vec))
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
	if decodeEmbedding(encodeEmbedding(nil)) != nil {
		t.Error("empty embedding should decode to nil")
	}
}

func TestReopenRestoresGraph(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()

	s, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	browse := Node{
		ID:             "b1",
		CreatedAt:      t0,
		Type:           TypeBrowser,
		Content:        Content{Browser: &BrowserActivity{URL: "https://go.dev", Title: "Go"}},
		Embedding:      []float64{0.25, 0.5},
		LastAccessedAt: t0,
		Relevance:      0.7,
	}
	err = s.Update(ctx, func(tx *Txn) error {
		if err := tx.Insert(browse); err != nil {
			return err
		}
		if err := tx.Insert(msgNode("m1", t0.Add(time.Minute))); err != nil {
			return err
		}
		if err := tx.PutCluster(Cluster{ID: "c1", Start: t0, End: t0}); err != nil {
			return err
		}
		if err := tx.AssignCluster("b1", "c1"); err != nil {
			return err
		}
		if err := tx.AssignCluster("m1", "c1"); err != nil {
			return err
		}
		return tx.PutEdge(NewEdge("m1", "b1", EdgeTemporal, 0.5, t0))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// a deleted node must not come back
	err = s.Update(ctx, func(tx *Txn) error {
		if err := tx.Insert(msgNode("tmp", t0)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert tmp: %v", err)
	}
	if err := s.Update(ctx, func(tx *Txn) error { return tx.DeleteNode("tmp") }); err != nil {
		t.Fatalf("delete tmp: %v", err)
	}

	reopened, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.View(func(v *View) error {
		st := v.Stats()
		if st.Live != 2 || st.Clusters != 1 || st.Temporal != 1 {
			t.Errorf("stats = %+v", st)
		}
		n, err := v.Get("b1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if n.Content.Browser == nil || n.Content.Browser.URL != "https://go.dev" {
			t.Errorf("content = %+v", n.Content)
		}
		if len(n.Embedding) != 2 || n.Embedding[1] != 0.5 {
			t.Errorf("embedding = %v", n.Embedding)
		}
		if n.ClusterID != "c1" {
			t.Errorf("cluster = %q", n.ClusterID)
		}
		if v.Has("tmp") {
			t.Error("deleted node reloaded")
		}
		if got := v.ListByType(TypeBrowser); len(got) != 1 {
			t.Errorf("type index not rebuilt: %d", len(got))
		}
		return nil
	})
}

func TestMetaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()

	s, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Meta(ctx, "vocab"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Meta on empty store = %v, want ErrNotFound", err)
	}
	insert(t, s, msgNode("a", t0))
	if err := s.PutMeta(ctx, "vocab", []byte(`{"terms":["a"]}`)); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	s2, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("reopen with meta record: %v", err)
	}
	got, err := s2.Meta(ctx, "vocab")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if string(got) != `{"terms":["a"]}` {
		t.Errorf("Meta = %s", got)
	}
	if st := (&View{s: s2}).Stats(); st.Live != 1 {
		t.Errorf("live = %d, want 1", st.Live)
	}
}

func TestOpenRejectsInconsistentBackend(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	n := msgNode("a", t0)
	n.ClusterID = "missing"
	b, err := encodeNode(&n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	backend.Put(ctx, nodeKey("a"), b)

	if _, err := Open(ctx, backend, nil); err == nil {
		t.Fatal("expected consistency error")
	}
}

func TestContentKindAndText(t *testing.T) {
	cases := []struct {
		content Content
		kind    NodeType
		text    string
	}{
		{Content{Browser: &BrowserActivity{URL: "u", Title: "T"}}, TypeBrowser, "T\nu"},
		{Content{Code: &CodeActivity{Path: "a.go", Snippet: "func f()"}}, TypeCode, "a.go\nfunc f()"},
		{Content{Message: &MessageActivity{Text: "hi"}}, TypeMessage, "hi"},
		{Content{Raw: []byte("blob")}, TypeOther, "blob"},
		{Content{}, "", ""},
		{Content{Raw: []byte("x"), Message: &MessageActivity{}}, "", ""},
	}
	for _, c := range cases {
		if got := c.content.Kind(); got != c.kind {
			t.Errorf("Kind() = %q, want %q", got, c.kind)
		}
		if c.kind != "" && c.content.Text() != c.text {
			t.Errorf("Text() = %q, want %q", c.content.Text(), c.text)
		}
	}
}
