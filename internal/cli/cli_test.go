package cli

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/client"
	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/server"
	"github.com/lazypower/memgraph/internal/store"
)

func resetIngestFlags() {
	ingestType, ingestID, ingestAt = "message", "", ""
	ingestURL, ingestTitle, ingestPath, ingestLang = "", "", "", ""
	ingestSender, ingestChannel = "", ""
}

func TestBuildActivity(t *testing.T) {
	t.Cleanup(resetIngestFlags)

	resetIngestFlags()
	ingestType, ingestURL, ingestTitle, ingestAt = "browser", "https://go.dev", "Go", "2026-03-01T09:00:00Z"
	a, err := buildActivity("the go programming language")
	require.NoError(t, err)
	assert.Equal(t, store.TypeBrowser, a.Type)
	require.NotNil(t, a.Content.Browser)
	assert.Equal(t, "https://go.dev", a.Content.Browser.URL)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), a.Timestamp)

	resetIngestFlags()
	ingestType = "other"
	a, err = buildActivity("blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), a.Content.Raw)

	resetIngestFlags()
	ingestType = "video"
	_, err = buildActivity("x")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	resetIngestFlags()
	ingestAt = "yesterday"
	_, err = buildActivity("x")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2026-02-28T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("last week", now)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestBuildEmbedder(t *testing.T) {
	ctx := context.Background()
	st := store.OpenMemory()
	t.Cleanup(func() { st.Close() })
	log := zap.NewNop()

	emb, err := buildEmbedder(ctx, config.EmbedderConfig{Provider: "none"}, st, log)
	require.NoError(t, err)
	assert.Nil(t, emb)

	// nothing stored yet, so no vocabulary can be built
	emb, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "tfidf"}, st, log)
	require.NoError(t, err)
	assert.Nil(t, emb)

	eng, err := engine.New(st, engine.DefaultPolicy())
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, engine.Activity{
		Type: store.TypeMessage, Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Content: store.Content{Message: &store.MessageActivity{Text: "fix the parser bug"}},
	})
	require.NoError(t, err)

	emb, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "tfidf"}, st, log)
	require.NoError(t, err)
	assert.Equal(t, "tfidf", emb.Model())
	assert.Equal(t, 512, emb.Dimensions())

	t.Setenv("OPENAI_API_KEY", "")
	_, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "openai"}, st, log)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfiguration)

	emb, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "openai", APIKey: "sk-test", Breaker: true}, st, log)
	require.NoError(t, err)
	_, guarded := emb.(*engine.GuardedEmbedder)
	assert.True(t, guarded)

	// nothing listens on port 1, so ollama falls back
	emb, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "ollama", URL: "http://127.0.0.1:1"}, st, log)
	require.NoError(t, err)
	assert.Equal(t, "tfidf", emb.Model())
}

func TestTFIDFStableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.StorageConfig{Backend: "sqlite", Path: t.TempDir() + "/graph.db"}
	log := zap.NewNop()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ingest := func(st *store.Store, emb engine.Embedder, at time.Time, text string) {
		t.Helper()
		eng, err := engine.New(st, engine.DefaultPolicy(), engine.WithEmbedder(emb))
		require.NoError(t, err)
		defer eng.Stop()
		_, err = eng.Ingest(ctx, engine.Activity{
			Type: store.TypeMessage, Timestamp: at,
			Content: store.Content{Message: &store.MessageActivity{Text: text}},
		})
		require.NoError(t, err)
	}

	st, err := openStore(ctx, cfg, log)
	require.NoError(t, err)
	ingest(st, nil, base, "reviewed the sqlite migration")
	emb, err := buildEmbedder(ctx, config.EmbedderConfig{Provider: "tfidf"}, st, log)
	require.NoError(t, err)
	before, err := emb.Embed(ctx, "sqlite migration")
	require.NoError(t, err)
	for i, text := range []string{"lunch plans", "lunch with the team", "migration lunch"} {
		ingest(st, emb, base.Add(time.Duration(i+1)*time.Minute), text)
	}
	require.NoError(t, st.Close())

	st, err = openStore(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	emb, err = buildEmbedder(ctx, config.EmbedderConfig{Provider: "tfidf"}, st, log)
	require.NoError(t, err)
	after, err := emb.Embed(ctx, "sqlite migration")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOpenBackendMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.StorageConfig{Backend: "memory"}, zap.NewNop())
	require.NoError(t, err)
	st.Close()

	path := t.TempDir() + "/graph.db"
	st, err = openStore(ctx, config.StorageConfig{Backend: "sqlite", Path: path}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestImportRemoteBatches(t *testing.T) {
	st := store.OpenMemory()
	t.Cleanup(func() { st.Close() })
	eng, err := engine.New(st, engine.DefaultPolicy())
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(eng, "test"))
	t.Cleanup(ts.Close)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var acts []engine.Activity
	for i := 0; i < importBatchSize+5; i++ {
		acts = append(acts, engine.Activity{
			Type:      store.TypeMessage,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Content:   store.Content{Message: &store.MessageActivity{Text: "note"}},
			Embedding: []float64{1, 0},
		})
	}
	acts = append(acts, engine.Activity{Type: store.TypeMessage, Timestamp: base})

	sum, err := importRemote(context.Background(), client.New(ts.URL), acts)
	require.NoError(t, err)
	assert.Equal(t, importBatchSize+5, sum.ingested)
	assert.Equal(t, 1, sum.failed)
	assert.Equal(t, importBatchSize+5, eng.Stats().Live)
}
