package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/kv"
	"github.com/lazypower/memgraph/internal/store"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// openBackend opens the configured key-value backend.
func openBackend(ctx context.Context, cfg config.StorageConfig) (kv.Store, string, error) {
	switch cfg.Backend {
	case "memory":
		return kv.NewMemory(), "memory", nil
	case "dynamodb":
		d, err := kv.OpenDynamo(ctx, cfg.Table, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, "", err
		}
		return d, "dynamodb:" + cfg.Table, nil
	default:
		path := cfg.Path
		if path == "" {
			var err error
			if path, err = kv.DefaultSQLitePath(); err != nil {
				return nil, "", fmt.Errorf("resolve db path: %w", err)
			}
		}
		lite, err := kv.OpenSQLite(path)
		if err != nil {
			return nil, "", err
		}
		return lite, path, nil
	}
}

// openStore opens the backend and loads the graph from it.
func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (*store.Store, error) {
	backend, where, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	st, err := store.Open(ctx, backend, log)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("load graph from %s: %w", where, err)
	}
	log.Info("storage open", zap.String("backend", cfg.Backend), zap.String("location", where))
	return st, nil
}

// buildEmbedder returns the configured provider, or nil for "none". An
// unreachable Ollama falls back to TF-IDF over the stored corpus.
func buildEmbedder(ctx context.Context, cfg config.EmbedderConfig, st *store.Store, log *zap.Logger) (engine.Embedder, error) {
	var emb engine.Embedder
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "tfidf":
		return loadTFIDF(ctx, st, cfg.Dims, log)
	case "ollama":
		url := cfg.URL
		if url == "" {
			url = defaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		if !engine.ProbeOllama(url, model) {
			log.Warn("ollama unreachable, falling back to tfidf", zap.String("url", url), zap.String("model", model))
			return loadTFIDF(ctx, st, 0, log)
		}
		emb = engine.NewOllamaEmbedder(url, model, cfg.Dims)
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, apperr.New(apperr.KindInvalidConfiguration, "embedder", "openai provider needs an api key")
		}
		emb = engine.NewOpenAIEmbedder(key, cfg.URL, cfg.Model, cfg.Dims)
	default:
		return nil, apperr.New(apperr.KindInvalidConfiguration, "embedder", "unknown provider %q", cfg.Provider)
	}

	if cfg.Breaker {
		bc := engine.DefaultBreakerConfig()
		if cfg.Timeout > 0 {
			bc.Timeout = cfg.Timeout
		}
		emb = engine.NewGuardedEmbedder(emb, bc, log)
	}
	return emb, nil
}

// loadTFIDF opens the frozen TF-IDF vocabulary. A graph with no stored text
// yet runs without a provider until a later start can build one.
func loadTFIDF(ctx context.Context, st *store.Store, dims int, log *zap.Logger) (engine.Embedder, error) {
	emb, err := engine.LoadTFIDF(ctx, st, dims)
	switch {
	case errors.Is(err, apperr.ErrInvalidConfiguration):
		log.Warn("tfidf needs stored text to build a vocabulary, embedding disabled", zap.Error(err))
		return nil, nil
	case err != nil:
		return nil, err
	}
	log.Info("tfidf vocabulary loaded", zap.Int("dims", emb.Dimensions()))
	return emb, nil
}
