package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/kv"
	"github.com/lazypower/memgraph/internal/store"
)

// Embedder turns text into a vector. Activities and queries that arrive
// without an embedding go through one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// OllamaEmbedder uses Ollama's embedding API.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the first vector.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	vec := result.Embeddings[0]
	if o.dims > 0 && len(vec) != o.dims {
		return nil, fmt.Errorf("ollama returned %d dimensions, want %d", len(vec), o.dims)
	}
	return vec, nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model is available.
func ProbeOllama(url, model string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	reqBody, _ := json.Marshal(map[string]any{
		"model": model,
		"input": "test",
	})
	resp, err := client.Post(strings.TrimRight(url, "/")+"/api/embed", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// TFIDFEmbedder produces bag-of-words vectors over a frozen vocabulary. It
// needs no network and is the fallback when no model server is configured.
type TFIDFEmbedder struct {
	vocab []string           // top terms by document frequency
	idf   map[string]float64 // smoothed inverse document frequency
	dims  int
}

// tfidfMeta names the store metadata record holding the frozen vocabulary.
const tfidfMeta = "tfidf"

type tfidfRecord struct {
	Dims  int       `json:"dims"`
	Terms []string  `json:"terms"`
	IDF   []float64 `json:"idf"`
}

// NewTFIDFEmbedder builds the vocabulary from docs, keeping at most
// maxTerms terms. The dimension is fixed at maxTerms. A corpus without a
// single term is rejected: every vector over it would be zero.
func NewTFIDFEmbedder(docs []string, maxTerms int) (*TFIDFEmbedder, error) {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}
	if len(df) == 0 {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "tfidf",
			"corpus of %d documents has no terms", len(docs))
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}

	numDocs := float64(max(len(docs), 1))
	vocab := make([]string, len(terms))
	idf := make(map[string]float64, len(terms))
	for i, tf := range terms {
		vocab[i] = tf.term
		idf[tf.term] = math.Log(numDocs/float64(tf.freq)) + 1.0
	}

	return &TFIDFEmbedder{vocab: vocab, idf: idf, dims: maxTerms}, nil
}

// LoadTFIDF returns the embedder whose vocabulary is frozen in st. The first
// call builds the vocabulary from the stored corpus and persists it, so
// vectors written before a restart stay comparable with those written after.
// A frozen vocabulary wins over maxTerms.
func LoadTFIDF(ctx context.Context, st *store.Store, maxTerms int) (*TFIDFEmbedder, error) {
	b, err := st.Meta(ctx, tfidfMeta)
	switch {
	case err == nil:
		return decodeTFIDF(b)
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("load tfidf vocabulary: %w", err)
	}

	emb, err := NewTFIDFEmbedder(CorpusFromStore(st), maxTerms)
	if err != nil {
		return nil, err
	}
	rec := tfidfRecord{Dims: emb.dims, Terms: emb.vocab, IDF: make([]float64, len(emb.vocab))}
	for i, term := range emb.vocab {
		rec.IDF[i] = emb.idf[term]
	}
	if b, err = json.Marshal(rec); err != nil {
		return nil, fmt.Errorf("encode tfidf vocabulary: %w", err)
	}
	if err := st.PutMeta(ctx, tfidfMeta, b); err != nil {
		return nil, fmt.Errorf("freeze tfidf vocabulary: %w", err)
	}
	return emb, nil
}

func decodeTFIDF(b []byte) (*TFIDFEmbedder, error) {
	var rec tfidfRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindConsistencyViolation, "tfidf", err)
	}
	if len(rec.Terms) == 0 || len(rec.Terms) != len(rec.IDF) || rec.Dims < len(rec.Terms) {
		return nil, apperr.New(apperr.KindConsistencyViolation, "tfidf",
			"frozen vocabulary has %d terms, %d weights, %d dimensions", len(rec.Terms), len(rec.IDF), rec.Dims)
	}
	idf := make(map[string]float64, len(rec.Terms))
	for i, term := range rec.Terms {
		idf[term] = rec.IDF[i]
	}
	return &TFIDFEmbedder{vocab: rec.Terms, idf: idf, dims: rec.Dims}, nil
}

// CorpusFromStore collects the text of every node in the graph, live and
// archived, for building a TFIDFEmbedder.
func CorpusFromStore(st *store.Store) []string {
	var docs []string
	st.View(func(v *store.View) error {
		for _, t := range store.NodeTypes {
			for _, n := range v.ListByType(t) {
				if text := n.Content.Text(); text != "" {
					docs = append(docs, text)
				}
			}
		}
		return nil
	})
	return docs
}

func (t *TFIDFEmbedder) Model() string   { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector for the given text. Text that
// shares no term with the vocabulary is rejected rather than mapped to the
// zero vector.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokenize(text) {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	vec := make([]float64, t.dims)
	hits := 0
	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// augmented tf
		vec[i] = (0.5 + 0.5*float64(count)/float64(maxTF)) * t.idf[term]
		hits++
	}
	if hits == 0 {
		return nil, apperr.New(apperr.KindInvalid, "tfidf", "text has no vocabulary terms")
	}

	normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}
