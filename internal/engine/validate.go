package engine

import (
	"math"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/store"
)

// Content size limits. Oversized text is truncated, not rejected.
const (
	maxIDLen     = 128
	maxTextChars = 16000
	maxURLChars  = 2048
	maxRawBytes  = 64 * 1024
)

// Activity is one timestamped event to ingest.
type Activity struct {
	ID        string         `json:"id,omitempty"`
	Type      store.NodeType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   store.Content  `json:"content"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// validIDChar returns true if the character is allowed in a node id.
// Allowed: ASCII letters and digits, '-', '_', '.', ':'.
func validIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == ':'
}

func validateID(id string) error {
	if len(id) > maxIDLen {
		return apperr.New(apperr.KindInvalid, "ingest", "id longer than %d chars", maxIDLen)
	}
	for _, r := range id {
		if !validIDChar(r) {
			return apperr.New(apperr.KindInvalid, "ingest", "id %q contains %q", id, r)
		}
	}
	return nil
}

// validateActivity checks an activity and returns a sanitized copy.
func validateActivity(a Activity, log *zap.Logger) (Activity, error) {
	if a.ID != "" {
		if err := validateID(a.ID); err != nil {
			return a, err
		}
	}
	if _, err := store.ParseNodeType(string(a.Type)); err != nil {
		return a, apperr.Wrap(apperr.KindInvalid, "ingest", err)
	}
	if kind := a.Content.Kind(); kind != a.Type {
		return a, apperr.New(apperr.KindInvalid, "ingest",
			"content does not match type %q", a.Type)
	}
	if a.Timestamp.IsZero() {
		return a, apperr.New(apperr.KindInvalid, "ingest", "timestamp is required")
	}
	for _, x := range a.Embedding {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return a, apperr.New(apperr.KindInvalid, "ingest", "embedding holds a non-finite value")
		}
	}

	a.Content = sanitizeContent(a.Content, log)
	return a, nil
}

// sanitizeContent copies the variant, trimming and truncating its text.
func sanitizeContent(c store.Content, log *zap.Logger) store.Content {
	clip := func(field, s string, max int) string {
		s = strings.TrimSpace(s)
		if len(s) > max {
			log.Debug("truncating content field", zap.String("field", field), zap.Int("from", len(s)), zap.Int("to", max))
			s = truncateClean(s, max)
		}
		return s
	}

	switch {
	case c.Browser != nil:
		b := *c.Browser
		b.URL = clip("url", b.URL, maxURLChars)
		b.Title = clip("title", b.Title, maxTextChars)
		b.Text = clip("text", b.Text, maxTextChars)
		return store.Content{Browser: &b}
	case c.Code != nil:
		cd := *c.Code
		cd.Path = clip("path", cd.Path, maxURLChars)
		cd.Snippet = clip("snippet", cd.Snippet, maxTextChars)
		return store.Content{Code: &cd}
	case c.Message != nil:
		m := *c.Message
		m.Text = clip("text", m.Text, maxTextChars)
		return store.Content{Message: &m}
	default:
		raw := c.Raw
		if len(raw) > maxRawBytes {
			log.Debug("truncating raw content", zap.Int("from", len(raw)), zap.Int("to", maxRawBytes))
			raw = raw[:maxRawBytes]
		}
		return store.Content{Raw: append([]byte(nil), raw...)}
	}
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
