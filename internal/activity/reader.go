// Package activity reads activity streams from JSONL files for bulk import.
//
// Two line shapes are understood. A native line is an engine.Activity as
// the HTTP API accepts it. A chat transcript line ({"type":"user",
// "message":{...}}) becomes a message activity from its role.
package activity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

const maxLine = 1024 * 1024

// TranscriptChannel is the Channel set on messages read from transcripts.
const TranscriptChannel = "transcript"

// line is the union of both shapes; the type field decides which applies.
type line struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	UUID      string          `json:"uuid"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is what a read produced.
type Result struct {
	Activities []engine.Activity
	Lines      int // non-empty lines seen
	Skipped    int // malformed or filtered lines
}

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// ReadFile reads a JSONL activity file.
func ReadFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses JSONL from r. Malformed lines are counted and skipped; only
// read errors fail the call.
func Read(r io.Reader) (Result, error) {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		res.Lines++

		a, ok := parseLine([]byte(raw))
		if !ok {
			res.Skipped++
			continue
		}
		res.Activities = append(res.Activities, a)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan activities: %w", err)
	}
	return res, nil
}

func parseLine(raw []byte) (engine.Activity, bool) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return engine.Activity{}, false
	}

	if _, err := store.ParseNodeType(l.Type); err == nil {
		var a engine.Activity
		if err := json.Unmarshal(raw, &a); err != nil {
			return engine.Activity{}, false
		}
		return a, true
	}

	if l.Message == nil || l.Timestamp.IsZero() {
		return engine.Activity{}, false
	}
	return fromTranscript(l)
}

// fromTranscript keeps user and assistant text. Short lines and lines that
// are themselves JSON carry no memory worth keeping.
func fromTranscript(l line) (engine.Activity, bool) {
	if l.Type != "user" && l.Type != "assistant" {
		return engine.Activity{}, false
	}
	var msg transcriptMessage
	if err := json.Unmarshal(l.Message, &msg); err != nil {
		return engine.Activity{}, false
	}

	text := extractText(msg.Content)
	text = systemReminderRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if len(text) < 5 || strings.HasPrefix(text, "{") {
		return engine.Activity{}, false
	}

	sender := msg.Role
	if sender == "" {
		sender = l.Type
	}
	return engine.Activity{
		ID:        l.UUID,
		Type:      store.TypeMessage,
		Timestamp: l.Timestamp,
		Content: store.Content{Message: &store.MessageActivity{
			Sender:  sender,
			Channel: TranscriptChannel,
			Text:    text,
		}},
	}, true
}

// extractText handles content that is either a plain string or an array of
// typed blocks, of which only text blocks are kept.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}
