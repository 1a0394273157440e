package activity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/memgraph/internal/store"
)

func TestReadNative(t *testing.T) {
	input := `{"id":"b1","type":"browser","timestamp":"2026-03-01T09:00:00Z","content":{"browser":{"url":"https://go.dev","title":"Go"}},"embedding":[0.1,0.2]}
{"type":"code","timestamp":"2026-03-01T09:05:00Z","content":{"code":{"path":"main.go","snippet":"package main"}}}`

	res, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(res.Activities))
	}

	a := res.Activities[0]
	if a.ID != "b1" || a.Type != store.TypeBrowser {
		t.Errorf("activity[0] = %s/%s, want b1/browser", a.ID, a.Type)
	}
	if a.Content.Browser == nil || a.Content.Browser.URL != "https://go.dev" {
		t.Errorf("browser content = %+v", a.Content.Browser)
	}
	if len(a.Embedding) != 2 {
		t.Errorf("embedding dims = %d, want 2", len(a.Embedding))
	}
	if want := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC); !res.Activities[1].Timestamp.Equal(want) {
		t.Errorf("activity[1] timestamp = %v, want %v", res.Activities[1].Timestamp, want)
	}
}

func TestReadTranscript(t *testing.T) {
	input := `{"type":"user","uuid":"u-1","timestamp":"2026-03-01T09:00:00Z","message":{"role":"user","content":"Hello, help me with Go code"}}
{"type":"assistant","uuid":"u-2","timestamp":"2026-03-01T09:00:10Z","message":{"role":"assistant","content":[{"type":"text","text":"Here is the code:"},{"type":"tool_use","id":"tu_1","name":"Write"}]}}`

	res, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(res.Activities))
	}

	first := res.Activities[0]
	if first.ID != "u-1" || first.Type != store.TypeMessage {
		t.Errorf("activity[0] = %s/%s, want u-1/message", first.ID, first.Type)
	}
	m := first.Content.Message
	if m == nil || m.Sender != "user" || m.Channel != TranscriptChannel {
		t.Fatalf("message = %+v", m)
	}
	if m.Text != "Hello, help me with Go code" {
		t.Errorf("text = %q", m.Text)
	}
	if got := res.Activities[1].Content.Message.Text; got != "Here is the code:" {
		t.Errorf("array content text = %q, want 'Here is the code:'", got)
	}
}

func TestReadFiltersTranscriptNoise(t *testing.T) {
	input := `{"type":"user","timestamp":"2026-03-01T09:00:00Z","message":{"role":"user","content":"ok"}}
{"type":"user","timestamp":"2026-03-01T09:00:01Z","message":{"role":"user","content":"{\"json\":\"data\"}"}}
{"type":"system","timestamp":"2026-03-01T09:00:02Z","message":{"role":"system","content":"system prompt text"}}
{"type":"user","timestamp":"2026-03-01T09:00:03Z","message":{"role":"user","content":"Fix the bug <system-reminder>secret context</system-reminder> please"}}
{"type":"user","message":{"role":"user","content":"no timestamp on this one"}}`

	res, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Lines != 5 || res.Skipped != 4 {
		t.Errorf("lines/skipped = %d/%d, want 5/4", res.Lines, res.Skipped)
	}
	if len(res.Activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(res.Activities))
	}
	text := res.Activities[0].Content.Message.Text
	if strings.Contains(text, "secret") {
		t.Errorf("system reminder not stripped: %q", text)
	}
}

func TestReadSkipsMalformed(t *testing.T) {
	input := `not json at all
{"type":"browser","timestamp":"2026-03-01T09:00:00Z","content":{"browser":{"url":"https://a.test"}}}

{"type":"code","timestamp":"yesterday","content":{}}
{"broken": `

	res, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(res.Activities))
	}
	if res.Lines != 4 || res.Skipped != 3 {
		t.Errorf("lines/skipped = %d/%d, want 4/3", res.Lines, res.Skipped)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activities.jsonl")
	body := `{"type":"message","timestamp":"2026-03-01T09:00:00Z","content":{"message":{"text":"standup notes"}}}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(res.Activities) != 1 || res.Activities[0].Content.Message.Text != "standup notes" {
		t.Errorf("activities = %+v", res.Activities)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}
