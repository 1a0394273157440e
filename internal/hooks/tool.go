package hooks

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

const maxSnippet = 2000

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".md":   "markdown",
	".sql":  "sql",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".sh":   "shell",
}

// toolActivity maps file tools to code activities and web tools to browser
// activities. Other tools are not recorded.
func toolActivity(in *HookInput, at time.Time) (engine.Activity, bool) {
	if in.ShouldSkipTool() || len(in.ToolInput) == 0 {
		return engine.Activity{}, false
	}
	var ti toolInput
	if err := json.Unmarshal(in.ToolInput, &ti); err != nil {
		return engine.Activity{}, false
	}

	a := engine.Activity{ID: in.ToolUseID, Timestamp: at}
	switch in.ToolName {
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		if ti.FilePath == "" {
			return engine.Activity{}, false
		}
		snippet := ti.NewString
		if snippet == "" {
			snippet = ti.Content
		}
		a.Type = store.TypeCode
		a.Content.Code = &store.CodeActivity{
			Path:     ti.FilePath,
			Language: languages[strings.ToLower(filepath.Ext(ti.FilePath))],
			Snippet:  truncate(snippet, maxSnippet),
		}
	case "WebFetch":
		if ti.URL == "" {
			return engine.Activity{}, false
		}
		a.Type = store.TypeBrowser
		a.Content.Browser = &store.BrowserActivity{URL: ti.URL, Text: truncate(ti.Prompt, maxSnippet)}
	default:
		return engine.Activity{}, false
	}
	return a, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
