// Package hooks turns coding-agent hook events into activities. The agent
// runs `memgraph hook <event>` with the event JSON on stdin.
package hooks

import "encoding/json"

// HookInput is the JSON the agent sends on stdin. Different events populate
// different subsets.
type HookInput struct {
	SessionID     string `json:"session_id"`
	CWD           string `json:"cwd"`
	HookEventName string `json:"hook_event_name"`

	// UserPromptSubmit
	Prompt string `json:"prompt,omitempty"`

	// PostToolUse
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// Stop
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

// toolInput holds the tool_input fields the file and web tools share.
type toolInput struct {
	FilePath  string `json:"file_path"`
	Content   string `json:"content"`
	NewString string `json:"new_string"`
	URL       string `json:"url"`
	Prompt    string `json:"prompt"`
}

// skipTools are meta-tools that generate noise, not activity.
var skipTools = map[string]bool{
	"TodoRead":   true,
	"TodoWrite":  true,
	"Thinking":   true,
	"TaskList":   true,
	"TaskCreate": true,
	"TaskGet":    true,
	"TaskUpdate": true,
}

// ShouldSkipTool returns true if this tool should not be recorded.
func (h *HookInput) ShouldSkipTool() bool {
	return skipTools[h.ToolName]
}

// channel names the conversation a message belongs to.
func (h *HookInput) channel() string {
	if h.SessionID == "" {
		return "agent"
	}
	return "agent:" + h.SessionID
}
