package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lazypower/memgraph/internal/client"
	"github.com/lazypower/memgraph/internal/engine"
)

const contextItems = 20

// Handler dispatches hook events to the server. Hooks must never break the
// agent, so callers report Handle's error and still exit 0.
type Handler struct {
	Client *client.Client
	Out    io.Writer
	Now    func() time.Time
}

// Handle reads HookInput from stdin and handles event: start, submit, tool
// or stop. A server that is down is not an error.
func (h *Handler) Handle(ctx context.Context, event string, stdin io.Reader) error {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	var input HookInput
	if err := json.NewDecoder(stdin).Decode(&input); err != nil && event != "start" {
		// stdin may be empty on start
		return fmt.Errorf("decode stdin: %w", err)
	}

	if !h.Client.Healthy(ctx) {
		if event == "start" {
			return WriteSessionStartOutput(h.Out, "")
		}
		return nil
	}

	var (
		a  engine.Activity
		ok bool
	)
	switch event {
	case "start":
		md, err := h.Client.Context(ctx, contextItems)
		if err != nil {
			md = ""
		}
		return WriteSessionStartOutput(h.Out, md)
	case "submit":
		a, ok = messageActivity(&input, "user", input.Prompt, now())
	case "tool":
		a, ok = toolActivity(&input, now())
	case "stop":
		a, ok = messageActivity(&input, "assistant", input.LastAssistantMessage, now())
	default:
		return fmt.Errorf("unknown hook event: %s", event)
	}
	if !ok {
		return nil
	}
	if _, err := h.Client.Ingest(ctx, a); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}
