package hooks

import (
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

// internalSentinel prefixes prompts memgraph itself sends through an agent.
// Those must not be recorded back as user activity.
const internalSentinel = "[memgraph-internal]"

func isInternalPrompt(prompt string) bool {
	return strings.HasPrefix(prompt, internalSentinel)
}

// messageActivity records prompt or reply text. Blank text is dropped.
func messageActivity(in *HookInput, sender, text string, at time.Time) (engine.Activity, bool) {
	text = strings.TrimSpace(text)
	if text == "" || isInternalPrompt(text) {
		return engine.Activity{}, false
	}
	return engine.Activity{
		Type:      store.TypeMessage,
		Timestamp: at,
		Content: store.Content{Message: &store.MessageActivity{
			Sender:  sender,
			Channel: in.channel(),
			Text:    text,
		}},
	}, true
}
